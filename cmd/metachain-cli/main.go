// metachain-cli is a command-line client for a running metachaind node.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	bip39 "github.com/tyler-smith/go-bip39"
	"github.com/urfave/cli"
	"golang.org/x/term"

	"github.com/Klingon-tech/metachain/config"
	"github.com/Klingon-tech/metachain/internal/rpcclient"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/crypto"
	"github.com/Klingon-tech/metachain/pkg/types"
)

var (
	rpcFlag = cli.StringFlag{
		Name:  "rpc",
		Usage: "Node RPC endpoint",
		Value: "http://127.0.0.1:9944",
	}
	timeoutFlag = cli.DurationFlag{
		Name:  "timeout",
		Usage: "Request timeout",
		Value: 30 * time.Second,
	}
	txFlag = cli.StringSliceFlag{
		Name:  "tx",
		Usage: "External transfer as from:to:amount. May be repeated.",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "metachain-cli"
	app.Usage = "command-line client for a metachaind node"
	app.Version = config.Version
	app.Flags = []cli.Flag{rpcFlag, timeoutFlag}
	app.Commands = []cli.Command{
		{
			Name:   "status",
			Usage:  "Show best and finalized blocks, peers and pending extrinsics",
			Action: cmdStatus,
		},
		{
			Name:      "hash",
			Usage:     "Print the canonical hash at a height, or the best hash",
			ArgsUsage: "[number]",
			Action:    cmdHash,
		},
		{
			Name:      "block",
			Usage:     "Fetch a block by hash, or the best block",
			ArgsUsage: "[hash]",
			Flags:     []cli.Flag{cli.BoolFlag{Name: "raw", Usage: "Print the encoded block as hex"}},
			Action:    cmdBlock,
		},
		{
			Name:      "header",
			Usage:     "Fetch a header by hash, or the best header",
			ArgsUsage: "[hash]",
			Action:    cmdHeader,
		},
		{
			Name:   "finalized",
			Usage:  "Print the finalized head hash",
			Action: cmdFinalized,
		},
		{
			Name:   "mint",
			Usage:  "Author a block on top of the best block",
			Flags:  []cli.Flag{txFlag},
			Action: cmdMint,
		},
		{
			Name:      "connect",
			Usage:     "Import an encoded block (hex, or @file with raw bytes)",
			ArgsUsage: "<payload>",
			Flags:     []cli.Flag{txFlag},
			Action:    cmdConnect,
		},
		{
			Name:      "submit",
			Usage:     "Queue an external transfer",
			ArgsUsage: "<from:to:amount>",
			Action:    cmdSubmit,
		},
		{
			Name:  "key",
			Usage: "Author key management",
			Subcommands: []cli.Command{
				{
					Name:      "new",
					Usage:     "Create an author key file",
					ArgsUsage: "<file>",
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "mnemonic", Usage: "Derive the key from a new recovery phrase"},
						cli.BoolFlag{Name: "passphrase", Usage: "Prompt for a phrase passphrase"},
					},
					Action: cmdKeyNew,
				},
				{
					Name:      "inspect",
					Usage:     "Print the public key of a key file",
					ArgsUsage: "<file>",
					Action:    cmdKeyInspect,
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func clientCtx(c *cli.Context) (*rpcclient.Client, context.Context, context.CancelFunc) {
	timeout := c.GlobalDuration(timeoutFlag.Name)
	client := rpcclient.NewWithTimeout(c.GlobalString(rpcFlag.Name), timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return client, ctx, cancel
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func hashArg(c *cli.Context) (types.Hash, error) {
	if c.NArg() == 0 {
		return types.Hash{}, nil
	}
	return types.HexToHash(c.Args().First())
}

// parseTx parses from:to:amount.
func parseTx(s string) (block.ExternalTx, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return block.ExternalTx{}, fmt.Errorf("transfer %q: want from:to:amount", s)
	}
	amount, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return block.ExternalTx{}, fmt.Errorf("transfer %q: bad amount: %w", s, err)
	}
	return block.ExternalTx{From: parts[0], To: parts[1], Amount: amount}, nil
}

func parseTxs(specs []string) ([]block.ExternalTx, error) {
	txs := make([]block.ExternalTx, 0, len(specs))
	for _, s := range specs {
		tx, err := parseTx(s)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func cmdStatus(c *cli.Context) error {
	client, ctx, cancel := clientCtx(c)
	defer cancel()

	h, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Genesis:    %s\n", h.Genesis.Hex())
	fmt.Printf("Best:       #%d %s\n", h.Best.Number, h.Best.Hash.Hex())
	fmt.Printf("Finalized:  #%d %s\n", h.Finalized.Number, h.Finalized.Hash.Hex())
	fmt.Printf("Peers:      %d\n", h.Peers)
	fmt.Printf("Pending:    %d\n", h.Pending)
	fmt.Printf("Syncing:    %v\n", h.IsSyncing)
	return nil
}

func cmdHash(c *cli.Context) error {
	client, ctx, cancel := clientCtx(c)
	defer cancel()

	var at *types.BlockNumber
	if c.NArg() > 0 {
		n, err := strconv.ParseUint(c.Args().First(), 10, 32)
		if err != nil {
			return fmt.Errorf("bad block number: %w", err)
		}
		num := types.BlockNumber(n)
		at = &num
	}
	hash, err := client.BlockHash(ctx, at)
	if err != nil {
		return err
	}
	fmt.Println(hash.Hex())
	return nil
}

func cmdBlock(c *cli.Context) error {
	hash, err := hashArg(c)
	if err != nil {
		return err
	}
	client, ctx, cancel := clientCtx(c)
	defer cancel()

	data, err := client.Block(ctx, hash)
	if err != nil {
		return err
	}
	if c.Bool("raw") {
		fmt.Println("0x" + hex.EncodeToString(data))
		return nil
	}
	sb, err := block.DecodeSignedBlock(data)
	if err != nil {
		return err
	}
	txs := make([]block.ExternalTx, 0, len(sb.Extrinsics))
	for _, ext := range sb.Extrinsics {
		if tx, err := block.DecodeExternalTx(ext); err == nil {
			txs = append(txs, tx)
		}
	}
	return printJSON(map[string]interface{}{
		"hash":     sb.Hash().Hex(),
		"header":   sb.Header,
		"external": txs,
	})
}

func cmdHeader(c *cli.Context) error {
	hash, err := hashArg(c)
	if err != nil {
		return err
	}
	client, ctx, cancel := clientCtx(c)
	defer cancel()

	h, err := client.Header(ctx, hash)
	if err != nil {
		return err
	}
	return printJSON(h)
}

func cmdFinalized(c *cli.Context) error {
	client, ctx, cancel := clientCtx(c)
	defer cancel()

	hash, err := client.FinalizedHead(ctx)
	if err != nil {
		return err
	}
	fmt.Println(hash.Hex())
	return nil
}

func cmdMint(c *cli.Context) error {
	txs, err := parseTxs(c.StringSlice("tx"))
	if err != nil {
		return err
	}
	client, ctx, cancel := clientCtx(c)
	defer cancel()

	res, err := client.MintBlock(ctx, txs)
	if err != nil {
		return err
	}
	return printJSON(res)
}

// readPayload accepts hex or @file.
func readPayload(arg string) ([]byte, error) {
	if strings.HasPrefix(arg, "@") {
		return os.ReadFile(arg[1:])
	}
	return hex.DecodeString(strings.TrimPrefix(strings.ToLower(arg), "0x"))
}

func cmdConnect(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, "connect")
	}
	payload, err := readPayload(c.Args().First())
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}
	txs, err := parseTxs(c.StringSlice("tx"))
	if err != nil {
		return err
	}
	client, ctx, cancel := clientCtx(c)
	defer cancel()

	res, err := client.ConnectBlock(ctx, payload, txs)
	if report, ok := rpcclient.ImportReport(err); ok {
		printJSON(report)
		return fmt.Errorf("block rejected: %s", report.Reason)
	}
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdSubmit(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, "submit")
	}
	tx, err := parseTx(c.Args().First())
	if err != nil {
		return err
	}
	client, ctx, cancel := clientCtx(c)
	defer cancel()

	hash, err := client.SubmitTx(ctx, tx)
	if err != nil {
		return err
	}
	fmt.Println(hash.Hex())
	return nil
}

func cmdKeyNew(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, "new")
	}
	path := c.Args().First()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", crypto.ErrKeyFileExists, path)
	}

	var key *crypto.PrivateKey
	if c.Bool("mnemonic") {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return err
		}
		phrase, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return err
		}
		var passphrase []byte
		if c.Bool("passphrase") {
			if passphrase, err = readPassword("Passphrase: "); err != nil {
				return err
			}
		}
		key, err = crypto.PrivateKeyFromMnemonic(phrase, string(passphrase))
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Recovery phrase (write it down, it is not stored):")
		fmt.Fprintln(os.Stderr, "  "+phrase)
	} else {
		var err error
		if key, err = crypto.GenerateKey(); err != nil {
			return err
		}
	}
	defer key.Zero()

	if err := crypto.WriteKeyFile(path, key); err != nil {
		return err
	}
	fmt.Println(key.PublicKeyHex())
	return nil
}

func cmdKeyInspect(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, "inspect")
	}
	key, err := crypto.ReadKeyFile(c.Args().First())
	if err != nil {
		return err
	}
	defer key.Zero()
	fmt.Println(key.PublicKeyHex())
	return nil
}

func readPassword(prompt string) ([]byte, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("passphrase prompt needs a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return password, nil
}
