// Package boundary is the call surface offered to a host process that embeds
// the node. Every call returns a plain result struct that holds no live
// references, and panics never cross it.
package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/metachain/config"
	"github.com/Klingon-tech/metachain/internal/lifecycle"
	klog "github.com/Klingon-tech/metachain/internal/log"
	"github.com/Klingon-tech/metachain/internal/node"
	"github.com/Klingon-tech/metachain/internal/runtime"
	"github.com/Klingon-tech/metachain/pkg/block"
)

// ErrNotRunning is reported by calls that need a running node.
var ErrNotRunning = errors.New("node is not running")

// Result is the outcome of a boundary call: a payload when OK, otherwise an
// error message. External lists the transfers carried by the block.
type Result struct {
	OK       bool
	Payload  []byte
	External []block.ExternalTx
	Error    string
}

func okResult(payload []byte, external []block.ExternalTx) Result {
	return Result{OK: true, Payload: payload, External: external}
}

func errResult(err error) Result {
	return Result{Error: err.Error()}
}

// ExecResult reports what Run did with the command line.
type ExecResult struct {
	// IsHelp is set when help or version output was requested.
	IsHelp bool
	// Success is false when the arguments or the start failed.
	Success bool
	// Daemon is set when the node was started in the background.
	Daemon bool
}

// Boundary hosts at most one node under a lifecycle coordinator.
type Boundary struct {
	mu    sync.Mutex
	coord *lifecycle.Coordinator
	node  *node.Node
	out   io.Writer
}

// logger is looked up per call since Run re-initializes logging.
func logger() *zerolog.Logger {
	l := klog.WithComponent("boundary")
	return &l
}

// New returns an empty boundary. Help and command output go to out, or to
// stdout when out is nil.
func New(out io.Writer) *Boundary {
	if out == nil {
		out = os.Stdout
	}
	return &Boundary{out: out}
}

// guard turns a panic into a failed result.
func (b *Boundary) guard(op string, res *Result) {
	if r := recover(); r != nil {
		logger().Error().Str("op", op).Interface("panic", r).Msg("Recovered panic at boundary")
		*res = Result{Error: fmt.Sprintf("%s: panic: %v", op, r)}
	}
}

func (b *Boundary) running() (*node.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.node == nil || b.coord == nil || b.coord.State() != lifecycle.StateRunning {
		return nil, ErrNotRunning
	}
	return b.node, nil
}

// MintBlock asks the authorship engine for a block on top of the best block
// carrying extraTxs. The payload is the encoded block.
func (b *Boundary) MintBlock(extraTxs []block.ExternalTx) (res Result) {
	defer b.guard("mint_block", &res)

	n, err := b.running()
	if err != nil {
		return errResult(err)
	}
	payload, external, err := n.Minter().Mint(context.Background(), extraTxs)
	if err != nil {
		return errResult(err)
	}
	return okResult(payload, external)
}

// ConnectBlock decodes payload, queues extraTxs and imports the block. The
// result payload is the JSON import report.
func (b *Boundary) ConnectBlock(payload []byte, extraTxs []block.ExternalTx) (res Result) {
	defer b.guard("connect_block", &res)

	n, err := b.running()
	if err != nil {
		return errResult(err)
	}
	out, err := n.Connector().ConnectWithExternal(context.Background(), payload, n.Pool(), extraTxs)
	if err != nil {
		return errResult(err)
	}
	report, err := json.Marshal(out)
	if err != nil {
		return errResult(fmt.Errorf("encoding import report: %w", err))
	}
	return okResult(report, out.External)
}

// RequestInterrupt signals the node to stop and waits for it to exit.
func (b *Boundary) RequestInterrupt() (res Result) {
	defer b.guard("interrupt", &res)

	b.mu.Lock()
	coord := b.coord
	b.mu.Unlock()
	if coord == nil {
		return errResult(fmt.Errorf("%w: node was never started", lifecycle.ErrLifecycleFault))
	}

	logger().Info().Msg("Signaling node to terminate")
	if err := coord.RequestShutdown(); err != nil {
		return errResult(err)
	}
	logger().Info().Msg("Waiting for node to finish")
	if err := coord.AwaitShutdown(); err != nil {
		return errResult(err)
	}
	return okResult(nil, nil)
}

// Run parses args, not including the program name. Without a command it
// starts the node in the background and returns; with one it runs the
// command and returns.
func (b *Boundary) Run(args []string) (res ExecResult) {
	defer func() {
		if r := recover(); r != nil {
			logger().Error().Interface("panic", r).Msg("Recovered panic while starting node")
			res = ExecResult{}
		}
	}()

	cfg, flags, err := config.Load(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		config.PrintUsage(b.out)
		return ExecResult{IsHelp: true, Success: true}
	case errors.Is(err, config.ErrVersion):
		fmt.Fprintf(b.out, "metachaind %s\n", config.Version)
		return ExecResult{IsHelp: true, Success: true}
	case err != nil:
		fmt.Fprintf(b.out, "Error: %v\n", err)
		return ExecResult{}
	}

	if len(flags.Args) > 0 {
		if err := b.runCommand(cfg, flags.Args); err != nil {
			fmt.Fprintf(b.out, "Error: %v\n", err)
			return ExecResult{}
		}
		return ExecResult{Success: true}
	}

	res.Daemon = true
	if err := b.start(cfg); err != nil {
		fmt.Fprintf(b.out, "Error: %v\n", err)
		logger().Error().Err(err).Msg("Node start failed")
		return res
	}
	res.Success = true
	return res
}

func (b *Boundary) start(cfg *config.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.coord != nil {
		return fmt.Errorf("%w: node already started", lifecycle.ErrLifecycleFault)
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	coord := lifecycle.New()
	if err := coord.Start(n.Run); err != nil {
		n.Close()
		return err
	}
	b.node = n
	b.coord = coord
	return nil
}

// runCommand runs a one-shot command that does not start the node.
func (b *Boundary) runCommand(cfg *config.Config, args []string) error {
	switch args[0] {
	case "genesis-hash":
		g := config.GenesisFor(cfg.Node.Network)
		blk := runtime.GenesisBlock(g.ChainID, g.Timestamp, []byte(g.ExtraData))
		fmt.Fprintln(b.out, blk.Hash().Hex())
		return nil
	case "version":
		fmt.Fprintf(b.out, "metachaind %s\n", config.Version)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
