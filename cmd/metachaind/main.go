// Metachain node daemon.
//
// Usage:
//
//	metachaind [--sealing=manual|instant|interval] Run node
//	metachaind genesis-hash                        Print the genesis hash
//	metachaind --help                              Show help
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/metachain/config"
	"github.com/Klingon-tech/metachain/internal/boundary"
	"github.com/Klingon-tech/metachain/internal/lifecycle"
	"github.com/Klingon-tech/metachain/internal/node"
)

func main() {
	cfg, flags, err := config.Load(os.Args[1:])
	switch {
	case errors.Is(err, flag.ErrHelp):
		config.PrintUsage(os.Stdout)
		return
	case errors.Is(err, config.ErrVersion):
		fmt.Printf("metachaind %s\n", config.Version)
		return
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// One-shot commands share the embedded host's handling.
	if len(flags.Args) > 0 {
		if res := boundary.New(os.Stdout).Run(os.Args[1:]); !res.Success {
			os.Exit(1)
		}
		return
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	coord := lifecycle.New()
	if err := coord.Start(n.Run); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Close()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		coord.RequestShutdown()
	}()

	// The worker may also exit on its own, e.g. when the RPC port is taken.
	if err := coord.AwaitShutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
