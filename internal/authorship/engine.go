package authorship

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/metachain/internal/chain"
	klog "github.com/Klingon-tech/metachain/internal/log"
	"github.com/Klingon-tech/metachain/internal/metrics"
	"github.com/Klingon-tech/metachain/internal/runtime"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// Proposer builds a sealed candidate on parent from backlog extrinsics.
type Proposer interface {
	Propose(ctx context.Context, parent *block.Header, backlog [][]byte) (*runtime.Candidate, error)
}

// Importer is the part of the chain the engine writes to.
type Importer interface {
	ImportBlock(params chain.ImportParams) chain.ImportOutcome
	BestBlock() chain.BlockInfo
	HeaderByHash(hash types.Hash) (*block.Header, error)
}

// Backlog supplies extrinsics for new blocks.
type Backlog interface {
	Select(limit int) [][]byte
	RemoveIncluded(exts [][]byte) int
}

// Engine is the only consumer of a Channel. It handles one command at a time.
type Engine struct {
	commands      *Channel
	chain         Importer
	proposer      Proposer
	backlog       Backlog
	maxExtrinsics int
	logger        zerolog.Logger
}

// NewEngine creates an engine. maxExtrinsics bounds how many backlog
// entries are offered to the proposer; <= 0 means no bound.
func NewEngine(commands *Channel, importer Importer, proposer Proposer, backlog Backlog, maxExtrinsics int) *Engine {
	return &Engine{
		commands:      commands,
		chain:         importer,
		proposer:      proposer,
		backlog:       backlog,
		maxExtrinsics: maxExtrinsics,
		logger:        klog.Authorship,
	}
}

// Run serves commands until ctx is done or the channel is closed. On exit
// the channel is closed and queued commands are dropped.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Int("capacity", e.commands.Cap()).Msg("Authorship engine started")
	defer func() {
		if n := e.commands.Close(); n > 0 {
			e.logger.Warn().Int("dropped", n).Msg("Dropped queued seal commands")
		}
		e.logger.Info().Msg("Authorship engine stopped")
	}()

	for {
		cmd, err := e.commands.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrChannelClosed) || errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			cmd.drop()
			return nil
		}
		e.handle(ctx, cmd)
	}
}

func (e *Engine) handle(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case *SealNewBlock:
		start := time.Now()
		created, err := e.sealNewBlock(ctx, c)
		if err != nil {
			metrics.IncAuthorshipErrors()
			lvl := zerolog.WarnLevel
			if errors.Is(err, ErrEmptyBacklog) {
				lvl = zerolog.DebugLevel
			}
			e.logger.WithLevel(lvl).Err(err).Msg("Seal command failed")
		} else {
			metrics.ObserveBuild(time.Since(start))
			e.logger.Info().
				Uint32("height", uint32(created.Number)).
				Str("hash", created.Hash.Short()).
				Bool("best", created.Aux.IsNewBest).
				Bool("finalized", c.Finalize).
				Dur("took", time.Since(start)).
				Msg("Block authored")
		}
		if c.Reply != nil {
			c.Reply.Fulfill(created, err)
		}
	default:
		e.logger.Error().Str("type", fmt.Sprintf("%T", cmd)).Msg("Unknown authorship command")
		cmd.drop()
	}
}

func (e *Engine) sealNewBlock(ctx context.Context, cmd *SealNewBlock) (CreatedBlock, error) {
	parentHash := e.chain.BestBlock().Hash
	if cmd.ParentHash != nil {
		parentHash = *cmd.ParentHash
	}
	parent, err := e.chain.HeaderByHash(parentHash)
	if err != nil {
		return CreatedBlock{}, fmt.Errorf("resolve parent %s: %w", parentHash.Short(), err)
	}

	backlog := e.backlog.Select(e.maxExtrinsics)
	if !cmd.CreateEmpty && len(backlog) == 0 {
		return CreatedBlock{}, ErrEmptyBacklog
	}

	cand, err := e.proposer.Propose(ctx, parent, backlog)
	if err != nil {
		return CreatedBlock{}, fmt.Errorf("propose: %w", err)
	}
	if len(cand.Rejected) > 0 {
		e.backlog.RemoveIncluded(cand.Rejected)
		e.logger.Debug().Int("count", len(cand.Rejected)).Msg("Dropped invalid extrinsics from backlog")
	}
	if !cmd.CreateEmpty && len(cand.Block.Extrinsics) == 0 {
		return CreatedBlock{}, ErrEmptyBacklog
	}

	out := e.chain.ImportBlock(chain.NewImportParams(chain.OriginOwn, cand.Block, chain.LongestChain(), cmd.Finalize))
	if err := out.Err(); err != nil {
		return CreatedBlock{}, err
	}
	if out.Status == chain.StatusAlreadyInChain {
		return CreatedBlock{}, fmt.Errorf("%w: #%d %s", ErrBlockExists, out.Number, out.Hash.Short())
	}
	e.backlog.RemoveIncluded(cand.Block.Extrinsics)
	return CreatedBlock{Hash: out.Hash, Number: out.Number, Aux: out.Aux}, nil
}
