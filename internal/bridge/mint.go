package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/metachain/internal/authorship"
	"github.com/Klingon-tech/metachain/internal/chain"
	klog "github.com/Klingon-tech/metachain/internal/log"
	"github.com/Klingon-tech/metachain/internal/metrics"
	"github.com/Klingon-tech/metachain/internal/runtime"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// Chain is the read and import surface the bridges need.
type Chain interface {
	BlockAt(number types.BlockNumber) (*block.SignedBlock, error)
	ImportBlock(params chain.ImportParams) chain.ImportOutcome
}

// Minter requests blocks from the authorship engine and returns them encoded.
type Minter struct {
	commands *authorship.Channel
	chain    Chain
	pool     Backlog
	logger   zerolog.Logger
}

// NewMinter creates a minter. pool may be nil when extra transfers are never passed.
func NewMinter(commands *authorship.Channel, ch Chain, pool Backlog) *Minter {
	return &Minter{commands: commands, chain: ch, pool: pool, logger: klog.Bridge}
}

// Mint adds extraTxs to the backlog, has the engine seal and finalize a
// block on the best block at build time, and returns the encoded block with the
// transfers it carries. There is no timeout besides ctx.
func (m *Minter) Mint(ctx context.Context, extraTxs []block.ExternalTx) ([]byte, []block.ExternalTx, error) {
	logger := m.logger.With().Str("request", uuid.NewString()).Logger()

	encoded, external, err := m.mint(ctx, logger, extraTxs)
	switch {
	case err == nil:
		metrics.RecordMint("ok")
	case errors.Is(err, ErrInvariantViolation):
		metrics.RecordMint("invariant")
		logger.Error().Err(err).Msg("Mint failed")
	default:
		metrics.RecordMint("error")
		logger.Warn().Err(err).Msg("Mint failed")
	}
	return encoded, external, err
}

func (m *Minter) mint(ctx context.Context, logger zerolog.Logger, extraTxs []block.ExternalTx) ([]byte, []block.ExternalTx, error) {
	if len(extraTxs) > 0 {
		if m.pool == nil {
			return nil, nil, fmt.Errorf("no backlog for %d extra transfers", len(extraTxs))
		}
		if err := SubmitExternal(m.pool, extraTxs); err != nil {
			return nil, nil, err
		}
	}

	// The engine resolves the parent when it builds, so queued commands
	// chain onto each other in send order.
	slot := authorship.NewReplySlot()
	cmd := &authorship.SealNewBlock{
		CreateEmpty: true,
		Finalize:    true,
		Reply:       slot,
	}
	logger.Debug().Int("extra", len(extraTxs)).Msg("Requesting block")
	if err := m.commands.Send(ctx, cmd); err != nil {
		return nil, nil, err
	}

	created, err := slot.Wait(ctx)
	if errors.Is(err, authorship.ErrReplyDropped) {
		return nil, nil, ErrAuthorshipAborted
	}
	if err != nil {
		return nil, nil, err
	}

	// A finalized import becomes best and stays canonical, so later blocks
	// on top of it do not move it from its number.
	if !created.Aux.IsNewBest {
		return nil, nil, fmt.Errorf("%w: created %s was not made best", ErrInvariantViolation, created.Hash)
	}
	sb, err := m.chain.BlockAt(created.Number)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: #%d: %v", ErrBlockVanished, created.Number, err)
	}
	if sb.Hash() != created.Hash {
		return nil, nil, fmt.Errorf("%w: #%d is %s, created %s", ErrInvariantViolation, created.Number, sb.Hash(), created.Hash)
	}

	encoded, err := block.EncodeBlock(&sb.Block)
	if err != nil {
		return nil, nil, fmt.Errorf("encode block: %w", err)
	}
	external, err := runtime.ExtractExternal(&sb.Block)
	if err != nil {
		return nil, nil, fmt.Errorf("extract transfers: %w", err)
	}

	logger.Info().
		Uint32("height", uint32(created.Number)).
		Str("hash", created.Hash.Short()).
		Int("transfers", len(external)).
		Msg("Block minted")
	return encoded, external, nil
}
