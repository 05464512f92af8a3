package authorship

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/metachain/internal/log"
)

// SealingMode selects what produces seal commands besides external callers.
type SealingMode string

// Sealing modes.
const (
	SealingManual   SealingMode = "manual"
	SealingInstant  SealingMode = "instant"
	SealingInterval SealingMode = "interval"
)

// ParseSealingMode validates a mode name.
func ParseSealingMode(s string) (SealingMode, error) {
	switch m := SealingMode(s); m {
	case SealingManual, SealingInstant, SealingInterval:
		return m, nil
	}
	return "", fmt.Errorf("unknown sealing mode %q", s)
}

// PoolWatcher reports backlog activity to the instant trigger.
type PoolWatcher interface {
	Subscribe() (<-chan struct{}, func())
	Count() int
}

// Trigger sends seal commands on a schedule. It goes through the same
// Channel as external callers and never builds blocks itself.
type Trigger struct {
	mode     SealingMode
	interval time.Duration
	commands *Channel
	pool     PoolWatcher
	logger   zerolog.Logger
}

// NewTrigger creates a trigger. pool is required for SealingInstant and
// interval for SealingInterval.
func NewTrigger(mode SealingMode, interval time.Duration, commands *Channel, pool PoolWatcher) *Trigger {
	return &Trigger{
		mode:     mode,
		interval: interval,
		commands: commands,
		pool:     pool,
		logger:   klog.Authorship,
	}
}

// Run blocks until ctx is done or the command channel closes.
func (t *Trigger) Run(ctx context.Context) error {
	switch t.mode {
	case SealingManual:
		return nil
	case SealingInstant:
		if t.pool == nil {
			return fmt.Errorf("instant sealing needs a pool")
		}
		return t.runInstant(ctx)
	case SealingInterval:
		if t.interval <= 0 {
			return fmt.Errorf("interval sealing needs a positive block time")
		}
		return t.runInterval(ctx)
	default:
		return fmt.Errorf("unknown sealing mode %q", t.mode)
	}
}

func (t *Trigger) runInstant(ctx context.Context) error {
	notify, unsubscribe := t.pool.Subscribe()
	defer unsubscribe()
	t.logger.Info().Msg("Instant sealing enabled")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.commands.Closed():
			return nil
		case <-notify:
		}
		// Keep sealing while the backlog still has entries.
		for t.pool.Count() > 0 {
			if err := t.seal(ctx, false); err != nil {
				if errors.Is(err, ErrChannelClosed) || ctx.Err() != nil {
					return nil
				}
				break
			}
		}
	}
}

func (t *Trigger) runInterval(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	t.logger.Info().Dur("interval", t.interval).Msg("Interval sealing enabled")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.commands.Closed():
			return nil
		case <-ticker.C:
			if err := t.seal(ctx, true); errors.Is(err, ErrChannelClosed) {
				return nil
			}
		}
	}
}

func (t *Trigger) seal(ctx context.Context, createEmpty bool) error {
	slot := NewReplySlot()
	cmd := &SealNewBlock{CreateEmpty: createEmpty, Reply: slot}
	if err := t.commands.Send(ctx, cmd); err != nil {
		return err
	}
	_, err := slot.Wait(ctx)
	if errors.Is(err, ErrReplyDropped) {
		return ErrChannelClosed
	}
	return err
}
