package app

import (
	"context"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/fairstake/internal/platform/errors"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultSweepInterval = time.Minute
	defaultMaxAttempts   = 8
	defaultBatchSize     = 50
	maxLastErrorLength   = 512
)

// Config controls inbox polling and retries.
type Config struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	MaxAttempts   int
	BatchSize     int
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

// EventHandler processes one inbox event.
type EventHandler interface {
	Dispatch(ctx context.Context, evt storage.InboxEvent) error
}

// Sweeper expires commitments past their reveal window.
type Sweeper interface {
	SweepExpired(ctx context.Context) ([]string, error)
}

// Stats counts what one pass over the inbox did.
type Stats struct {
	Processed int
	Retried   int
	Dead      int
}

// Loop drains the inbox in arrival order and sweeps expired commitments.
type Loop struct {
	inbox   storage.InboxStore
	handler EventHandler
	sweeper Sweeper
	cfg     Config
	now     func() time.Time
}

// NewLoop builds an inbox loop. A nil sweeper disables expiry sweeps.
func NewLoop(inbox storage.InboxStore, handler EventHandler, sweeper Sweeper, cfg Config, clock func() time.Time) *Loop {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Loop{
		inbox:   inbox,
		handler: handler,
		sweeper: sweeper,
		cfg:     cfg.normalized(),
		now:     clock,
	}
}

// Run polls until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil || l.inbox == nil || l.handler == nil {
		return fmt.Errorf("inbox loop is not configured")
	}
	poll := time.NewTicker(l.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(l.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("inbox pass: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			l.sweep(ctx)
		case <-poll.C:
		}
	}
}

// RunOnce dispatches one batch of pending events. A failed event stays
// pending until it fails permanently or runs out of attempts.
func (l *Loop) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	events, err := l.inbox.ListPendingInbox(ctx, l.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list pending inbox: %w", err)
	}
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		handleErr := l.handler.Dispatch(ctx, evt)
		if handleErr == nil {
			if err := l.inbox.MarkInboxProcessed(ctx, evt.ID, l.now()); err != nil {
				return stats, fmt.Errorf("mark %s processed: %w", evt.ID, err)
			}
			stats.Processed++
			continue
		}

		code := apperrors.GetCode(handleErr)
		dead := IsPermanent(handleErr) || code.Critical() || evt.Attempts+1 >= l.cfg.MaxAttempts
		if err := l.inbox.MarkInboxFailed(ctx, evt.ID, truncateError(handleErr), dead, l.now()); err != nil {
			return stats, fmt.Errorf("mark %s failed: %w", evt.ID, err)
		}
		if dead {
			stats.Dead++
			log.Printf("dead-letter %s event %s after %d attempts [%s]: %v", evt.EventType, evt.ID, evt.Attempts+1, code, handleErr)
		} else {
			stats.Retried++
			log.Printf("retry %s event %s (attempt %d): %v", evt.EventType, evt.ID, evt.Attempts+1, handleErr)
		}
	}
	return stats, nil
}

func (l *Loop) sweep(ctx context.Context) {
	if l.sweeper == nil {
		return
	}
	ids, err := l.sweeper.SweepExpired(ctx)
	if err != nil {
		log.Printf("sweep expired commitments: %v", err)
		return
	}
	if len(ids) > 0 {
		log.Printf("expired %d commitments", len(ids))
	}
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) <= maxLastErrorLength {
		return msg
	}
	cut := maxLastErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
