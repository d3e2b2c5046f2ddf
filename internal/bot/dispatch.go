package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher runs events in the background so the webhook can acknowledge
// the platform immediately. Each event gets its own timeout.
type Dispatcher struct {
	bot     *Bot
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(b *Bot, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{bot: b, timeout: timeout, logger: logger}
}

// Dispatch starts processing env and returns at once.
func (d *Dispatcher) Dispatch(env Envelope) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx := context.Background()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		if err := d.bot.HandleEvent(ctx, env); err != nil {
			d.logger.Error("event processing failed",
				"event_id", env.Header.EventID,
				"event_type", env.Header.EventType,
				"error", err,
			)
		}
	}()
}

// Wait blocks until in-flight events finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
