// Package store holds the two TTL key-value services the bot depends on:
// per-user conversation sessions and cached authorization verdicts.
//
// Each service has an in-process, a Redis and a SQLite binding. Every
// binding honours the same contract: reads treat expired entries as absent
// and evict them, writes refresh the entry's TTL, and Sweep removes
// whatever has expired since the last pass.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/xiaohuo/verifybot/internal/verifybot"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("store unavailable")

// Sessions stores one conversation session per user.
type Sessions interface {
	// Get returns the user's session, or a fresh INITIAL session when none
	// is stored or the stored one has expired.
	Get(ctx context.Context, userID string) (verifybot.Session, error)
	// Set overwrites the user's session and refreshes its expiry.
	Set(ctx context.Context, s verifybot.Session) error
	// Reset deletes the user's session. Deleting a missing session is not
	// an error.
	Reset(ctx context.Context, userID string) error
}

// Verdicts caches authorization outcomes. A miss means "unknown".
type Verdicts interface {
	Get(ctx context.Context, key verifybot.VerdictKey) (authorized, ok bool, err error)
	Put(ctx context.Context, key verifybot.VerdictKey, authorized bool) error
}

// Sweeper removes expired entries and reports how many were removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// verdictID flattens a verdict key. The QR payload is hashed so arbitrary
// payload text never ends up inside a Redis key or a primary key column.
func verdictID(k verifybot.VerdictKey) string {
	sum := blake3.Sum256([]byte(k.Payload))
	return k.UserID + ":" + string(k.Category) + ":" + hex.EncodeToString(sum[:])
}

// RunSweeper calls Sweep on every sweeper each interval until ctx is done.
// A failing sweeper is logged and retried on the next tick.
func RunSweeper(ctx context.Context, logger *slog.Logger, interval time.Duration, sweepers map[string]Sweeper) error {
	if len(sweepers) == 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for name, s := range sweepers {
				n, err := s.Sweep(ctx)
				if err != nil {
					logger.Error("expiry sweep failed", "store", name, "error", err)
					continue
				}
				if n > 0 {
					logger.Info("expired entries removed", "store", name, "count", n)
				}
			}
		}
	}
}
