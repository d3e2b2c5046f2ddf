package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xiaohuo/verifybot/internal/database"
	"github.com/xiaohuo/verifybot/internal/migrations"
	"github.com/xiaohuo/verifybot/internal/verifybot"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sessionBackend struct {
	sessions Sessions
	verdicts Verdicts
	advance  func(time.Duration)
}

func memoryBackend(t *testing.T) sessionBackend {
	t.Helper()
	clock := newFakeClock()
	s := NewMemorySessions(5 * time.Minute)
	s.now = clock.Now
	v := NewMemoryVerdicts(time.Minute)
	v.now = clock.Now
	return sessionBackend{sessions: s, verdicts: v, advance: clock.Advance}
}

func sqliteBackend(t *testing.T) sessionBackend {
	t.Helper()
	db, err := database.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Run(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	clock := newFakeClock()
	s := NewSQLiteSessions(db, 5*time.Minute)
	s.now = clock.Now
	v := NewSQLiteVerdicts(db, time.Minute)
	v.now = clock.Now
	return sessionBackend{sessions: s, verdicts: v, advance: clock.Advance}
}

func redisBackend(t *testing.T) sessionBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return sessionBackend{
		sessions: NewRedisSessions(client, "test:", 5*time.Minute),
		verdicts: NewRedisVerdicts(client, "test:", time.Minute),
		advance:  mr.FastForward,
	}
}

var backends = []struct {
	name string
	open func(t *testing.T) sessionBackend
}{
	{"memory", memoryBackend},
	{"sqlite", sqliteBackend},
	{"redis", redisBackend},
}

func TestSessionsLifecycle(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			be := b.open(t)

			got, err := be.sessions.Get(ctx, "ou_1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.State != verifybot.StateInitial || got.Category != "" {
				t.Fatalf("fresh session = %+v, want initial without category", got)
			}

			if err := be.sessions.Set(ctx, verifybot.AwaitingQRCode("ou_1", verifybot.CategoryJudge)); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err = be.sessions.Get(ctx, "ou_1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.State != verifybot.StateWaitingQRCode || got.Category != verifybot.CategoryJudge {
				t.Errorf("stored session = %+v", got)
			}
			if got.ExpiresAt.IsZero() {
				t.Errorf("expires_at not set")
			}

			if err := be.sessions.Reset(ctx, "ou_1"); err != nil {
				t.Fatalf("reset: %v", err)
			}
			if err := be.sessions.Reset(ctx, "ou_1"); err != nil {
				t.Fatalf("second reset: %v", err)
			}
			got, _ = be.sessions.Get(ctx, "ou_1")
			if got.State != verifybot.StateInitial {
				t.Errorf("state after reset = %q, want initial", got.State)
			}
		})
	}
}

func TestSessionsExpire(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			be := b.open(t)

			if err := be.sessions.Set(ctx, verifybot.AwaitingSelection("ou_2")); err != nil {
				t.Fatalf("set: %v", err)
			}

			be.advance(4 * time.Minute)
			// Writing again slides the expiry forward.
			if err := be.sessions.Set(ctx, verifybot.AwaitingSelection("ou_2")); err != nil {
				t.Fatalf("set: %v", err)
			}
			be.advance(4 * time.Minute)
			got, _ := be.sessions.Get(ctx, "ou_2")
			if got.State != verifybot.StateWaitingGroupSelection {
				t.Fatalf("state = %q, want refreshed session", got.State)
			}

			be.advance(6 * time.Minute)
			got, _ = be.sessions.Get(ctx, "ou_2")
			if got.State != verifybot.StateInitial {
				t.Errorf("state = %q after ttl, want initial", got.State)
			}
		})
	}
}

func TestVerdictsPutGetExpire(t *testing.T) {
	ctx := context.Background()
	key := verifybot.VerdictKey{UserID: "ou_3", Payload: "ticket-42", Category: verifybot.CategoryPlayer}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			be := b.open(t)

			if _, ok, err := be.verdicts.Get(ctx, key); err != nil || ok {
				t.Fatalf("empty cache: ok=%v err=%v", ok, err)
			}

			for _, want := range []bool{false, true} {
				if err := be.verdicts.Put(ctx, key, want); err != nil {
					t.Fatalf("put: %v", err)
				}
				got, ok, err := be.verdicts.Get(ctx, key)
				if err != nil || !ok {
					t.Fatalf("get: ok=%v err=%v", ok, err)
				}
				if got != want {
					t.Errorf("verdict = %v, want %v", got, want)
				}
			}

			other := key
			other.Category = verifybot.CategoryJudge
			if _, ok, _ := be.verdicts.Get(ctx, other); ok {
				t.Errorf("verdict leaked across categories")
			}

			be.advance(2 * time.Minute)
			if _, ok, _ := be.verdicts.Get(ctx, key); ok {
				t.Errorf("verdict still present after ttl")
			}
		})
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		open func(t *testing.T) sessionBackend
	}{
		{"memory", memoryBackend},
		{"sqlite", sqliteBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := tt.open(t)
			sessions := be.sessions.(Sweeper)
			verdicts := be.verdicts.(Sweeper)

			be.sessions.Set(ctx, verifybot.AwaitingSelection("old"))
			be.verdicts.Put(ctx, verifybot.VerdictKey{UserID: "old", Payload: "p", Category: verifybot.CategoryPlayer}, true)
			be.advance(10 * time.Minute)
			be.sessions.Set(ctx, verifybot.AwaitingSelection("new"))

			n, err := sessions.Sweep(ctx)
			if err != nil {
				t.Fatalf("sweep sessions: %v", err)
			}
			if n != 1 {
				t.Errorf("sessions swept = %d, want 1", n)
			}
			n, err = verdicts.Sweep(ctx)
			if err != nil {
				t.Fatalf("sweep verdicts: %v", err)
			}
			if n != 1 {
				t.Errorf("verdicts swept = %d, want 1", n)
			}

			got, _ := be.sessions.Get(ctx, "new")
			if got.State != verifybot.StateWaitingGroupSelection {
				t.Errorf("live session swept: %+v", got)
			}
		})
	}
}

func TestRedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "localhost:1",
		DialTimeout:  10 * time.Millisecond,
		ReadTimeout:  10 * time.Millisecond,
		WriteTimeout: 10 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()

	sessions := NewRedisSessions(client, "test:", time.Minute)
	ctx := context.Background()

	if _, err := sessions.Get(ctx, "ou_1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("get error = %v, want ErrUnavailable", err)
	}
	if err := sessions.Set(ctx, verifybot.NewSession("ou_1")); !errors.Is(err, ErrUnavailable) {
		t.Errorf("set error = %v, want ErrUnavailable", err)
	}
}

func TestVerdictIDHashesPayload(t *testing.T) {
	a := verdictID(verifybot.VerdictKey{UserID: "u", Payload: "secret payload", Category: verifybot.CategoryPlayer})
	b := verdictID(verifybot.VerdictKey{UserID: "u", Payload: "secret payload!", Category: verifybot.CategoryPlayer})
	if a == b {
		t.Fatalf("distinct payloads share an id")
	}
	if len(a) != len("u:player:")+64 {
		t.Errorf("id = %q, want user:category:hex", a)
	}
}
