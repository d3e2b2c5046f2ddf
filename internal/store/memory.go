package store

import (
	"context"
	"sync"
	"time"

	"github.com/xiaohuo/verifybot/internal/verifybot"
)

// MemorySessions keeps sessions in process memory. Entries are immutable
// once stored, so eviction uses CompareAndDelete and never removes a
// session that was rewritten after it was observed as expired.
type MemorySessions struct {
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map // user id -> *verifybot.Session
}

func NewMemorySessions(ttl time.Duration) *MemorySessions {
	return &MemorySessions{ttl: ttl, now: time.Now}
}

func (s *MemorySessions) Get(_ context.Context, userID string) (verifybot.Session, error) {
	v, ok := s.entries.Load(userID)
	if !ok {
		return verifybot.NewSession(userID), nil
	}
	sess := v.(*verifybot.Session)
	if sess.Expired(s.now()) {
		s.entries.CompareAndDelete(userID, v)
		return verifybot.NewSession(userID), nil
	}
	return *sess, nil
}

func (s *MemorySessions) Set(_ context.Context, sess verifybot.Session) error {
	sess.ExpiresAt = s.now().Add(s.ttl)
	s.entries.Store(sess.UserID, &sess)
	return nil
}

func (s *MemorySessions) Reset(_ context.Context, userID string) error {
	s.entries.Delete(userID)
	return nil
}

func (s *MemorySessions) Sweep(_ context.Context) (int, error) {
	now := s.now()
	removed := 0
	s.entries.Range(func(k, v any) bool {
		if v.(*verifybot.Session).Expired(now) && s.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed, nil
}

type verdictEntry struct {
	authorized bool
	expiresAt  time.Time
}

// MemoryVerdicts caches verdicts in process memory.
type MemoryVerdicts struct {
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map // verdictID -> *verdictEntry
}

func NewMemoryVerdicts(ttl time.Duration) *MemoryVerdicts {
	return &MemoryVerdicts{ttl: ttl, now: time.Now}
}

func (c *MemoryVerdicts) Get(_ context.Context, key verifybot.VerdictKey) (bool, bool, error) {
	id := verdictID(key)
	v, ok := c.entries.Load(id)
	if !ok {
		return false, false, nil
	}
	e := v.(*verdictEntry)
	if c.now().After(e.expiresAt) {
		c.entries.CompareAndDelete(id, v)
		return false, false, nil
	}
	return e.authorized, true, nil
}

func (c *MemoryVerdicts) Put(_ context.Context, key verifybot.VerdictKey, authorized bool) error {
	c.entries.Store(verdictID(key), &verdictEntry{
		authorized: authorized,
		expiresAt:  c.now().Add(c.ttl),
	})
	return nil
}

func (c *MemoryVerdicts) Sweep(_ context.Context) (int, error) {
	now := c.now()
	removed := 0
	c.entries.Range(func(k, v any) bool {
		if now.After(v.(*verdictEntry).expiresAt) && c.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed, nil
}
