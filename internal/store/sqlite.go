package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xiaohuo/verifybot/internal/verifybot"
)

// SQLiteSessions stores sessions in the sessions table. Expiry is stored
// as unix milliseconds.
type SQLiteSessions struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewSQLiteSessions(db *sql.DB, ttl time.Duration) *SQLiteSessions {
	return &SQLiteSessions{db: db, ttl: ttl, now: time.Now}
}

func (s *SQLiteSessions) Get(ctx context.Context, userID string) (verifybot.Session, error) {
	var (
		state     string
		category  string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, group_type, expires_at FROM sessions WHERE user_id = ?
	`, userID).Scan(&state, &category, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return verifybot.NewSession(userID), nil
	}
	if err != nil {
		return verifybot.Session{}, fmt.Errorf("%w: reading session: %w", ErrUnavailable, err)
	}

	sess := verifybot.Session{
		UserID:    userID,
		State:     verifybot.State(state),
		Category:  verifybot.Category(category),
		ExpiresAt: time.UnixMilli(expiresAt),
	}
	if sess.Expired(s.now()) {
		// Only delete the row we saw; a concurrent Set may have refreshed it.
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM sessions WHERE user_id = ? AND expires_at = ?
		`, userID, expiresAt); err != nil {
			return verifybot.Session{}, fmt.Errorf("%w: evicting session: %w", ErrUnavailable, err)
		}
		return verifybot.NewSession(userID), nil
	}
	return sess, nil
}

func (s *SQLiteSessions) Set(ctx context.Context, sess verifybot.Session) error {
	expiresAt := s.now().Add(s.ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, state, group_type, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			state = excluded.state,
			group_type = excluded.group_type,
			expires_at = excluded.expires_at
	`, sess.UserID, string(sess.State), string(sess.Category), expiresAt)
	if err != nil {
		return fmt.Errorf("%w: writing session: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteSessions) Reset(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("%w: deleting session: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteSessions) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SQLiteVerdicts caches verdicts in the verdicts table.
type SQLiteVerdicts struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewSQLiteVerdicts(db *sql.DB, ttl time.Duration) *SQLiteVerdicts {
	return &SQLiteVerdicts{db: db, ttl: ttl, now: time.Now}
}

func (c *SQLiteVerdicts) Get(ctx context.Context, key verifybot.VerdictKey) (bool, bool, error) {
	id := verdictID(key)

	var authorized bool
	var expiresAt int64
	err := c.db.QueryRowContext(ctx, `
		SELECT authorized, expires_at FROM verdicts WHERE id = ?
	`, id).Scan(&authorized, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("%w: reading verdict: %w", ErrUnavailable, err)
	}

	if c.now().UnixMilli() > expiresAt {
		if _, err := c.db.ExecContext(ctx, `
			DELETE FROM verdicts WHERE id = ? AND expires_at = ?
		`, id, expiresAt); err != nil {
			return false, false, fmt.Errorf("%w: evicting verdict: %w", ErrUnavailable, err)
		}
		return false, false, nil
	}
	return authorized, true, nil
}

func (c *SQLiteVerdicts) Put(ctx context.Context, key verifybot.VerdictKey, authorized bool) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO verdicts (id, authorized, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			authorized = excluded.authorized,
			expires_at = excluded.expires_at
	`, verdictID(key), authorized, c.now().Add(c.ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: writing verdict: %w", ErrUnavailable, err)
	}
	return nil
}

func (c *SQLiteVerdicts) Sweep(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM verdicts WHERE expires_at < ?`, c.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweeping verdicts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
