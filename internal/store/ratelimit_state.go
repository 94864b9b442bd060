package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RateLimitWindow is the persisted state of one sender's rate-limit window:
// the time the window started and how many calls have landed inside it.
type RateLimitWindow struct {
	SenderKey   string
	WindowStart time.Time
	Count       int
}

// GetRateLimitWindow returns the persisted window for senderKey, or the zero
// value with ok=false if nothing has been recorded yet.
func (s *Store) GetRateLimitWindow(ctx context.Context, senderKey string) (RateLimitWindow, bool, error) {
	var w RateLimitWindow
	w.SenderKey = senderKey
	err := s.db.QueryRowContext(ctx, `
		SELECT window_start, count FROM rate_limit_state WHERE sender_key = ?
	`, senderKey).Scan(&w.WindowStart, &w.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return RateLimitWindow{}, false, nil
	}
	if err != nil {
		return RateLimitWindow{}, false, fmt.Errorf("store: get rate limit window %q: %w", senderKey, err)
	}
	return w, true, nil
}

// PutRateLimitWindow writes or replaces the persisted window for w.SenderKey.
func (s *Store) PutRateLimitWindow(ctx context.Context, w RateLimitWindow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_state (sender_key, window_start, count)
		VALUES (?, ?, ?)
		ON CONFLICT(sender_key) DO UPDATE SET
			window_start = excluded.window_start,
			count        = excluded.count
	`, w.SenderKey, w.WindowStart, w.Count)
	if err != nil {
		return fmt.Errorf("store: put rate limit window %q: %w", w.SenderKey, err)
	}
	return nil
}
