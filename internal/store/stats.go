package store

import (
	"context"
	"fmt"
	"time"
)

// Stats summarizes what the store holds.
type Stats struct {
	Messages int64     `json:"messages"`
	Scopes   int64     `json:"scopes"`
	Users    int64     `json:"users"`
	Personas int64     `json:"personas"`
	Oldest   time.Time `json:"oldest,omitempty"`
	Newest   time.Time `json:"newest,omitempty"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st             Stats
		oldest, newest int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COUNT(DISTINCT platform || ':' || self_id || ':' || CASE WHEN guild_id != '' THEN guild_id ELSE channel_id END),
			COUNT(DISTINCT platform || ':' || user_id),
			COALESCE(MIN(ts), 0),
			COALESCE(MAX(ts), 0)
		FROM messages
	`).Scan(&st.Messages, &st.Scopes, &st.Users, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("message stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM personas`).Scan(&st.Personas); err != nil {
		return Stats{}, fmt.Errorf("persona stats: %w", err)
	}
	st.Oldest = fromMillis(oldest)
	st.Newest = fromMillis(newest)
	return st, nil
}
