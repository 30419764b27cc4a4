// Package store persists chat history and persona records in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/groupinsight/internal/history"
)

const schemaVersion = 1

type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	policy history.Policy
}

// Open creates or opens the database at dbPath. The policy supplies the
// purpose exclusion lists and filtered words applied by Query.
func Open(dbPath string, policy history.Policy) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, policy: policy}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			self_id TEXT NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			guild_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			elements TEXT NOT NULL DEFAULT '[]',
			avatar_url TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			message_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(platform, channel_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_guild ON messages(platform, guild_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(platform, self_id, user_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			self_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			persona TEXT NOT NULL DEFAULT '',
			last_analysis_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Upsert writes msgs in one transaction. Rows are keyed by the message id, so
// re-ingesting a message with the same native id overwrites its row.
func (s *Store) Upsert(ctx context.Context, msgs []history.StoredMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, platform, self_id, channel_id, guild_id, user_id, username, content, elements, avatar_url, ts, message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			content = excluded.content,
			elements = excluded.elements,
			avatar_url = excluded.avatar_url,
			ts = excluded.ts
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range msgs {
		m := msgs[i]
		history.EnsureID(&m)
		elements, err := json.Marshal(m.Elements)
		if err != nil {
			return fmt.Errorf("encode elements %s: %w", m.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.Platform, m.SelfID, m.ChannelID, m.GuildID, m.UserID, m.Username,
			m.Content, string(elements), m.AvatarURL, m.Timestamp.UnixMilli(), m.MessageID,
		); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Query returns the newest f.Limit messages matching f, oldest first.
func (s *Store) Query(ctx context.Context, f history.Filter) ([]history.StoredMessage, error) {
	where, args := s.where(f, true)
	q := `SELECT id, platform, self_id, channel_id, guild_id, user_id, username, content, elements, avatar_url, ts, message_id
		FROM messages` + where + ` ORDER BY ts DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Remove deletes every message matching the scope, user and time bounds of f.
func (s *Store) Remove(ctx context.Context, f history.Filter) (int64, error) {
	where, args := s.where(f, false)
	if where == "" {
		return 0, fmt.Errorf("remove messages: refusing an unbounded delete")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("remove messages: %w", err)
	}
	return res.RowsAffected()
}

// PurgeBefore hard-deletes messages older than cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	if n > 0 {
		log.Info().Str("component", "store").Int64("deleted", n).Time("cutoff", cutoff).Msg("retention purge")
	}
	return n, nil
}

// where builds the WHERE clause for f. Purpose exclusions and filtered
// words only apply to reads.
func (s *Store) where(f history.Filter, read bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, vals ...any) {
		conds = append(conds, cond)
		args = append(args, vals...)
	}

	if f.Platform != "" {
		add("platform = ?", f.Platform)
	}
	if f.SelfID != "" {
		add("self_id = ?", f.SelfID)
	}
	if f.GuildID != "" {
		add("guild_id = ?", f.GuildID)
	}
	if f.ChannelID != "" {
		add("channel_id = ?", f.ChannelID)
	}
	if len(f.UserIDs) > 0 {
		add("user_id IN ("+placeholders(len(f.UserIDs))+")", toAny(f.UserIDs)...)
	}
	if !f.Start.IsZero() {
		add("ts >= ?", f.Start.UnixMilli())
	}
	if !f.End.IsZero() {
		add("ts <= ?", f.End.UnixMilli())
	}
	if read {
		if excluded := s.policy.ExcludedUsers(f.Purpose); len(excluded) > 0 {
			add("user_id NOT IN ("+placeholders(len(excluded))+")", toAny(excluded)...)
		}
		for _, w := range s.policy.FilteredWords() {
			add("instr(content, ?) = 0", w)
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanMessages(rows *sql.Rows) ([]history.StoredMessage, error) {
	result := make([]history.StoredMessage, 0)
	for rows.Next() {
		var (
			m        history.StoredMessage
			elements string
			ts       int64
		)
		if err := rows.Scan(
			&m.ID,
			&m.Platform,
			&m.SelfID,
			&m.ChannelID,
			&m.GuildID,
			&m.UserID,
			&m.Username,
			&m.Content,
			&elements,
			&m.AvatarURL,
			&ts,
			&m.MessageID,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		if elements != "" && elements != "null" {
			if err := json.Unmarshal([]byte(elements), &m.Elements); err != nil {
				log.Warn().Str("component", "store").Str("id", m.ID).Err(err).Msg("decode elements failed")
			}
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func toAny(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}
