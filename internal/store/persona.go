package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PersonaRecord is the durable row behind one user's persona.
type PersonaRecord struct {
	ID             string
	Platform       string
	SelfID         string
	UserID         string
	Username       string
	Persona        string
	LastAnalysisAt time.Time
	UpdatedAt      time.Time
}

// PersonaID is the composite key platform:selfId:userId.
func PersonaID(platform, selfID, userID string) string {
	return strings.Join([]string{platform, selfID, userID}, ":")
}

// GetPersona returns the record for id, or nil when none exists.
func (s *Store) GetPersona(ctx context.Context, id string) (*PersonaRecord, error) {
	var (
		r            PersonaRecord
		lastAnalysis int64
		updated      int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, platform, self_id, user_id, username, persona, last_analysis_at, updated_at
		FROM personas WHERE id = ?
	`, id).Scan(&r.ID, &r.Platform, &r.SelfID, &r.UserID, &r.Username, &r.Persona, &lastAnalysis, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get persona %s: %w", id, err)
	}
	r.LastAnalysisAt = fromMillis(lastAnalysis)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

func (s *Store) UpsertPersona(ctx context.Context, r PersonaRecord) error {
	if r.ID == "" {
		r.ID = PersonaID(r.Platform, r.SelfID, r.UserID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (id, platform, self_id, user_id, username, persona, last_analysis_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			persona = excluded.persona,
			last_analysis_at = excluded.last_analysis_at,
			updated_at = excluded.updated_at
	`, r.ID, r.Platform, r.SelfID, r.UserID, r.Username, r.Persona, toMillis(r.LastAnalysisAt), toMillis(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert persona %s: %w", r.ID, err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
