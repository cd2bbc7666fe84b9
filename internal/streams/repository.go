package streams

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"time"

	schemasql "github.com/easiviotech/fabriq-streaming/pkg/database/sql"
	"github.com/easiviotech/fabriq-streaming/pkg/logging"
)

// Repository is the durable archive of stream history. Lifecycle transitions
// are written through it; the live path never reads from here.
type Repository struct {
	db     *sql.DB
	logger logging.Logger
}

// NewRepository creates a Postgres-backed stream archive.
func NewRepository(db *sql.DB, logger logging.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// EnsureSchema applies the embedded schema files in name order.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	entries, err := fs.ReadDir(schemasql.Content, "schema")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		raw, err := fs.ReadFile(schemasql.Content, "schema/"+entry.Name())
		if err != nil {
			return fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		if _, err := r.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply schema %s: %w", entry.Name(), err)
		}
		r.logger.WithField("schema", entry.Name()).Debug("Applied schema file")
	}
	return nil
}

// RecordCreate inserts the initial stream row.
func (r *Repository) RecordCreate(ctx context.Context, s *Stream) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal stream metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO streams (stream_id, tenant_id, user_id, title, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.TenantID, s.UserID, s.Title, string(s.Status), metadata, time.Unix(s.CreatedAt, 0))
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

// RecordStart marks the stream live in the archive.
func (r *Repository) RecordStart(ctx context.Context, streamID string, startedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE streams SET status = 'live', started_at = $2 WHERE stream_id = $1
	`, streamID, startedAt)
	if err != nil {
		return fmt.Errorf("update stream start: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("stream %s not found in archive", streamID)
	}
	return nil
}

// RecordEnd marks the stream ended in the archive.
func (r *Repository) RecordEnd(ctx context.Context, streamID string, endedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE streams SET status = 'ended', ended_at = $2 WHERE stream_id = $1
	`, streamID, endedAt)
	if err != nil {
		return fmt.Errorf("update stream end: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("stream %s not found in archive", streamID)
	}
	return nil
}

// History returns a tenant's most recent streams, newest first.
func (r *Repository) History(ctx context.Context, tenantID string, limit int) ([]*Stream, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT stream_id, tenant_id, user_id, title, status, started_at, ended_at, metadata, created_at
		FROM streams
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query stream history: %w", err)
	}
	defer rows.Close()

	var out []*Stream
	for rows.Next() {
		var (
			s         Stream
			status    string
			startedAt sql.NullTime
			endedAt   sql.NullTime
			metadata  []byte
			createdAt time.Time
		)
		if err := rows.Scan(&s.ID, &s.TenantID, &s.UserID, &s.Title, &status, &startedAt, &endedAt, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan stream row: %w", err)
		}
		s.Status = Status(status)
		if startedAt.Valid {
			ts := startedAt.Time.Unix()
			s.StartedAt = &ts
		}
		if endedAt.Valid {
			ts := endedAt.Time.Unix()
			s.EndedAt = &ts
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
				r.logger.WithError(err).WithField("stream_id", s.ID).Warn("Undecodable stream metadata in archive")
			}
		}
		s.CreatedAt = createdAt.Unix()
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream rows: %w", err)
	}
	return out, nil
}
