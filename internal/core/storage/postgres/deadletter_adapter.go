package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/core/storage"
)

// DeadLetterAdapter implements storage.DeadLetterStore for PostgreSQL.
type DeadLetterAdapter struct {
	db *sql.DB
}

// NewDeadLetterAdapter creates a dead-letter adapter over an existing pool.
func NewDeadLetterAdapter(db *sql.DB) *DeadLetterAdapter {
	return &DeadLetterAdapter{db: db}
}

func (a *DeadLetterAdapter) SaveDeadLetter(ctx context.Context, dl *v1.DeadLetter) error {
	var rawJSON []byte
	if len(dl.RawPayload) > 0 {
		var err error
		rawJSON, err = json.Marshal(dl.RawPayload)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter payload: %w", err)
		}
	}

	if _, err := a.db.ExecContext(ctx, querySaveDeadLetter,
		dl.ID,
		dl.EventID,
		dl.InstanceID,
		dl.AttemptCount,
		dl.ErrorClass,
		dl.LastError,
		rawJSON,
		utc(dl.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

func (a *DeadLetterAdapter) GetDeadLetter(ctx context.Context, id uuid.UUID) (*v1.DeadLetter, error) {
	dl, err := scanDeadLetterRow(a.db.QueryRowContext(ctx, queryGetDeadLetter, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return dl, nil
}

// ListDeadLetters returns recent dead letters, newest first. An empty
// instanceID returns all instances.
func (a *DeadLetterAdapter) ListDeadLetters(ctx context.Context, instanceID string, limit int) ([]*v1.DeadLetter, error) {
	rows, err := a.db.QueryContext(ctx, queryListDeadLetters, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*v1.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetterRow(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return letters, nil
}

func (a *DeadLetterAdapter) MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := a.db.ExecContext(ctx, queryMarkReplayed, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}
	return requireAffected(res, "mark replayed")
}
