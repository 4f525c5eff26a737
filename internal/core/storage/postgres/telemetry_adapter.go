package postgres

import (
	"context"
	"database/sql"
	"fmt"

	v1 "github.com/weftlab/weft/internal/api/v1"
)

// TelemetryAdapter implements storage.TelemetryStore for PostgreSQL.
type TelemetryAdapter struct {
	db *sql.DB
}

// NewTelemetryAdapter creates a telemetry adapter over an existing pool.
func NewTelemetryAdapter(db *sql.DB) *TelemetryAdapter {
	return &TelemetryAdapter{db: db}
}

func (a *TelemetryAdapter) SaveTelemetry(ctx context.Context, rec *v1.TelemetryRecord) error {
	if _, err := a.db.ExecContext(ctx, querySaveTelemetry,
		rec.EventID,
		rec.InstanceID,
		rec.Outcome,
		rec.Attempt,
		rec.LatencyMS,
		nullString(rec.ErrorClass),
		utc(rec.RecordedAt),
	); err != nil {
		return fmt.Errorf("failed to save telemetry record: %w", err)
	}
	return nil
}
