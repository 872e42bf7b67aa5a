// Package events appends stage-completion events to runs.
package events

import (
	"context"
	"database/sql"
	"time"
)

// StampLayout is a fixed-width RFC 3339 form. Stages are ordered by comparing
// finished timestamps as text, so every stamp must have the same width.
const StampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Writer records run stage events. Now is injectable for tests; the receipt
// time it produces is the authority for stage ordering.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records a completed stage inside tx. The chef reports only the stage
// name and its claimed duration; the start time is back-dated from the server
// receipt time so that clock skew on the chef side cannot reorder stages.
// The run's state column is updated to mirror the stage name.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, runID, stage string, durationSeconds float64) (started, finished string, err error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	receipt := now().UTC()
	start := receipt.Add(-time.Duration(durationSeconds * float64(time.Second)))
	started = start.Format(StampLayout)
	finished = receipt.Format(StampLayout)
	if _, err = tx.ExecContext(ctx, `INSERT INTO run_stages(run_id,name,started,finished,duration_seconds) VALUES (?,?,?,?,?)`,
		runID, stage, started, finished, durationSeconds); err != nil {
		return "", "", err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE runs SET state=?, modified_at=? WHERE run_id=?`, stage, finished, runID); err != nil {
		return "", "", err
	}
	return started, finished, nil
}
