package database

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	insertEventSQL = `
INSERT INTO %s_events (run_id, seq, kind, subject, at_ns, detail)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id, seq) DO NOTHING;`

	listEventsSQL = `
SELECT run_id, seq, kind, subject, at_ns, detail, recorded_at
FROM %s_events
WHERE run_id = $1
ORDER BY seq ASC;`

	listEventsByKindSQL = `
SELECT run_id, seq, kind, subject, at_ns, detail, recorded_at
FROM %s_events
WHERE run_id = $1 AND kind = $2
ORDER BY seq ASC;`

	insertStatSampleSQL = `
INSERT INTO %s_stat_samples (run_id, at_ns, peers, alive_peers, active_proposals, active_leases, items, max_phi, max_load_factor)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id, at_ns)
DO UPDATE SET
    peers = EXCLUDED.peers,
    alive_peers = EXCLUDED.alive_peers,
    active_proposals = EXCLUDED.active_proposals,
    active_leases = EXCLUDED.active_leases,
    items = EXCLUDED.items,
    max_phi = EXCLUDED.max_phi,
    max_load_factor = EXCLUDED.max_load_factor;`

	listStatSamplesSQL = `
SELECT run_id, at_ns, peers, alive_peers, active_proposals, active_leases, items, max_phi, max_load_factor
FROM %s_stat_samples
WHERE run_id = $1
ORDER BY at_ns ASC;`

	deleteRunEventsSQL = `
DELETE FROM %s_events
WHERE run_id = $1;`

	deleteRunStatSamplesSQL = `
DELETE FROM %s_stat_samples
WHERE run_id = $1;`
)

// InsertEvent appends an event. Re-inserting an existing (run, seq) is a no-op.
func (q *Queries) InsertEvent(ctx context.Context, event *EventRecord) error {
	var query = fmt.Sprintf(insertEventSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		event.RunID, event.Seq, event.Kind, event.Subject, event.AtNs, event.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns all events of a run, ordered by sequence number.
func (q *Queries) ListEvents(ctx context.Context, runID string) ([]*EventRecord, error) {
	var (
		query     = fmt.Sprintf(listEventsSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, runID)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return scanEvents(rows)
}

// ListEventsByKind returns the events of one kind for a run, ordered by
// sequence number.
func (q *Queries) ListEventsByKind(ctx context.Context, runID string, kind string) ([]*EventRecord, error) {
	var (
		query     = fmt.Sprintf(listEventsByKindSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, runID, kind)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events by kind: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*EventRecord, error) {
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var event EventRecord
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Kind, &event.Subject,
			&event.AtNs, &event.Detail, &event.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return events, nil
}

// InsertStatSample inserts or replaces the sample taken at the same instant.
func (q *Queries) InsertStatSample(ctx context.Context, sample *StatSampleRecord) error {
	var query = fmt.Sprintf(insertStatSampleSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		sample.RunID, sample.AtNs, sample.Peers, sample.AlivePeers, sample.ActiveProposals,
		sample.ActiveLeases, sample.Items, sample.MaxPhi, sample.MaxLoadFactor,
	)
	if err != nil {
		return fmt.Errorf("failed to insert stat sample: %w", err)
	}
	return nil
}

// ListStatSamples returns all samples of a run, oldest first.
func (q *Queries) ListStatSamples(ctx context.Context, runID string) ([]*StatSampleRecord, error) {
	var (
		query     = fmt.Sprintf(listStatSamplesSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, runID)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stat samples: %w", err)
	}
	defer rows.Close()

	var samples []*StatSampleRecord
	for rows.Next() {
		var sample StatSampleRecord
		if err := rows.Scan(&sample.RunID, &sample.AtNs, &sample.Peers, &sample.AlivePeers,
			&sample.ActiveProposals, &sample.ActiveLeases, &sample.Items,
			&sample.MaxPhi, &sample.MaxLoadFactor); err != nil {
			return nil, fmt.Errorf("failed to scan stat sample: %w", err)
		}
		samples = append(samples, &sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return samples, nil
}

// DeleteRun removes every event and stat sample of a run.
func (q *Queries) DeleteRun(ctx context.Context, runID string) error {
	var query = fmt.Sprintf(deleteRunEventsSQL, q.tableName)
	if _, err := q.db.ExecContext(ctx, query, runID); err != nil {
		return fmt.Errorf("failed to delete run events: %w", err)
	}

	query = fmt.Sprintf(deleteRunStatSamplesSQL, q.tableName)
	if _, err := q.db.ExecContext(ctx, query, runID); err != nil {
		return fmt.Errorf("failed to delete run stat samples: %w", err)
	}
	return nil
}
