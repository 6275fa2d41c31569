package coopcore

import (
	"context"
	"database/sql"
	"fmt"

	"go-coopcore/database"
)

// journal appends node events and stat samples to PostgreSQL. It is write
// only from the node's point of view: nothing read back feeds component state.
type journal struct {
	db      *sql.DB
	table   string
	runID   string
	queries *database.Queries
}

// newJournal creates a journal for one run of the node.
func newJournal(db *sql.DB, table string, runID string) *journal {
	return &journal{
		db:      db,
		table:   table,
		runID:   runID,
		queries: database.NewQueries(db, table),
	}
}

// migrate creates the journal tables.
func (j *journal) migrate() error {
	if err := database.Migrate(j.db, j.table); err != nil {
		return fmt.Errorf("failed to migrate journal tables: %w", err)
	}
	return nil
}

// write stores events and an optional stat sample in one transaction.
func (j *journal) write(ctx context.Context, events []Event, sample *database.StatSampleRecord) error {
	var tx, err = j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin journal transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var queries = database.NewQueries(tx, j.table)
	for _, ev := range events {
		if err := queries.InsertEvent(ctx, j.record(ev)); err != nil {
			return fmt.Errorf("failed to journal event %d: %w", ev.Seq, err)
		}
	}

	if sample != nil {
		sample.RunID = j.runID
		if err := queries.InsertStatSample(ctx, sample); err != nil {
			return fmt.Errorf("failed to journal stat sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit journal transaction: %w", err)
	}
	return nil
}

func (j *journal) record(ev Event) *database.EventRecord {
	return &database.EventRecord{
		RunID:   j.runID,
		Seq:     int64(ev.Seq),
		Kind:    string(ev.Kind),
		Subject: int64(ev.Subject),
		AtNs:    int64(ev.AtNs),
		Detail:  ev.Detail,
	}
}

// events returns this run's journaled events, optionally of a single kind.
func (j *journal) events(ctx context.Context, kind EventKind) ([]Event, error) {
	var (
		records []*database.EventRecord
		err     error
	)
	if kind == "" {
		records, err = j.queries.ListEvents(ctx, j.runID)
	} else {
		records, err = j.queries.ListEventsByKind(ctx, j.runID, string(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list journaled events: %w", err)
	}

	var events = make([]Event, len(records))
	for i, record := range records {
		events[i] = Event{
			Seq:     uint64(record.Seq),
			Kind:    EventKind(record.Kind),
			Subject: uint64(record.Subject),
			AtNs:    uint64(record.AtNs),
			Detail:  record.Detail,
		}
	}
	return events, nil
}

// samples returns this run's journaled stat samples.
func (j *journal) samples(ctx context.Context) ([]*database.StatSampleRecord, error) {
	var samples, err = j.queries.ListStatSamples(ctx, j.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list journaled stat samples: %w", err)
	}
	return samples, nil
}

// discard deletes everything this run has journaled.
func (j *journal) discard(ctx context.Context) error {
	if err := j.queries.DeleteRun(ctx, j.runID); err != nil {
		return fmt.Errorf("failed to discard journal run %s: %w", j.runID, err)
	}
	return nil
}

// Flush writes events recorded since the last flush, plus a stat sample, to
// the journal. Without a journal it does nothing. Events that fail to write
// are kept for the next attempt.
func (n *Node) Flush(ctx context.Context) error {
	if n.journal == nil {
		return nil
	}

	n.mu.Lock()
	var (
		events = n.unjournaled
		sample = n.sample(n.options.now())
	)
	n.unjournaled = nil
	n.mu.Unlock()

	if err := n.journal.write(ctx, events, sample); err != nil {
		n.mu.Lock()
		n.unjournaled = append(events, n.unjournaled...)
		if over := len(n.unjournaled) - n.options.maxEvents; over > 0 {
			n.unjournaled = n.unjournaled[over:]
			n.stats.eventsDropped += uint64(over)
		}
		n.stats.journalErrors++
		n.mu.Unlock()

		n.options.logger.Error("failed to flush journal", "error", err, "events", len(events))
		return err
	}

	n.mu.Lock()
	n.stats.journalWrites += uint64(len(events))
	n.mu.Unlock()
	return nil
}

// sample snapshots the node counters. Must be called with lock held.
func (n *Node) sample(now uint64) *database.StatSampleRecord {
	var (
		ring   = n.ring.Stats()
		load   = n.ring.LoadStats()
		maxPhi float64
	)
	for id := range n.peers {
		if st, ok := n.detector.Peer(id); ok {
			maxPhi = max(maxPhi, st.Phi)
		}
	}
	return &database.StatSampleRecord{
		AtNs:            int64(now),
		Peers:           len(n.peers),
		AlivePeers:      len(n.detector.Alive()),
		ActiveProposals: n.consensus.Stats().Active,
		ActiveLeases:    n.leases.Stats().Active,
		Items:           ring.Items,
		MaxPhi:          maxPhi,
		MaxLoadFactor:   load.MaxLoadFactor,
	}
}

// JournaledEvents reads back this run's journaled events, all of them when
// kind is empty.
func (n *Node) JournaledEvents(ctx context.Context, kind EventKind) ([]Event, error) {
	if n.journal == nil {
		return nil, nil
	}
	return n.journal.events(ctx, kind)
}

// DiscardJournal deletes everything this run has journaled.
func (n *Node) DiscardJournal(ctx context.Context) error {
	if n.journal == nil {
		return nil
	}
	return n.journal.discard(ctx)
}
