package database

import (
	"database/sql"
	"fmt"
)

var (
	createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_events (
    run_id        VARCHAR       NOT NULL,
    seq           BIGINT        NOT NULL,
    kind          VARCHAR       NOT NULL,
    subject       BIGINT        NOT NULL,
    at_ns         BIGINT        NOT NULL,
    detail        TEXT          NOT NULL,
    recorded_at   TIMESTAMPTZ   NOT NULL DEFAULT now(),

    PRIMARY KEY (run_id, seq)
);`

	createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_events (run_id, kind);`

	createStatSamplesTableSQL = `
CREATE TABLE IF NOT EXISTS %s_stat_samples (
    run_id            VARCHAR            NOT NULL,
    at_ns             BIGINT             NOT NULL,
    peers             INTEGER            NOT NULL,
    alive_peers       INTEGER            NOT NULL,
    active_proposals  INTEGER            NOT NULL,
    active_leases     INTEGER            NOT NULL,
    items             INTEGER            NOT NULL,
    max_phi           DOUBLE PRECISION   NOT NULL,
    max_load_factor   DOUBLE PRECISION   NOT NULL,

    PRIMARY KEY (run_id, at_ns)
);`
)

// Migrate creates the journal's events and stat sample tables with indexes.
func Migrate(db *sql.DB, tableName string) error {
	if err := createEventsTable(db, tableName); err != nil {
		return err
	}

	if err := createEventsIndex(db, tableName); err != nil {
		return err
	}

	if err := createStatSamplesTable(db, tableName); err != nil {
		return err
	}

	return nil
}

func createEventsTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createEventsTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

func createEventsIndex(db *sql.DB, tableName string) error {
	var (
		indexName = fmt.Sprintf("%s_events_kind_idx", tableName)
		query     = fmt.Sprintf(createEventsIndexSQL, indexName, tableName)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create events index: %w", err)
	}
	return nil
}

func createStatSamplesTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createStatSamplesTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create stat samples table: %w", err)
	}
	return nil
}
