// Package store is the Postgres layer: telemetry lookups for dedupe and
// hazard queries, plus the append-only audit log.
package store

import (
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	DB             *pgxpool.Pool
	telemetryTable string
	auditTable     string

	reasoningOnce sync.Once
	hasReasoning  bool
}

func New(db *pgxpool.Pool, telemetryTable, auditTable string) *Store {
	return &Store{
		DB:             db,
		telemetryTable: telemetryTable,
		auditTable:     auditTable,
	}
}

// Table names come from configuration, so they are interpolated as sanitized
// identifiers rather than bind parameters.
func (s *Store) telemetryIdent() string { return pgx.Identifier{s.telemetryTable}.Sanitize() }
func (s *Store) auditIdent() string     { return pgx.Identifier{s.auditTable}.Sanitize() }
