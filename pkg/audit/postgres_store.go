package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// PostgresStore is a multi-writer AuditStore. Since several gateway
// instances may append concurrently, the chain-head read and insert
// happen inside one transaction with a row lock on the tail entry, so
// two concurrent appends can't both observe the same previous hash.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool and ensures the
// schema exists. The caller owns the pool's lifecycle.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			sequence      BIGSERIAL PRIMARY KEY,
			event_id      TEXT NOT NULL,
			timestamp     TIMESTAMPTZ NOT NULL,
			principal_id  TEXT NOT NULL,
			event_type    TEXT NOT NULL,
			payload       JSONB NOT NULL,
			payload_hash  TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_principal ON audit_entries(principal_id);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, event gwtypes.AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit postgres store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var prevSeq uint64
	var prevHash string
	row := tx.QueryRowContext(ctx, `SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1 FOR UPDATE`)
	switch err := row.Scan(&prevSeq, &prevHash); err {
	case nil:
	case sql.ErrNoRows:
		prevHash = genesisHash
	default:
		return fmt.Errorf("audit postgres store: read chain head: %w", err)
	}

	entry, err := chain(event, prevSeq+1, prevHash)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit postgres store: marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (event_id, timestamp, principal_id, event_type, payload, payload_hash, previous_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.Timestamp.UTC().Format(time.RFC3339Nano), event.PrincipalID, event.EventType,
		string(payload), entry.PayloadHash, entry.PreviousHash, entry.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("audit postgres store: insert entry: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) Query(ctx context.Context, filter QueryFilter) ([]ChainedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_id, timestamp, principal_id, event_type, payload, payload_hash, previous_hash, entry_hash
		FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChainedEntry
	for rows.Next() {
		var (
			seq                                      uint64
			eventID, ts, principalID, eventType      string
			payload, payloadHash, prevHash, entryHash string
		)
		if err := rows.Scan(&seq, &eventID, &ts, &principalID, &eventType, &payload, &payloadHash, &prevHash, &entryHash); err != nil {
			return nil, err
		}
		var event gwtypes.AuditEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("audit postgres store: unmarshal payload for sequence %d: %w", seq, err)
		}
		entry := ChainedEntry{Sequence: seq, Event: event, PayloadHash: payloadHash, PreviousHash: prevHash, EntryHash: entryHash}
		if filter.matches(entry) {
			out = append(out, entry)
			if filter.MaxResults > 0 && len(out) >= filter.MaxResults {
				break
			}
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) VerifyChain(ctx context.Context) error {
	entries, err := s.Query(ctx, QueryFilter{})
	if err != nil {
		return err
	}
	return verifyChain(entries)
}
