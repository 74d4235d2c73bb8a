package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// SQLiteStore is a single-node, file-backed AuditStore, grounded on
// the receipt store's modernc.org/sqlite pattern. The hash chain
// requires each append to read the current head under the same lock
// it writes under, so appends serialize through a single mutex rather
// than relying on SQLite's own locking.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and migrates) an audit store backed by db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			sequence      INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id      TEXT NOT NULL,
			timestamp     DATETIME NOT NULL,
			principal_id  TEXT NOT NULL,
			event_type    TEXT NOT NULL,
			payload       JSON NOT NULL,
			payload_hash  TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_principal ON audit_entries(principal_id);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp);
	`)
	return err
}

func (s *SQLiteStore) headHash(ctx context.Context) (string, uint64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var hash string
	switch err := row.Scan(&seq, &hash); err {
	case nil:
		return hash, seq, nil
	case sql.ErrNoRows:
		return genesisHash, 0, nil
	default:
		return "", 0, err
	}
}

// Append persists event as the next entry in the chain.
func (s *SQLiteStore) Append(ctx context.Context, event gwtypes.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash, prevSeq, err := s.headHash(ctx)
	if err != nil {
		return fmt.Errorf("audit sqlite store: read chain head: %w", err)
	}
	entry, err := chain(event, prevSeq+1, prevHash)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit sqlite store: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (event_id, timestamp, principal_id, event_type, payload, payload_hash, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UTC().Format(time.RFC3339Nano), event.PrincipalID, event.EventType,
		string(payload), entry.PayloadHash, entry.PreviousHash, entry.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("audit sqlite store: insert entry: %w", err)
	}
	return nil
}

// Query returns entries matching filter, ordered by sequence.
func (s *SQLiteStore) Query(ctx context.Context, filter QueryFilter) ([]ChainedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_id, timestamp, principal_id, event_type, payload, payload_hash, previous_hash, entry_hash
		FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChainedEntry
	for rows.Next() {
		entry, err := scanChainedEntry(rows)
		if err != nil {
			return nil, err
		}
		if filter.matches(entry) {
			out = append(out, entry)
			if filter.MaxResults > 0 && len(out) >= filter.MaxResults {
				break
			}
		}
	}
	return out, rows.Err()
}

// VerifyChain re-derives every entry's hash and confirms the chain is
// unbroken end to end.
func (s *SQLiteStore) VerifyChain(ctx context.Context) error {
	entries, err := s.Query(ctx, QueryFilter{})
	if err != nil {
		return err
	}
	return verifyChain(entries)
}

func scanChainedEntry(rows *sql.Rows) (ChainedEntry, error) {
	var (
		seq                                     uint64
		eventID, ts, principalID, eventType     string
		payload, payloadHash, prevHash, entryHash string
	)
	if err := rows.Scan(&seq, &eventID, &ts, &principalID, &eventType, &payload, &payloadHash, &prevHash, &entryHash); err != nil {
		return ChainedEntry{}, err
	}
	var event gwtypes.AuditEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return ChainedEntry{}, fmt.Errorf("audit sqlite store: unmarshal payload for sequence %d: %w", seq, err)
	}
	return ChainedEntry{
		Sequence:     seq,
		Event:        event,
		PayloadHash:  payloadHash,
		PreviousHash: prevHash,
		EntryHash:    entryHash,
	}, nil
}
