package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyPrincipalID = errors.New("audit: principal_id must not be empty")
	ErrInvalidTimeRange  = errors.New("audit: start_time must be before end_time")
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// QueryStore is the read side an Exporter needs; both SQLiteStore and
// PostgresStore satisfy it.
type QueryStore interface {
	Query(ctx context.Context, filter QueryFilter) ([]ChainedEntry, error)
}

// ExportRequest scopes an evidence pack to one principal and time
// window.
type ExportRequest struct {
	PrincipalID string
	StartTime   time.Time
	EndTime     time.Time
}

// Exporter builds evidence packs for audit review or compliance
// handoff, grounded on the audit package's GeneratePack: a zip holding
// the raw events, a manifest with the chain head and record count, and
// a human-readable README, checksummed as a whole so tampering with
// any file inside is detectable.
type Exporter struct {
	store QueryStore
}

func NewExporter(s QueryStore) *Exporter {
	return &Exporter{store: s}
}

// GeneratePack returns the zip bytes and their SHA-256 checksum.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.PrincipalID == "" {
		return nil, "", ErrEmptyPrincipalID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	filter := QueryFilter{PrincipalID: req.PrincipalID, StartTime: req.StartTime, EndTime: req.EndTime}
	entries, err := e.store.Query(ctx, filter)
	if err != nil {
		return nil, "", fmt.Errorf("audit: query for export failed: %w", err)
	}

	// The chain links every stored entry, so it is verified as a whole;
	// a principal-scoped range does not start at the genesis hash.
	stored, err := e.store.Query(ctx, QueryFilter{})
	if err != nil {
		return nil, "", fmt.Errorf("audit: chain query for export failed: %w", err)
	}
	if err := verifyChain(stored); err != nil {
		return nil, "", fmt.Errorf("audit: refusing to export a broken chain: %w", err)
	}

	eventsJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}

	var chainHead string
	if len(entries) > 0 {
		chainHead = entries[len(entries)-1].EntryHash
	} else {
		chainHead = genesisHash
	}

	manifest := map[string]any{
		"principal_id": req.PrincipalID,
		"generated_at": time.Now().UTC(),
		"event_count":  len(entries),
		"chain_head":   chainHead,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", err
	}
	if _, err := f.Write(eventsJSON); err != nil {
		return nil, "", err
	}

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	if _, err := f.Write(manifestJSON); err != nil {
		return nil, "", err
	}

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	if _, err := fmt.Fprintf(f, "Evidence pack for principal %s\nGenerated at %s\n", req.PrincipalID, time.Now().UTC()); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
