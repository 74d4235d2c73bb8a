package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// ChainedEntry is the durable record written per AuditEvent, carrying
// the SHA-256 hash chain that makes the store tamper-evident: each
// entry's hash covers its payload hash and the previous entry's hash,
// so altering or removing any entry breaks every hash after it.
type ChainedEntry struct {
	Sequence     uint64
	Event        gwtypes.AuditEvent
	PayloadHash  string
	PreviousHash string
	EntryHash    string
}

const genesisHash = "genesis"

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// chain computes the next ChainedEntry for event given the current
// head hash and sequence, without touching any storage — backends
// call this under their own write lock/transaction so the computation
// stays storage-agnostic.
func chain(event gwtypes.AuditEvent, sequence uint64, previousHash string) (ChainedEntry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return ChainedEntry{}, fmt.Errorf("audit: marshal event: %w", err)
	}
	payloadHash := hashBytes(payload)

	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{
		Sequence:     sequence,
		Timestamp:    event.Timestamp,
		PayloadHash:  payloadHash,
		PreviousHash: previousHash,
	}
	hashableBytes, err := json.Marshal(hashable)
	if err != nil {
		return ChainedEntry{}, fmt.Errorf("audit: marshal chain header: %w", err)
	}

	return ChainedEntry{
		Sequence:     sequence,
		Event:        event,
		PayloadHash:  payloadHash,
		PreviousHash: previousHash,
		EntryHash:    hashBytes(hashableBytes),
	}, nil
}

// verifyChain re-derives each entry's hash from its recorded fields
// and confirms the chain of PreviousHash/EntryHash is unbroken. The
// caller supplies entries in ascending sequence order.
func verifyChain(entries []ChainedEntry) error {
	expectedPrev := genesisHash
	for i, e := range entries {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("audit: chain broken at sequence %d: previous hash %s, expected %s", e.Sequence, e.PreviousHash, expectedPrev)
		}
		recomputed, err := chain(e.Event, e.Sequence, e.PreviousHash)
		if err != nil {
			return fmt.Errorf("audit: chain broken at sequence %d: %w", e.Sequence, err)
		}
		if recomputed.EntryHash != e.EntryHash {
			return fmt.Errorf("audit: chain broken at sequence %d: entry hash mismatch", e.Sequence)
		}
		expectedPrev = e.EntryHash
		_ = i
	}
	return nil
}

// QueryFilter narrows AuditStore.Query results.
type QueryFilter struct {
	PrincipalID string
	EventType   string
	StartTime   time.Time
	EndTime     time.Time
	MaxResults  int
}

func (f QueryFilter) matches(e ChainedEntry) bool {
	if f.PrincipalID != "" && e.Event.PrincipalID != f.PrincipalID {
		return false
	}
	if f.EventType != "" && e.Event.EventType != f.EventType {
		return false
	}
	if !f.StartTime.IsZero() && e.Event.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Event.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}
