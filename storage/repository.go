// Package storage provides the persistence abstraction for card records,
// key-handle metadata, and the operation log. Backends store opaque
// Envelopes; domain packages decide what is sealed and what is plain.
package storage

import "errors"

// Record types partition the key space. Card records are keyed by PAN,
// operation-log records by a sortable timestamped ID, key handles by label.
const (
	RecordTypeCard      = "CARD"
	RecordTypeOpLog     = "OPLOG"
	RecordTypeKeyHandle = "KEYHANDLE"
	RecordTypeCeremony  = "CEREMONY"
	RecordTypeReconcile = "RECONCILE"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides writes within an atomic transaction.
type BatchTx interface {
	Put(recordType string, recordID string, envelope *Envelope) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
}

// Repository defines durable record storage. Implementations must be safe
// for concurrent use.
type Repository interface {
	Put(recordType string, recordID string, envelope *Envelope) error
	Get(recordType string, recordID string) (*Envelope, error)
	// List returns all record IDs of a type in ascending lexicographic
	// order. Timestamp-prefixed IDs therefore list chronologically.
	List(recordType string) ([]string, error)
	// PutCAS writes only if the stored envelope's version matches
	// expectedVersion (0 means the record must not exist yet).
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	// Batch executes fn atomically; on error no write is visible.
	Batch(fn func(tx BatchTx) error) error
}
