// Package oplog implements the append-only operation log. Every entry is
// linked to its predecessor through a SHA-256 hash chain, so any deletion,
// reordering, or in-place edit of a stored entry is detectable offline.
//
// Entries never contain full card numbers or key material; callers pass
// masked PANs and key labels only.
package oplog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parsabank/cardengine/internal/uuid"
	"github.com/parsabank/cardengine/storage"
)

// Priority classifies how urgently an entry should surface in review.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Result records the outcome of the logged operation.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailed  Result = "FAILED"
	ResultPartial Result = "PARTIAL"
)

// GenesisHash anchors the first entry of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single operation-log record.
type Entry struct {
	ID               string            `json:"id"`
	OperationType    string            `json:"operationType"`
	OperatorID       string            `json:"operatorId"`
	MaskedCardNumber string            `json:"maskedCardNumber,omitempty"`
	CustomerID       string            `json:"customerId,omitempty"`
	Data             map[string]string `json:"data,omitempty"`
	Result           Result            `json:"result"`
	Priority         Priority          `json:"priority"`
	CreatedAt        string            `json:"createdAt"`
	PrevHash         string            `json:"prevHash"`
}

// ChainHash computes the SHA-256 link for an entry:
// hash = SHA-256( id || prevHash || createdAt || operationType || result )
func ChainHash(id, prevHash, createdAt, operationType string, result Result) string {
	h := sha256.Sum256([]byte(id + prevHash + createdAt + operationType + string(result)))
	return hex.EncodeToString(h[:])
}

// Hash returns the chain link for this entry.
func (e *Entry) Hash() string {
	return ChainHash(e.ID, e.PrevHash, e.CreatedAt, e.OperationType, e.Result)
}

// Log appends entries to durable storage and keeps the chain head in memory.
// Safe for concurrent use; appends are serialized so each entry links to the
// one actually persisted before it.
type Log struct {
	repo   storage.Repository
	logger *slog.Logger

	mu       sync.Mutex
	tipHash  string
	tipKnown bool
}

// New opens the operation log over repo. The chain tip is recovered lazily
// on first append.
func New(repo storage.Repository, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		repo:   repo,
		logger: logger.With("component", "oplog"),
	}
}

// recordID builds a lexicographically sortable ID: nanosecond timestamp,
// zero-padded, with a UUID suffix to break ties.
func recordID(ts time.Time) string {
	return fmt.Sprintf("%020d-%s", ts.UnixNano(), uuid.New())
}

// Append persists a new entry linked to the current chain tip and returns
// the stored entry. The Timestamp, ID, and PrevHash fields of the input are
// ignored; they are assigned here.
func (l *Log) Append(e Entry) (Entry, error) {
	if e.OperationType == "" {
		return Entry{}, fmt.Errorf("oplog: operation type required")
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if e.Result == "" {
		e.Result = ResultSuccess
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.tipKnown {
		tip, err := l.loadTip()
		if err != nil {
			return Entry{}, fmt.Errorf("oplog: recover chain tip: %w", err)
		}
		l.tipHash = tip
		l.tipKnown = true
	}

	now := time.Now().UTC()
	e.ID = recordID(now)
	e.CreatedAt = now.Format(time.RFC3339Nano)
	e.PrevHash = l.tipHash

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("oplog: marshal entry: %w", err)
	}
	env := storage.PlainRecord(data, 1)
	// expectedVersion 0: the timestamped ID must be fresh.
	if err := l.repo.PutCAS(storage.RecordTypeOpLog, e.ID, 0, env); err != nil {
		return Entry{}, fmt.Errorf("oplog: persist entry: %w", err)
	}
	l.tipHash = e.Hash()

	l.logger.LogAttrs(context.Background(), levelFor(e.Priority), "operation",
		slog.String("op", e.OperationType),
		slog.String("operator", e.OperatorID),
		slog.String("card", e.MaskedCardNumber),
		slog.String("result", string(e.Result)),
		slog.String("priority", string(e.Priority)),
	)
	return e, nil
}

func levelFor(p Priority) slog.Level {
	switch p {
	case PriorityCritical:
		return slog.LevelError
	case PriorityHigh:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// loadTip reads the last persisted entry and returns its hash, or the
// genesis hash when the log is empty. Callers hold l.mu.
func (l *Log) loadTip() (string, error) {
	ids, err := l.repo.List(storage.RecordTypeOpLog)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return GenesisHash, nil
	}
	last, err := l.get(ids[len(ids)-1])
	if err != nil {
		return "", err
	}
	return last.Hash(), nil
}

func (l *Log) get(id string) (Entry, error) {
	env, err := l.repo.Get(storage.RecordTypeOpLog, id)
	if err != nil {
		return Entry{}, err
	}
	data, err := env.Plaintext()
	if err != nil {
		return Entry{}, fmt.Errorf("oplog: entry %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("oplog: decode entry %s: %w", id, err)
	}
	return e, nil
}

// Filter narrows a Query. Zero-valued fields match everything.
type Filter struct {
	MaskedCardNumber string
	CustomerID       string
	OperationType    string
	Priority         Priority
	From             time.Time
	To               time.Time
	Limit            int
}

func (f Filter) matches(e Entry) bool {
	if f.MaskedCardNumber != "" && e.MaskedCardNumber != f.MaskedCardNumber {
		return false
	}
	if f.CustomerID != "" && e.CustomerID != f.CustomerID {
		return false
	}
	if f.OperationType != "" && e.OperationType != f.OperationType {
		return false
	}
	if f.Priority != "" && e.Priority != f.Priority {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		ts, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
		if err != nil {
			return false
		}
		if !f.From.IsZero() && ts.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && ts.After(f.To) {
			return false
		}
	}
	return true
}

// Query returns entries matching the filter, newest first. Record IDs sort
// chronologically, so the repository listing order is the chain order.
func (l *Log) Query(f Filter) ([]Entry, error) {
	ids, err := l.repo.List(storage.RecordTypeOpLog)
	if err != nil {
		return nil, fmt.Errorf("oplog: list entries: %w", err)
	}
	out := make([]Entry, 0, 32)
	for i := len(ids) - 1; i >= 0; i-- {
		e, err := l.get(ids[i])
		if err != nil {
			return nil, err
		}
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
