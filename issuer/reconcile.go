package issuer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parsabank/cardengine/internal/uuid"
	"github.com/parsabank/cardengine/oplog"
	"github.com/parsabank/cardengine/storage"
)

// ReconcileEntry records an external effect that was committed before the
// issuance saga failed. There is no automatic undo for registry or switch
// calls; operations staff work these entries off by hand.
type ReconcileEntry struct {
	ID               string `json:"id"`
	Step             string `json:"step"`
	MaskedCardNumber string `json:"maskedCardNumber"`
	ReferenceID      string `json:"referenceId,omitempty"`
	Reason           string `json:"reason"`
	CreatedAt        string `json:"createdAt"`
}

func (i *Issuer) writeReconcile(step, maskedPAN, referenceID, reason string) {
	entry := ReconcileEntry{
		ID:               fmt.Sprintf("%020d-%s", time.Now().UTC().UnixNano(), uuid.New()),
		Step:             step,
		MaskedCardNumber: maskedPAN,
		ReferenceID:      referenceID,
		Reason:           reason,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(entry)
	if err == nil {
		err = i.repo.PutCAS(storage.RecordTypeReconcile, entry.ID, 0, storage.PlainRecord(data, 1))
	}
	if err != nil {
		// The oplog entry below is the fallback trail.
		i.logger.Error("persisting reconciliation entry",
			"step", step, "card", maskedPAN, "err", err)
	}
	i.log.Append(oplog.Entry{
		OperationType:    "RECONCILE",
		OperatorID:       "system",
		MaskedCardNumber: maskedPAN,
		Data:             map[string]string{"step": step, "referenceId": referenceID, "reason": reason},
		Result:           oplog.ResultPartial,
		Priority:         oplog.PriorityHigh,
	})
}

// PendingReconciliations lists recorded external effects awaiting manual
// cleanup, oldest first.
func (i *Issuer) PendingReconciliations() ([]ReconcileEntry, error) {
	ids, err := i.repo.List(storage.RecordTypeReconcile)
	if err != nil {
		return nil, fmt.Errorf("listing reconciliation entries: %w", err)
	}
	out := make([]ReconcileEntry, 0, len(ids))
	for _, id := range ids {
		env, err := i.repo.Get(storage.RecordTypeReconcile, id)
		if err != nil {
			return nil, fmt.Errorf("loading reconciliation entry %s: %w", id, err)
		}
		data, err := env.Plaintext()
		if err != nil {
			return nil, fmt.Errorf("reading reconciliation entry %s: %w", id, err)
		}
		var entry ReconcileEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("decoding reconciliation entry %s: %w", id, err)
		}
		out = append(out, entry)
	}
	return out, nil
}
