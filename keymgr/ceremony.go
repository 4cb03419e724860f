package keymgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/parsabank/cardengine/hsm"
	"github.com/parsabank/cardengine/internal/uuid"
	"github.com/parsabank/cardengine/oplog"
	"github.com/parsabank/cardengine/storage"
)

// CeremonyType selects which keys a ceremony rotates.
type CeremonyType string

const (
	CeremonyZMKRotation  CeremonyType = "ZMK_ROTATION"
	CeremonyZPKRotation  CeremonyType = "ZPK_ROTATION"
	CeremonyFullRotation CeremonyType = "FULL_ROTATION"
)

// CeremonyState is a stage of the key ceremony state machine.
type CeremonyState string

const (
	CeremonyInitiated            CeremonyState = "Initiated"
	CeremonyParticipantsVerified CeremonyState = "ParticipantsVerified"
	CeremonyKeysGenerated        CeremonyState = "KeysGenerated"
	CeremonyDistributed          CeremonyState = "Distributed"
	CeremonyConfirmationPending  CeremonyState = "ConfirmationPending"
	CeremonyCommitted            CeremonyState = "Committed"
	CeremonyAborted              CeremonyState = "Aborted"
)

// Participant roles. Only key holders and admins receive shares and
// confirm; observers witness without confirming.
const (
	RoleKeyHolder = "KEY_HOLDER"
	RoleAdmin     = "ADMIN"
	RoleObserver  = "OBSERVER"
)

// Participant is one person present at a key ceremony.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

func (p Participant) eligible() bool {
	return p.Role == RoleKeyHolder || p.Role == RoleAdmin
}

// Share records that one participant holds one share of a ceremony key.
// Only the share ID is known outside the HSM.
type Share struct {
	ShareID       string `json:"shareId"`
	KeyType       string `json:"keyType"`
	ParticipantID string `json:"participantId"`
	Role          string `json:"role"`
}

// CeremonyAbortedError reports a ceremony that ended without activating
// its keys.
type CeremonyAbortedError struct {
	CeremonyID string
	Reason     string
}

func (e *CeremonyAbortedError) Error() string {
	return fmt.Sprintf("keymgr: ceremony %s aborted: %s", e.CeremonyID, e.Reason)
}

// Ceremony is a multi-party key rotation in progress. Confirmations arrive
// asynchronously via Confirm/Decline; AwaitConfirmations blocks until the
// full quorum confirms, someone declines, or the wait times out.
type Ceremony struct {
	ID   string
	Type CeremonyType

	mgr *Manager

	mu           sync.Mutex
	state        CeremonyState
	participants []Participant
	newKeys      map[string]*hsm.KeyHandle
	shares       []Share
	confirmed    map[string]bool
	abortReason  string
	startedAt    time.Time

	allConfirmed chan struct{}
	abortCh      chan struct{}
}

// State returns the ceremony's current state.
func (c *Ceremony) State() CeremonyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Shares lists the distributed shares.
func (c *Ceremony) Shares() []Share {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Share, len(c.shares))
	copy(out, c.shares)
	return out
}

func (t CeremonyType) keyTypes() ([]string, error) {
	switch t {
	case CeremonyZMKRotation:
		return []string{KeyTypeZMK}, nil
	case CeremonyZPKRotation:
		return []string{KeyTypeZPK}, nil
	case CeremonyFullRotation:
		return []string{KeyTypeZMK, KeyTypeZPK, KeyTypeZDK}, nil
	default:
		return nil, fmt.Errorf("keymgr: unknown ceremony type %q", t)
	}
}

// BeginCeremony starts a key ceremony and drives it to
// ConfirmationPending: participants are verified, keys generated, and
// shares distributed. Any failure on the way aborts the ceremony and no
// new key is ever active.
func (m *Manager) BeginCeremony(ctx context.Context, ceremonyType CeremonyType, participants []Participant) (*Ceremony, error) {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return nil, ErrNotInitialized
	}

	keyTypes, err := ceremonyType.keyTypes()
	if err != nil {
		return nil, err
	}

	c := &Ceremony{
		ID:           uuid.New(),
		Type:         ceremonyType,
		mgr:          m,
		state:        CeremonyInitiated,
		participants: participants,
		newKeys:      make(map[string]*hsm.KeyHandle, len(keyTypes)),
		confirmed:    make(map[string]bool),
		startedAt:    time.Now().UTC(),
		allConfirmed: make(chan struct{}),
		abortCh:      make(chan struct{}),
	}
	c.persist()

	// Every participant needs an identity; at least one must be eligible
	// to hold a share.
	eligible := 0
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p.ID == "" || p.Name == "" || p.Role == "" {
			return nil, c.abort("participant with missing id, name, or role")
		}
		if seen[p.ID] {
			return nil, c.abort(fmt.Sprintf("duplicate participant %s", p.ID))
		}
		seen[p.ID] = true
		if p.eligible() {
			eligible++
		}
	}
	if eligible == 0 {
		return nil, c.abort("no participant with role KEY_HOLDER or ADMIN")
	}
	c.transition(CeremonyParticipantsVerified)

	for _, keyType := range keyTypes {
		handle, err := m.hsm.GenerateZoneKey(ctx, keyType)
		if err != nil {
			return nil, c.abort(fmt.Sprintf("generate %s: %v", keyType, err))
		}
		c.newKeys[keyType] = handle
	}
	c.transition(CeremonyKeysGenerated)

	for _, keyType := range keyTypes {
		for _, p := range participants {
			if !p.eligible() {
				continue
			}
			shareID, err := m.hsm.CreateKeyShare(ctx, c.newKeys[keyType].Handle, p.ID, p.Role)
			if err != nil {
				return nil, c.abort(fmt.Sprintf("distribute %s share to %s: %v", keyType, p.ID, err))
			}
			c.shares = append(c.shares, Share{
				ShareID:       shareID,
				KeyType:       keyType,
				ParticipantID: p.ID,
				Role:          p.Role,
			})
		}
	}
	c.transition(CeremonyDistributed)
	c.transition(CeremonyConfirmationPending)

	m.logger.Info("key ceremony awaiting confirmations",
		"ceremony_id", c.ID, "type", string(ceremonyType), "eligible", eligible)
	return c, nil
}

// Confirm records one participant's confirmation. Only eligible
// participants confirm; when the last one does, AwaitConfirmations
// proceeds to commit.
func (c *Ceremony) Confirm(participantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CeremonyConfirmationPending {
		return fmt.Errorf("keymgr: ceremony %s is %s, not awaiting confirmations", c.ID, c.state)
	}
	p, ok := c.findParticipant(participantID)
	if !ok {
		return fmt.Errorf("keymgr: unknown participant %s", participantID)
	}
	if !p.eligible() {
		return fmt.Errorf("keymgr: participant %s (%s) does not confirm ceremonies", participantID, p.Role)
	}
	if c.confirmed[participantID] {
		return nil
	}
	c.confirmed[participantID] = true
	if c.allEligibleConfirmedLocked() {
		close(c.allConfirmed)
	}
	return nil
}

// Decline aborts the ceremony on behalf of a participant. The new keys
// are never activated.
func (c *Ceremony) Decline(participantID, reason string) error {
	c.mu.Lock()
	if c.state != CeremonyConfirmationPending {
		c.mu.Unlock()
		return fmt.Errorf("keymgr: ceremony %s is %s, not awaiting confirmations", c.ID, c.state)
	}
	if _, ok := c.findParticipant(participantID); !ok {
		c.mu.Unlock()
		return fmt.Errorf("keymgr: unknown participant %s", participantID)
	}
	c.mu.Unlock()
	c.abort(fmt.Sprintf("declined by %s: %s", participantID, reason))
	return nil
}

// AwaitConfirmations blocks until every eligible participant has
// confirmed, then activates and swaps in the new keys. If the wait times
// out, the context ends, or any participant declines, the ceremony
// transitions to Aborted and a CeremonyAbortedError is returned — the new
// keys are never observable as active.
func (c *Ceremony) AwaitConfirmations(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.allConfirmed:
		return c.commit(ctx)
	case <-c.abortCh:
		return c.abortedError()
	case <-timer.C:
		return c.abort("confirmation wait timed out")
	case <-ctx.Done():
		return c.abort(fmt.Sprintf("confirmation wait cancelled: %v", ctx.Err()))
	}
}

func (c *Ceremony) findParticipant(id string) (Participant, bool) {
	for _, p := range c.participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

func (c *Ceremony) allEligibleConfirmedLocked() bool {
	for _, p := range c.participants {
		if p.eligible() && !c.confirmed[p.ID] {
			return false
		}
	}
	return true
}

// commit activates every ceremony key and swaps the manager's active
// handles under the manager lock, so no intermediate key set is visible.
func (c *Ceremony) commit(ctx context.Context) error {
	m := c.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	c.mu.Lock()
	if c.state != CeremonyConfirmationPending {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("keymgr: ceremony %s is %s, cannot commit", c.ID, state)
	}
	newKeys := c.newKeys
	c.mu.Unlock()

	for keyType, handle := range newKeys {
		if err := m.hsm.ActivateKey(ctx, handle.Handle, keyType); err != nil {
			return c.abort(fmt.Sprintf("activate %s: %v", keyType, err))
		}
	}

	now := time.Now().UTC()
	labels := make(map[string]string, len(newKeys))
	for keyType, handle := range newKeys {
		m.keys[keyType] = handle
		m.loadedAt[keyType] = now
		labels["new"+keyType] = handle.Label
		if err := m.persistHandleLocked(handle); err != nil {
			return err
		}
	}

	c.transition(CeremonyCommitted)
	m.logger.Warn("key ceremony committed", "ceremony_id", c.ID, "type", string(c.Type))
	if m.log != nil {
		labels["ceremonyId"] = c.ID
		labels["ceremonyType"] = string(c.Type)
		if _, err := m.log.Append(oplog.Entry{
			OperationType: "KEY_CEREMONY",
			OperatorID:    "ceremony:" + c.ID,
			Data:          labels,
			Result:        oplog.ResultSuccess,
			Priority:      oplog.PriorityCritical,
		}); err != nil {
			m.logger.Error("failed to record ceremony", "error", err)
		}
	}
	return nil
}

// abort moves the ceremony to Aborted (idempotent) and returns the typed
// error.
func (c *Ceremony) abort(reason string) error {
	c.mu.Lock()
	if c.state == CeremonyAborted {
		c.mu.Unlock()
		return c.abortedError()
	}
	c.state = CeremonyAborted
	c.abortReason = reason
	close(c.abortCh)
	c.mu.Unlock()

	c.persist()
	c.mgr.logger.Warn("key ceremony aborted", "ceremony_id", c.ID, "reason", reason)
	if c.mgr.log != nil {
		if _, err := c.mgr.log.Append(oplog.Entry{
			OperationType: "KEY_CEREMONY",
			OperatorID:    "ceremony:" + c.ID,
			Data:          map[string]string{"ceremonyId": c.ID, "ceremonyType": string(c.Type), "reason": reason},
			Result:        oplog.ResultFailed,
			Priority:      oplog.PriorityHigh,
		}); err != nil {
			c.mgr.logger.Error("failed to record ceremony abort", "error", err)
		}
	}
	return c.abortedError()
}

func (c *Ceremony) abortedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &CeremonyAbortedError{CeremonyID: c.ID, Reason: c.abortReason}
}

func (c *Ceremony) transition(next CeremonyState) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	c.persist()
}

// ceremonyRecord is the archived form of a ceremony. Share IDs and labels
// only; no key material.
type ceremonyRecord struct {
	ID           string        `json:"id"`
	Type         CeremonyType  `json:"type"`
	State        CeremonyState `json:"state"`
	Participants []Participant `json:"participants"`
	Shares       []Share       `json:"shares,omitempty"`
	NewKeyLabels []string      `json:"newKeyLabels,omitempty"`
	AbortReason  string        `json:"abortReason,omitempty"`
	StartedAt    string        `json:"startedAt"`
	UpdatedAt    string        `json:"updatedAt"`
}

func (c *Ceremony) persist() {
	c.mu.Lock()
	rec := ceremonyRecord{
		ID:           c.ID,
		Type:         c.Type,
		State:        c.state,
		Participants: c.participants,
		Shares:       c.shares,
		AbortReason:  c.abortReason,
		StartedAt:    c.startedAt.Format(time.RFC3339),
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	for _, handle := range c.newKeys {
		rec.NewKeyLabels = append(rec.NewKeyLabels, handle.Label)
	}
	c.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		c.mgr.logger.Error("failed to marshal ceremony record", "error", err)
		return
	}
	if err := c.mgr.repo.Put(storage.RecordTypeCeremony, rec.ID, storage.PlainRecord(data, 1)); err != nil {
		c.mgr.logger.Error("failed to persist ceremony record", "error", err)
	}
}
