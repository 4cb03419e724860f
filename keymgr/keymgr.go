// Package keymgr manages the zone and DUKPT key hierarchy: the ZMK, ZPK,
// and ZDK zone keys and the BDK/IPEK pair with its key serial number. All
// key material lives inside the HSM; the manager holds opaque handles only
// and persists labels so a restart can re-resolve them.
package keymgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parsabank/cardengine/hsm"
	"github.com/parsabank/cardengine/oplog"
	"github.com/parsabank/cardengine/storage"
)

// Zone and DUKPT key types.
const (
	KeyTypeZMK  = "ZMK"
	KeyTypeZPK  = "ZPK"
	KeyTypeZDK  = "ZDK"
	KeyTypeBDK  = "BDK"
	KeyTypeIPEK = "IPEK"
)

// SessionKeyTTL is how long a derived DUKPT session key may be used.
const SessionKeyTTL = 24 * time.Hour

var (
	// ErrNotInitialized is returned when the manager is used before
	// Initialize succeeded.
	ErrNotInitialized = errors.New("keymgr: not initialized")
	// ErrSessionKeyExpired is returned when a session key reference is
	// used past its expiry.
	ErrSessionKeyExpired = errors.New("keymgr: session key expired")
)

// Config names the stored keys the manager loads on startup.
type Config struct {
	ZMKLabel  string
	ZPKLabel  string
	ZDKLabel  string
	BDKLabel  string
	IPEKLabel string
}

func (c *Config) applyDefaults() {
	if c.ZMKLabel == "" {
		c.ZMKLabel = "ZMK_MASTER"
	}
	if c.ZPKLabel == "" {
		c.ZPKLabel = "ZPK_DEFAULT"
	}
	if c.ZDKLabel == "" {
		c.ZDKLabel = "ZDK_DEFAULT"
	}
	if c.BDKLabel == "" {
		c.BDKLabel = "BDK_MASTER"
	}
	if c.IPEKLabel == "" {
		c.IPEKLabel = "IPEK_DEFAULT"
	}
}

// SessionKey is a derived DUKPT session key reference with its expiry.
// Holders must discard it once Expired reports true.
type SessionKey struct {
	KeyRef    string    `json:"keyRef"`
	KSN       string    `json:"ksn"`
	KeyType   string    `json:"keyType"`
	DerivedAt time.Time `json:"derivedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session key is past its lifetime.
func (k *SessionKey) Expired() bool {
	return time.Now().After(k.ExpiresAt)
}

// KeyStatus reports a single key slot for the status report.
type KeyStatus struct {
	Label     string `json:"label"`
	Handle    string `json:"handle"`
	Type      string `json:"type"`
	Algorithm string `json:"algorithm,omitempty"`
	Loaded    bool   `json:"loaded"`
	LoadedAt  string `json:"loadedAt,omitempty"`
}

// StatusReport is the full key hierarchy status.
type StatusReport struct {
	ZoneKeys    map[string]KeyStatus `json:"zoneKeys"`
	DUKPTKeys   map[string]KeyStatus `json:"dukptKeys"`
	CurrentKSN  string               `json:"currentKsn"`
	Initialized bool                 `json:"initialized"`
	ReportedAt  string               `json:"reportedAt"`
}

// Manager owns the zone/DUKPT key hierarchy. Safe for concurrent use.
type Manager struct {
	hsm    *hsm.Client
	repo   storage.Repository
	log    *oplog.Log
	logger *slog.Logger
	cfg    Config

	mu          sync.RWMutex
	keys        map[string]*hsm.KeyHandle
	loadedAt    map[string]time.Time
	ksn         *KSNGenerator
	lastKSN     string
	initialized bool
}

// NewManager builds a manager over an open HSM client.
func NewManager(client *hsm.Client, repo storage.Repository, log *oplog.Log, cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hsm:      client,
		repo:     repo,
		log:      log,
		logger:   logger.With("component", "keymgr"),
		cfg:      cfg,
		keys:     make(map[string]*hsm.KeyHandle),
		loadedAt: make(map[string]time.Time),
	}
}

// Initialize loads all five zone/DUKPT key handles from the HSM by label.
// Failure to load any key is fatal: the manager stays uninitialized.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	labels := []struct {
		keyType string
		label   string
	}{
		{KeyTypeZMK, m.cfg.ZMKLabel},
		{KeyTypeZPK, m.cfg.ZPKLabel},
		{KeyTypeZDK, m.cfg.ZDKLabel},
		{KeyTypeBDK, m.cfg.BDKLabel},
		{KeyTypeIPEK, m.cfg.IPEKLabel},
	}

	loaded := make(map[string]*hsm.KeyHandle, len(labels))
	now := time.Now().UTC()
	for _, l := range labels {
		handle, err := m.hsm.LoadKey(ctx, l.label, l.keyType)
		if err != nil {
			return fmt.Errorf("keymgr: load %s (%s): %w", l.keyType, l.label, err)
		}
		loaded[l.keyType] = handle
	}

	ksnGen, err := NewKSNGenerator()
	if err != nil {
		return err
	}

	// All loads succeeded; commit.
	for keyType, handle := range loaded {
		m.keys[keyType] = handle
		m.loadedAt[keyType] = now
		if err := m.persistHandleLocked(handle); err != nil {
			return err
		}
	}
	m.ksn = ksnGen
	m.initialized = true
	m.logger.Info("key hierarchy initialized",
		"zmk", m.cfg.ZMKLabel, "zpk", m.cfg.ZPKLabel, "zdk", m.cfg.ZDKLabel,
		"bdk", m.cfg.BDKLabel, "ipek", m.cfg.IPEKLabel)
	return nil
}

// persistHandleLocked stores handle metadata (never material) so operators
// can audit which labels are active. Callers hold m.mu.
func (m *Manager) persistHandleLocked(handle *hsm.KeyHandle) error {
	data, err := json.Marshal(handle)
	if err != nil {
		return fmt.Errorf("keymgr: marshal key handle: %w", err)
	}
	if err := m.repo.Put(storage.RecordTypeKeyHandle, handle.Type, storage.PlainRecord(data, 1)); err != nil {
		return fmt.Errorf("keymgr: persist key handle %s: %w", handle.Type, err)
	}
	return nil
}

// ZPKLabel returns the label of the active zone PIN key.
func (m *Manager) ZPKLabel() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return "", ErrNotInitialized
	}
	return m.keys[KeyTypeZPK].Label, nil
}

// NextKSN advances and returns the key serial number.
func (m *Manager) NextKSN() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return "", ErrNotInitialized
	}
	m.lastKSN = m.ksn.Next()
	return m.lastKSN, nil
}

// DeriveSessionKey requests HSM-side DUKPT derivation for the given KSN.
// The returned reference expires after SessionKeyTTL; callers must not
// retain it past expiry.
func (m *Manager) DeriveSessionKey(ctx context.Context, ksn, keyType string) (*SessionKey, error) {
	if !ValidKSN(ksn) {
		return nil, fmt.Errorf("keymgr: malformed KSN %q", ksn)
	}
	m.mu.RLock()
	if !m.initialized {
		m.mu.RUnlock()
		return nil, ErrNotInitialized
	}
	bdk := m.keys[KeyTypeBDK].Handle
	ipek := m.keys[KeyTypeIPEK].Handle
	m.mu.RUnlock()

	ref, err := m.hsm.DeriveSessionKey(ctx, bdk, ipek, ksn, keyType)
	if err != nil {
		return nil, fmt.Errorf("keymgr: derive session key: %w", err)
	}
	now := time.Now().UTC()
	return &SessionKey{
		KeyRef:    ref.KeyRef,
		KSN:       ksn,
		KeyType:   keyType,
		DerivedAt: now,
		ExpiresAt: now.Add(SessionKeyTTL),
	}, nil
}

// RotateZoneKeys generates fresh ZMK/ZPK/ZDK keys, re-wraps the active
// zone keys under the new ZMK, and atomically swaps the active handles.
// Any failure before the swap aborts the rotation: the previously active
// keys remain authoritative and no partial rotation is observable.
func (m *Manager) RotateZoneKeys(ctx context.Context, operatorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}

	oldLabels := map[string]string{
		KeyTypeZMK: m.keys[KeyTypeZMK].Label,
		KeyTypeZPK: m.keys[KeyTypeZPK].Label,
		KeyTypeZDK: m.keys[KeyTypeZDK].Label,
	}

	fresh := make(map[string]*hsm.KeyHandle, 3)
	for _, keyType := range []string{KeyTypeZMK, KeyTypeZPK, KeyTypeZDK} {
		handle, err := m.hsm.GenerateZoneKey(ctx, keyType)
		if err != nil {
			m.logRotation(operatorID, oldLabels, nil, oplog.ResultFailed)
			return fmt.Errorf("keymgr: generate new %s: %w", keyType, err)
		}
		fresh[keyType] = handle
	}

	// Re-wrap every active dependent under the new ZMK before any swap.
	for _, keyType := range []string{KeyTypeZMK, KeyTypeZPK, KeyTypeZDK} {
		if err := m.hsm.TransferKey(ctx, m.keys[keyType].Handle, fresh[KeyTypeZMK].Handle); err != nil {
			m.logRotation(operatorID, oldLabels, nil, oplog.ResultFailed)
			return fmt.Errorf("keymgr: re-wrap %s under new ZMK: %w", keyType, err)
		}
	}

	// Swap.
	now := time.Now().UTC()
	newLabels := make(map[string]string, 3)
	for keyType, handle := range fresh {
		m.keys[keyType] = handle
		m.loadedAt[keyType] = now
		newLabels[keyType] = handle.Label
		if err := m.persistHandleLocked(handle); err != nil {
			return err
		}
	}

	m.logger.Warn("zone keys rotated", "operator", operatorID,
		"zmk", newLabels[KeyTypeZMK], "zpk", newLabels[KeyTypeZPK], "zdk", newLabels[KeyTypeZDK])
	m.logRotation(operatorID, oldLabels, newLabels, oplog.ResultSuccess)
	return nil
}

func (m *Manager) logRotation(operatorID string, oldLabels, newLabels map[string]string, result oplog.Result) {
	if m.log == nil {
		return
	}
	data := map[string]string{"rotationType": "ZONE_KEYS"}
	for keyType, label := range oldLabels {
		data["old"+keyType] = label
	}
	for keyType, label := range newLabels {
		data["new"+keyType] = label
	}
	if _, err := m.log.Append(oplog.Entry{
		OperationType: "KEY_ROTATION",
		OperatorID:    operatorID,
		Data:          data,
		Result:        result,
		Priority:      oplog.PriorityCritical,
	}); err != nil {
		m.logger.Error("failed to record key rotation", "error", err)
	}
}

// Status reports all key slots without exposing material.
func (m *Manager) Status() StatusReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := StatusReport{
		ZoneKeys:    make(map[string]KeyStatus, 3),
		DUKPTKeys:   make(map[string]KeyStatus, 2),
		CurrentKSN:  m.lastKSN,
		Initialized: m.initialized,
		ReportedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	for _, keyType := range []string{KeyTypeZMK, KeyTypeZPK, KeyTypeZDK} {
		report.ZoneKeys[keyType] = m.statusFor(keyType)
	}
	for _, keyType := range []string{KeyTypeBDK, KeyTypeIPEK} {
		report.DUKPTKeys[keyType] = m.statusFor(keyType)
	}
	return report
}

func (m *Manager) statusFor(keyType string) KeyStatus {
	handle, ok := m.keys[keyType]
	if !ok {
		return KeyStatus{Type: keyType, Loaded: false}
	}
	return KeyStatus{
		Label:     handle.Label,
		Handle:    handle.Handle,
		Type:      keyType,
		Algorithm: handle.Algorithm,
		Loaded:    true,
		LoadedAt:  m.loadedAt[keyType].Format(time.RFC3339),
	}
}

// Close drops all handles and returns the manager to its uninitialized
// state. The HSM session itself is owned by the caller.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = make(map[string]*hsm.KeyHandle)
	m.loadedAt = make(map[string]time.Time)
	m.ksn = nil
	m.lastKSN = ""
	m.initialized = false
	m.logger.Info("key hierarchy closed")
}
