package card

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/parsabank/cardengine/cardnum"
	"github.com/parsabank/cardengine/storage"
)

// ErrNotFound is returned when no card record exists for a PAN.
var ErrNotFound = errors.New("card: record not found")

// Store seals card records with AES-256-GCM before they reach the
// repository. The record key lives in a memguard enclave and is opened
// only for the duration of a seal or open.
type Store struct {
	repo storage.Repository
	key  *memguard.Enclave
}

// NewStore wraps a repository with a sealing key. recordKey must be 32
// bytes; the caller's copy may be wiped after NewStore returns.
func NewStore(repo storage.Repository, recordKey []byte) (*Store, error) {
	if len(recordKey) != 32 {
		return nil, fmt.Errorf("card: record key must be 32 bytes, got %d", len(recordKey))
	}
	return &Store{
		repo: repo,
		key:  memguard.NewEnclave(recordKey),
	}, nil
}

func (s *Store) seal(r *Record, version uint64) (*storage.Envelope, error) {
	plaintext, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("card: marshal record: %w", err)
	}
	keyBuf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("card: open record key: %w", err)
	}
	defer keyBuf.Destroy()
	aad := storage.RecordAAD(storage.RecordTypeCard, r.CardNumber, version)
	return storage.SealRecord(keyBuf.Bytes(), plaintext, aad, version)
}

// Save persists a new card record. It fails if a record already exists
// for the PAN, so a duplicate allocation never silently overwrites.
func (s *Store) Save(r *Record) error {
	env, err := s.seal(r, 1)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(storage.RecordTypeCard, r.CardNumber, 0, env); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("card: record for %s already exists: %w", cardnum.Mask(r.CardNumber), err)
		}
		return fmt.Errorf("card: save record: %w", err)
	}
	r.Version = 1
	return nil
}

// Update persists a modified record using its loaded version for CAS; a
// concurrent writer causes storage.ErrCASFailed.
func (s *Store) Update(r *Record) error {
	next := r.Version + 1
	env, err := s.seal(r, next)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(storage.RecordTypeCard, r.CardNumber, r.Version, env); err != nil {
		return fmt.Errorf("card: update record %s: %w", cardnum.Mask(r.CardNumber), err)
	}
	r.Version = next
	return nil
}

// Load fetches and opens a card record by PAN.
func (s *Store) Load(pan string) (*Record, error) {
	env, err := s.repo.Get(storage.RecordTypeCard, pan)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("card: load record: %w", err)
	}
	keyBuf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("card: open record key: %w", err)
	}
	defer keyBuf.Destroy()
	aad := storage.RecordAAD(storage.RecordTypeCard, pan, env.Version)
	plaintext, err := storage.OpenRecord(keyBuf.Bytes(), env, aad)
	if err != nil {
		return nil, fmt.Errorf("card: unseal record %s: %w", cardnum.Mask(pan), err)
	}
	var r Record
	if err := json.Unmarshal(plaintext, &r); err != nil {
		return nil, fmt.Errorf("card: decode record: %w", err)
	}
	r.Version = env.Version
	return &r, nil
}

// List returns every stored PAN.
func (s *Store) List() ([]string, error) {
	return s.repo.List(storage.RecordTypeCard)
}
