package bbolt

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/parsabank/cardengine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "cards.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetList(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(storage.RecordTypeCard, "pan-1", storage.PlainRecord([]byte("a"), 1)))
	require.NoError(t, s.Put(storage.RecordTypeCard, "pan-2", storage.PlainRecord([]byte("b"), 1)))
	require.NoError(t, s.Put(storage.RecordTypeOpLog, "op-1", storage.PlainRecord([]byte("c"), 1)))

	got, err := s.Get(storage.RecordTypeCard, "pan-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.Ciphertext)

	ids, err := s.List(storage.RecordTypeCard)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pan-1", "pan-2"}, ids)

	_, err = s.Get(storage.RecordTypeCard, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ids, err = s.List(storage.RecordTypeCeremony)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPutCAS(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutCAS(storage.RecordTypeCard, "id", 0, storage.PlainRecord([]byte("a"), 1)))
	assert.ErrorIs(t, s.PutCAS(storage.RecordTypeCard, "id", 0, storage.PlainRecord([]byte("b"), 1)), storage.ErrCASFailed)
	require.NoError(t, s.PutCAS(storage.RecordTypeCard, "id", 1, storage.PlainRecord([]byte("b"), 2)))
	assert.ErrorIs(t, s.PutCAS(storage.RecordTypeCard, "id", 1, storage.PlainRecord([]byte("c"), 3)), storage.ErrCASFailed)
}

func TestBatch_AtomicRollback(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(storage.RecordTypeCard, "keep", storage.PlainRecord([]byte("orig"), 1)))

	boom := errors.New("boom")
	err := s.Batch(func(tx storage.BatchTx) error {
		if err := tx.Put(storage.RecordTypeCard, "keep", storage.PlainRecord([]byte("changed"), 2)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Get(storage.RecordTypeCard, "keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), got.Ciphertext)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cards.db")

	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(storage.RecordTypeCard, "pan", storage.PlainRecord([]byte("v"), 1)))
	require.NoError(t, s.Close())

	s2, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(storage.RecordTypeCard, "pan")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Ciphertext)
}
