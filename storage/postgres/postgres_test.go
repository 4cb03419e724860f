package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/parsabank/cardengine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to the database named by CARDENGINE_TEST_POSTGRES_DSN,
// or skips the test when unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CARDENGINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CARDENGINE_TEST_POSTGRES_DSN not set")
	}
	s, err := NewRepositoryFromDSN(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(storage.RecordTypeCard, "pg-test-pan", storage.PlainRecord([]byte("a"), 1)))

	got, err := s.Get(storage.RecordTypeCard, "pg-test-pan")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.Ciphertext)

	_, err = s.Get(storage.RecordTypeCard, "pg-test-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutCAS(t *testing.T) {
	s := newTestStore(t)

	id := "pg-test-cas"
	require.NoError(t, s.Put(storage.RecordTypeCard, id, storage.PlainRecord([]byte("a"), 1)))
	assert.ErrorIs(t, s.PutCAS(storage.RecordTypeCard, id, 0, storage.PlainRecord([]byte("b"), 1)), storage.ErrCASFailed)
	require.NoError(t, s.PutCAS(storage.RecordTypeCard, id, 1, storage.PlainRecord([]byte("b"), 2)))
}

func TestBatch_Rollback(t *testing.T) {
	s := newTestStore(t)

	id := "pg-test-batch"
	require.NoError(t, s.Put(storage.RecordTypeCard, id, storage.PlainRecord([]byte("orig"), 1)))

	err := s.Batch(func(tx storage.BatchTx) error {
		if err := tx.Put(storage.RecordTypeCard, id, storage.PlainRecord([]byte("changed"), 2)); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	got, err := s.Get(storage.RecordTypeCard, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), got.Ciphertext)
}
