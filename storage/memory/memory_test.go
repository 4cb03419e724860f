package memory

import (
	"errors"
	"testing"

	"github.com/parsabank/cardengine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(data string, version uint64) *storage.Envelope {
	return storage.PlainRecord([]byte(data), version)
}

func TestPutGet(t *testing.T) {
	r := NewRepository()

	require.NoError(t, r.Put(storage.RecordTypeCard, "6037990000000014", env("a", 1)))

	got, err := r.Get(storage.RecordTypeCard, "6037990000000014")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.Ciphertext)

	_, err = r.Get(storage.RecordTypeCard, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = r.Get(storage.RecordTypeOpLog, "6037990000000014")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRepository()
	require.NoError(t, r.Put(storage.RecordTypeCard, "id", env("abc", 1)))

	got, err := r.Get(storage.RecordTypeCard, "id")
	require.NoError(t, err)
	got.Ciphertext[0] = 'X'

	again, err := r.Get(storage.RecordTypeCard, "id")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Ciphertext)
}

func TestList(t *testing.T) {
	r := NewRepository()
	require.NoError(t, r.Put(storage.RecordTypeOpLog, "1", env("a", 1)))
	require.NoError(t, r.Put(storage.RecordTypeOpLog, "2", env("b", 1)))
	require.NoError(t, r.Put(storage.RecordTypeCard, "3", env("c", 1)))

	ids, err := r.List(storage.RecordTypeOpLog)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, ids)
}

func TestPutCAS(t *testing.T) {
	r := NewRepository()

	// Version 0 means create-only.
	require.NoError(t, r.PutCAS(storage.RecordTypeCard, "id", 0, env("a", 1)))
	assert.ErrorIs(t, r.PutCAS(storage.RecordTypeCard, "id", 0, env("b", 1)), storage.ErrCASFailed)

	require.NoError(t, r.PutCAS(storage.RecordTypeCard, "id", 1, env("b", 2)))
	assert.ErrorIs(t, r.PutCAS(storage.RecordTypeCard, "id", 1, env("c", 3)), storage.ErrCASFailed)
}

func TestBatch_RollbackOnError(t *testing.T) {
	r := NewRepository()
	require.NoError(t, r.Put(storage.RecordTypeCard, "keep", env("orig", 1)))

	boom := errors.New("boom")
	err := r.Batch(func(tx storage.BatchTx) error {
		if err := tx.Put(storage.RecordTypeCard, "keep", env("changed", 2)); err != nil {
			return err
		}
		if err := tx.Put(storage.RecordTypeCard, "new", env("x", 1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := r.Get(storage.RecordTypeCard, "keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), got.Ciphertext)

	_, err = r.Get(storage.RecordTypeCard, "new")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBatch_CommitsOnSuccess(t *testing.T) {
	r := NewRepository()
	err := r.Batch(func(tx storage.BatchTx) error {
		return tx.Put(storage.RecordTypeCard, "id", env("a", 1))
	})
	require.NoError(t, err)

	got, err := r.Get(storage.RecordTypeCard, "id")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.Ciphertext)
}
