package storage

import (
	"testing"

	"github.com/parsabank/cardengine/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRecord(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)

	aad := RecordAAD(RecordTypeCard, "6037990000000014", 1)
	env, err := SealRecord(key, []byte(`{"status":"ISSUED"}`), aad, 1)
	require.NoError(t, err)
	assert.Equal(t, "aes256gcm", env.Scheme)
	assert.Equal(t, uint64(1), env.Version)

	plain, err := OpenRecord(key, env, aad)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ISSUED"}`, string(plain))
}

func TestOpenRecord_WrongAAD(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)

	env, err := SealRecord(key, []byte("data"), RecordAAD(RecordTypeCard, "a", 1))
	require.NoError(t, err)

	_, err = OpenRecord(key, env, RecordAAD(RecordTypeCard, "b", 1))
	assert.Error(t, err)
}

func TestPlainRecord(t *testing.T) {
	env := PlainRecord([]byte(`{"op":"CARD_ISSUED"}`), 3)
	assert.Equal(t, "plain-json", env.Scheme)
	assert.Equal(t, uint64(3), env.Version)

	data, err := env.Plaintext()
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"CARD_ISSUED"}`, string(data))

	sealedKey, err := util.NewAESKey()
	require.NoError(t, err)
	sealed, err := SealRecord(sealedKey, []byte("x"), nil)
	require.NoError(t, err)
	_, err = sealed.Plaintext()
	assert.Error(t, err)
}
