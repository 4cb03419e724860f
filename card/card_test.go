package card

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsabank/cardengine/internal/util"
	"github.com/parsabank/cardengine/storage"
	"github.com/parsabank/cardengine/storage/memory"
)

func testRecord() *Record {
	return &Record{
		CardNumber:     "6037990000000014",
		CustomerID:     "cust-1",
		HolderName:     "Maryam Hosseini",
		CardType:       TypeDebit,
		BIN:            "603799",
		Status:         StatusIssued,
		MaxPinAttempts: 3,
		IssuedAt:       time.Now().UTC(),
		ExpiryDate:     time.Now().UTC().AddDate(5, 0, 0),
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	r := testRecord()

	require.NoError(t, r.Activate("op-1"))
	assert.Equal(t, StatusActive, r.Status)

	require.NoError(t, r.Block("op-1", "customer request"))
	assert.Equal(t, StatusBlocked, r.Status)

	require.NoError(t, r.Unblock("op-2"))
	assert.Equal(t, StatusActive, r.Status)

	require.NoError(t, r.MarkReplaced("op-2", "603799******0022"))
	assert.Equal(t, StatusReplaced, r.Status)
	assert.Equal(t, "603799******0022", r.ReplacementCard)
	assert.True(t, r.Status.Terminal())

	// Every transition left a history line.
	require.Len(t, r.History, 4)
	assert.Equal(t, "ACTIVATE", r.History[0].Action)
	assert.Equal(t, "op-2", r.History[3].OperatorID)
}

func TestGuardedTransitions(t *testing.T) {
	var sc *StateConflictError

	r := testRecord()
	// Activate requires Issued.
	require.NoError(t, r.Activate("op"))
	err := r.Activate("op")
	require.ErrorAs(t, err, &sc)
	assert.Equal(t, StatusActive, sc.State)

	// Block twice is illegal.
	require.NoError(t, r.Block("op", ""))
	require.ErrorAs(t, r.Block("op", ""), &sc)

	// Unblock only from Blocked.
	require.NoError(t, r.Unblock("op"))
	require.ErrorAs(t, r.Unblock("op"), &sc)

	// Terminal states accept nothing.
	require.NoError(t, r.MarkReplaced("op", "603799******0022"))
	require.ErrorAs(t, r.Activate("op"), &sc)
	require.ErrorAs(t, r.Block("op", ""), &sc)
	require.ErrorAs(t, r.MarkExpired("op"), &sc)
}

func TestExpireFromIssuedAndActive(t *testing.T) {
	r := testRecord()
	require.NoError(t, r.MarkExpired("sweep"))
	assert.Equal(t, StatusExpired, r.Status)

	r = testRecord()
	require.NoError(t, r.Activate("op"))
	require.NoError(t, r.MarkExpired("sweep"))
	assert.Equal(t, StatusExpired, r.Status)

	r = testRecord()
	require.NoError(t, r.Activate("op"))
	require.NoError(t, r.Block("op", ""))
	require.Error(t, r.MarkExpired("sweep"), "blocked cards are not swept")
}

func TestPinFailureBlocksAfterThreeAttempts(t *testing.T) {
	r := testRecord()
	require.NoError(t, r.Activate("op"))

	assert.False(t, r.RegisterPinFailure("term-1", DefaultLockout))
	assert.False(t, r.RegisterPinFailure("term-1", DefaultLockout))
	assert.Equal(t, StatusActive, r.Status)

	blocked := r.RegisterPinFailure("term-1", DefaultLockout)
	assert.True(t, blocked)
	assert.Equal(t, StatusBlocked, r.Status)
	require.NotNil(t, r.PinLockoutUntil)
	assert.WithinDuration(t, time.Now().Add(DefaultLockout), *r.PinLockoutUntil, 5*time.Second)
	assert.True(t, r.PinLocked(time.Now()))
	assert.False(t, r.PinLocked(time.Now().Add(25*time.Hour)))

	// Unblock resets the counter and lockout.
	require.NoError(t, r.Unblock("op-2"))
	assert.Zero(t, r.PinAttempts)
	assert.Nil(t, r.PinLockoutUntil)
}

func TestPinSuccessResetsAttempts(t *testing.T) {
	r := testRecord()
	require.NoError(t, r.Activate("op"))
	r.RegisterPinFailure("term-1", DefaultLockout)
	r.RegisterPinFailure("term-1", DefaultLockout)
	r.RegisterPinSuccess()
	assert.Zero(t, r.PinAttempts)
	assert.Equal(t, StatusActive, r.Status)
}

func TestMaskedView(t *testing.T) {
	r := testRecord()
	r.Track = BuildTrackData(r.CardNumber, r.HolderName, r.ExpiryDate, "")
	r.PinRef = "PIN-abc"
	r.ChipRef = "CHIP-def"

	view := r.MaskedView()
	assert.Equal(t, "603799******0014", view.CardNumber)
	assert.True(t, view.HasPin)
	assert.True(t, view.HasChip)

	// The view never carries the full PAN or track data.
	assert.NotContains(t, view.CardNumber, "0000000")
}

func TestBuildTrackData(t *testing.T) {
	expiry := time.Date(2031, 9, 1, 0, 0, 0, 0, time.UTC)
	track := BuildTrackData("6037990000000014", "Maryam Hosseini", expiry, "")

	assert.Equal(t, "%B6037990000000014^MARYAM HOSSEINI^310920100000000000000000?", track.Track1)
	assert.Equal(t, ";6037990000000014=3109201000000000000?", track.Track2)
}

func TestTrackNameCharset(t *testing.T) {
	tests := []struct {
		name   string
		holder string
		want   string
	}{
		{"accents decompose", "Søren Müller", "SREN MULLER"},
		{"delimiters dropped", "A^B?C%D;E", "ABCDE"},
		{"truncated to field width", "An Extremely Long Cardholder Name", "AN EXTREMELY LONG CARDHOLD"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, trackName(tc.holder))
		})
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	key, err := util.RandomBytes(32)
	require.NoError(t, err)
	store, err := NewStore(memory.NewRepository(), key)
	require.NoError(t, err)
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	r := testRecord()
	r.Track = BuildTrackData(r.CardNumber, r.HolderName, r.ExpiryDate, "")

	require.NoError(t, store.Save(r))
	assert.Equal(t, uint64(1), r.Version)

	loaded, err := store.Load(r.CardNumber)
	require.NoError(t, err)
	assert.Equal(t, r.CardNumber, loaded.CardNumber)
	assert.Equal(t, r.Track.Track2, loaded.Track.Track2)
	assert.Equal(t, StatusIssued, loaded.Status)

	// Duplicate save is rejected.
	require.Error(t, store.Save(testRecord()))

	_, err = store.Load("6037990000000022")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpdateCAS(t *testing.T) {
	store := newTestStore(t)
	r := testRecord()
	require.NoError(t, store.Save(r))

	first, err := store.Load(r.CardNumber)
	require.NoError(t, err)
	second, err := store.Load(r.CardNumber)
	require.NoError(t, err)

	require.NoError(t, first.Activate("op-1"))
	require.NoError(t, store.Update(first))

	// The stale copy loses the race.
	require.NoError(t, second.Block("op-2", ""))
	err = store.Update(second)
	require.ErrorIs(t, err, storage.ErrCASFailed)
}

func TestStoreRejectsShortKey(t *testing.T) {
	_, err := NewStore(memory.NewRepository(), []byte("short"))
	require.Error(t, err)
}
