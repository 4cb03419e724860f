package switchnet

import (
	"context"
	"testing"

	"github.com/moov-io/iso8583"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsabank/cardengine/issuer"
)

func testClient() *Client {
	return NewClient(Config{
		Addr:       "switch.test:7583",
		AcquirerID: "627412",
		TerminalID: "TERM0001",
		MerchantID: "MERCHANT0000001",
	}, nil)
}

func TestRegisterMessageRoundTrip(t *testing.T) {
	c := testClient()

	msg, err := c.buildRegisterMessage(issuer.CardRegistration{
		CardNumber:    "6037990000000014",
		CustomerID:    "0012345678",
		AccountNumber: "IR-ACC-001",
		BankCode:      "010",
		CardType:      "DEBIT",
		ExpiryDate:    "3009",
	})
	require.NoError(t, err)

	packed, err := msg.Pack()
	require.NoError(t, err)

	got := iso8583.NewMessage(Spec)
	require.NoError(t, got.Unpack(packed))

	mti, err := got.GetMTI()
	require.NoError(t, err)
	assert.Equal(t, "0300", mti)

	for id, want := range map[int]string{
		2:  "6037990000000014",
		3:  procRegisterCard,
		14: "3009",
		32: "627412",
		41: "TERM0001",
		42: "MERCHANT0000001",
		48: "CUST=0012345678;ACCT=IR-ACC-001;BANK=010;TYPE=DEBIT",
	} {
		v, err := got.GetString(id)
		require.NoError(t, err, id)
		assert.Equal(t, want, v, id)
	}

	stan, err := got.GetString(11)
	require.NoError(t, err)
	assert.Len(t, stan, 6)
}

func TestActivateMessage(t *testing.T) {
	c := testClient()

	msg, err := c.buildActivateMessage("6037990000000014")
	require.NoError(t, err)

	proc, err := msg.GetString(3)
	require.NoError(t, err)
	assert.Equal(t, procActivateCard, proc)
}

func TestSTANIncrements(t *testing.T) {
	c := testClient()

	seen := map[string]bool{}
	for n := 0; n < 100; n++ {
		stan := c.nextSTAN()
		require.Len(t, stan, 6)
		assert.False(t, seen[stan])
		seen[stan] = true
	}
}

func TestParseResponseApproved(t *testing.T) {
	c := testClient()

	resp := iso8583.NewMessage(Spec)
	resp.MTI("0310")
	require.NoError(t, resp.Field(37, "REF123456789"))
	require.NoError(t, resp.Field(39, "00"))

	res, err := c.parseResponse(resp, "register", "603799******0014")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "REF123456789", res.ReferenceID)
}

func TestParseResponseDeclined(t *testing.T) {
	c := testClient()

	resp := iso8583.NewMessage(Spec)
	resp.MTI("0310")
	require.NoError(t, resp.Field(39, "91"))

	res, err := c.parseResponse(resp, "activate", "603799******0014")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "issuer or switch inoperative", res.Reason)
}

func TestParseResponseWrongMTI(t *testing.T) {
	c := testClient()

	resp := iso8583.NewMessage(Spec)
	resp.MTI("0110")
	require.NoError(t, resp.Field(39, "00"))

	_, err := c.parseResponse(resp, "register", "603799******0014")
	require.Error(t, err)
}

func TestExchangeRequiresConnection(t *testing.T) {
	c := testClient()

	_, err := c.RegisterCard(context.Background(), issuer.CardRegistration{
		CardNumber: "6037990000000014",
		ExpiryDate: "3009",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
