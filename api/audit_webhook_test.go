package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditWebhookDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		require.NoError(t, json.Unmarshal(body, &evt))
		mu.Lock()
		received = append(received, evt)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "Authorization: Bearer secret")
	wh.send(AuditCardBlocked, "203.0.113.7:1234", []slog.Attr{
		slog.String("card_number", "603799******1234"),
		slog.String("operator_id", "op-42"),
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, string(AuditCardBlocked), received[0].Event)
	assert.Equal(t, "203.0.113.7:1234", received[0].RemoteAddr)
	assert.Equal(t, "603799******1234", received[0].Attrs["card_number"])
	assert.Equal(t, "op-42", received[0].Attrs["operator_id"])
	assert.Equal(t, "Bearer secret", auth)
}

func TestAuditWebhookRetriesOn5xx(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	wh.send(AuditCardIssued, "", nil)
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestAuditWebhookDoesNotRetryOn4xx(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	wh.send(AuditCardIssued, "", nil)
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
