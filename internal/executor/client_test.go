package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/fincore/pkg/errors"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Config) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, Config{BaseURL: srv.URL, Timeout: time.Second}
}

func TestClientSuccessDecodesResponse(t *testing.T) {
	_, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/holds", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"hold_id":"hold-42"}`))
	})

	ledger := NewLedgerClient(cfg)
	resp, err := ledger.PlaceHold(context.Background(), HoldRequest{
		AccountID: "acct-1",
		Amount:    1000,
		Currency:  "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, "hold-42", resp.HoldID)
}

func TestClientServerErrorIsTransient(t *testing.T) {
	_, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	ledger := NewLedgerClient(cfg)
	_, err := ledger.PlaceHold(context.Background(), HoldRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.False(t, errors.IsBusiness(err))
}

func TestClientClientErrorIsBusiness(t *testing.T) {
	_, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"declined":true,"reason":"insufficient funds"}`))
	})

	ledger := NewLedgerClient(cfg)
	_, err := ledger.PlaceHold(context.Background(), HoldRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsBusiness(err))
	assert.False(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestClientNetworkFailureIsTransient(t *testing.T) {
	// A server that is immediately closed leaves nothing listening.
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := Config{BaseURL: srv.URL, Timeout: time.Second}
	srv.Close()

	ledger := NewLedgerClient(cfg)
	_, err := ledger.PlaceHold(context.Background(), HoldRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestFraudScreenDecodesVerdict(t *testing.T) {
	_, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/screen", r.URL.Path)
		w.Write([]byte(`{"score":17,"blocked":false}`))
	})

	fraud := NewFraudClient(cfg)
	resp, err := fraud.Screen(context.Background(), ScreenRequest{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, 17, resp.Score)
	assert.False(t, resp.Blocked)
}
