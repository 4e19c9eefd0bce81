package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudguard/riskengine/internal/risk"
)

func TestWindowFetchesTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acct_1/transactions", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"transactions": []risk.Transaction{
				{ID: "t1", AccountID: "acct_1", Amount: 10, RecipientKey: "m", Timestamp: time.Now().UTC()},
				{ID: "t2", AccountID: "acct_1", Amount: 20, RecipientKey: "m", Timestamp: time.Now().UTC()},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	window, err := c.Window(context.Background(), "acct_1", 5)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "t1", window[0].ID)
}

func TestWindowTruncatesToLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		txs := make([]risk.Transaction, 10)
		for i := range txs {
			txs[i] = risk.Transaction{ID: "t", AccountID: "a", Amount: 1, RecipientKey: "m", Timestamp: time.Now()}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"transactions": txs})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	window, err := c.Window(context.Background(), "a", 3)
	require.NoError(t, err)
	assert.Len(t, window, 3)
}

func TestWindowRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"transactions": []risk.Transaction{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithMaxRetries(3))
	_, err := c.Window(context.Background(), "a", 5)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWindowDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithMaxRetries(3))
	_, err := c.Window(context.Background(), "a", 5)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestWindowRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, WithMaxRetries(5))
	_, err := c.Window(ctx, "a", 5)
	require.Error(t, err)
}
