package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestNotify(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := New(Config{Timeout: time.Second}, log.NewNopLogger())
	err := n.Notify(context.Background(), srv.URL+"/callback", Notification{
		BatchID:    "B1",
		Status:     Succeeded,
		ArchiveURI: "https://example.org/B1/B1.zip",
		Products:   []Product{{ProductName: "GB100001", EditionNumber: 3, UpdateNumber: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "B1", got.BatchID)
	assert.Equal(t, Succeeded, got.Status)
	assert.Len(t, got.Products, 1)
}

func TestNotifyEmptyCallback(t *testing.T) {
	n := New(Config{Timeout: time.Second}, log.NewNopLogger())
	assert.NoError(t, n.Notify(context.Background(), "", Notification{BatchID: "B1"}))
}

func TestNotifyRejected(t *testing.T) {
	calls := atomic.NewInt32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(Config{Timeout: time.Second, RetryMax: 2}, log.NewNopLogger())
	err := n.Notify(context.Background(), srv.URL, Notification{BatchID: "B1", Status: Failed})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
