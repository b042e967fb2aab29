package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperflow/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(&config.Config{LedgerBaseURL: server.URL, LedgerAPIKey: "test-key"})
}

func TestClient_SearchFindsRecord(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "FV 1/2024", r.URL.Query().Get("number"))
		w.Write([]byte(`{"code":0,"data":[{"id":"rec-1","fullnumber":"FV 1/2024","remaining":123.45}]}`))
	})

	record, err := client.Search(context.Background(), "FV 1/2024")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "rec-1", record.ID)
	assert.InDelta(t, 123.45, record.Remaining, 0.001)
}

func TestClient_SearchAbsentIsNil(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":[]}`))
	})

	record, err := client.Search(context.Background(), "FV 404")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestClient_TransientStatusesMapToUnavailable(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := client.Search(context.Background(), "FV 1/2024")
		assert.ErrorIs(t, err, ErrUnavailable, "HTTP %d", status)
	}
}

func TestClient_NonZeroCodeIsSoftError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// HTTP 200 with an embedded rejection code.
		w.Write([]byte(`{"code":102,"message":"payment_method rejected","data":null}`))
	})

	_, err := client.Create(context.Background(), "expense", &Payload{Number: "FK 1/2024"})

	var soft *SoftError
	require.ErrorAs(t, err, &soft)
	assert.Equal(t, 102, soft.Code)
	assert.Contains(t, soft.Message, "payment_method")
}

func TestClient_RecordPayment(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"code":0}`))
	})

	err := client.RecordPayment(context.Background(), "FV 1/2024", 123.45,
		time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "/payments", gotPath)
}

func TestClient_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := client.Update(context.Background(), "expense", "rec-9", &Payload{})
	assert.ErrorIs(t, err, ErrNotFound)
}
