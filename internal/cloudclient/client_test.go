package cloudclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushEntitiesSendsCompressedAuthenticatedBody(t *testing.T) {
	var received cloudapi.SyncRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cloud/sync", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "gw-1", r.Header.Get(cloudapi.HeaderGatewayID))
		assert.Equal(t, cloudapi.EncodingSnappy, r.Header.Get("Content-Encoding"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, raw)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(decoded, &received))

		_ = json.NewEncoder(w).Encode(cloudapi.SyncResponse{
			Synced:  1,
			Results: []cloudapi.ItemResult{{Index: 0, Type: "alert", ID: "a-1", Accepted: true}},
		})
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL + "/", GatewayID: "gw-1", Token: "secret-token", Compress: true})
	require.NoError(t, err)

	response, err := client.PushEntities(context.Background(), []cloudapi.Entity{{
		Type:      "alert",
		Action:    "create",
		Data:      records.Record{"id": "a-1", "updatedAt": "2026-03-01T10:00:00Z"},
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, response.Synced)
	require.Len(t, response.Results, 1)
	assert.True(t, response.Results[0].Accepted)
	require.Len(t, received.Entities, 1)
	assert.Equal(t, "a-1", received.Entities[0].Data.ID())
}

func TestServerErrorsAreTransportFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	err = client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestUnreachableCloudIsTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	address := server.URL
	server.Close()

	client, err := New(Config{BaseURL: address, Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, IsTransport(client.Ping(context.Background())))
}

func TestClientErrorsCarryCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(cloudapi.ErrorResponse{Error: "activate.already_activated"})
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Activate(context.Background(), cloudapi.ActivateRequest{ProvisioningToken: "p"})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Equal(t, "activate.already_activated", statusErr.Code)
	assert.False(t, IsTransport(err))
}

func TestPullChangesEncodesQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cloud/changes", r.URL.Path)
		assert.Equal(t, "door", r.URL.Query().Get("type"))
		assert.Equal(t, "41", r.URL.Query().Get("after"))
		_ = json.NewEncoder(w).Encode(cloudapi.ChangesResponse{Type: "door", Records: []records.Record{{"id": "d-1"}}, Cursor: 42, More: true})
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)
	response, err := client.PullChanges(context.Background(), "door", 41)
	require.NoError(t, err)
	require.Len(t, response.Records, 1)
	assert.Equal(t, "d-1", response.Records[0].ID())
	assert.Equal(t, int64(42), response.Cursor)
	assert.True(t, response.More)
}
