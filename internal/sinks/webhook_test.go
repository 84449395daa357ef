package sinks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
)

func TestWebhookSink_PublishesEnvelopeWithSharedSecret(t *testing.T) {
	var mu sync.Mutex
	var secrets []string
	var bodies []common.EventMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var msg common.EventMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		mu.Lock()
		secrets = append(secrets, r.Header.Get("X-Shared-Secret"))
		bodies = append(bodies, msg)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(&manifest.WebhookStreamConfig{
		Endpoint:     server.URL,
		SharedSecret: "s3cret",
	})

	events := sampleEvents(2)
	require.NoError(t, sink.Write(context.Background(), events))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, []string{"s3cret", "s3cret"}, secrets)
	assert.Equal(t, "Transfer", bodies[0].EventName)
	assert.Equal(t, "ethereum", bodies[0].Network)
	assert.Contains(t, bodies[0].EventData, "transaction_information")
}

func TestWebhookSink_ClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink := NewWebhookSink(&manifest.WebhookStreamConfig{Endpoint: server.URL})
	err := sink.Write(context.Background(), sampleEvents(1))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestWebhookSink_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sink := NewWebhookSink(&manifest.WebhookStreamConfig{Endpoint: server.URL})
	err := sink.Write(context.Background(), sampleEvents(1))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestWebhookSink_ConditionsGatePublishing(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(&manifest.WebhookStreamConfig{
		Endpoint: server.URL,
		Events: []manifest.StreamEvent{
			{EventName: "Transfer", Conditions: []map[string]string{{"value": ">=2"}}},
		},
	})

	events := []*common.DecodedEvent{
		{EventName: "Transfer", Network: "ethereum", Inputs: map[string]interface{}{"value": "1"}},
		{EventName: "Transfer", Network: "ethereum", Inputs: map[string]interface{}{"value": "3"}},
	}
	require.NoError(t, sink.Write(context.Background(), events))
	assert.Equal(t, 1, calls)
}
