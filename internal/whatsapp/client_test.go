// ABOUTME: Tests for the gateway HTTP client
// ABOUTME: Covers request shape, auth header, error envelopes, and bad status

package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipatala/chat-engine/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(map[string]config.ChatbotConfig{
		"clinic": {
			PhoneNumberID: "104858345",
			AccessToken:   "test-token",
			BaseURL:       srv.URL,
		},
	}, nil)
}

func TestClient_Send(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[{"id":"wamid.123"}]}`))
	})

	sent, err := client.Send(context.Background(), "clinic", "+263771234567",
		[]Descriptor{NewText("Hello")})
	require.NoError(t, err)

	require.Len(t, sent, 1)
	assert.Equal(t, "wamid.123", sent[0].WhatsAppID)
	assert.Equal(t, "/104858345/messages", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "+263771234567", gotBody["phone_number"])
	assert.Equal(t, "clinic", gotBody["chatbot_name"])

	msgs, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	first, ok := msgs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", first["type"])
	assert.Equal(t, "Hello", first["messageBody"])
}

func TestClient_Send_ErrorEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"recipient not on whatsapp"}}`))
	})

	_, err := client.Send(context.Background(), "clinic", "+263771234567",
		[]Descriptor{NewText("Hello")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipient not on whatsapp")
}

func TestClient_Send_BadStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{}`))
	})

	_, err := client.Send(context.Background(), "clinic", "+263771234567",
		[]Descriptor{NewText("Hello")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestClient_Send_UnknownChatbot(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := client.Send(context.Background(), "pharmacy", "+263771234567",
		[]Descriptor{NewText("Hello")})
	assert.ErrorIs(t, err, ErrUnknownChatbot)
}
