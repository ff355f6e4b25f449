// ABOUTME: HTTP client for the WhatsApp message gateway
// ABOUTME: Implements the sendMessages contract with per-chatbot credentials

package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chipatala/chat-engine/internal/config"
)

// ErrUnknownChatbot is returned when a send targets a chatbot name with no
// configured credentials.
var ErrUnknownChatbot = errors.New("unknown chatbot")

// defaultBaseURL is the production gateway endpoint; tests and staging
// override it per chatbot in config.
const defaultBaseURL = "https://graph.facebook.com/v19.0"

// SentMessage is the gateway's record of one accepted message.
type SentMessage struct {
	WhatsAppID string
}

// Sender is what the dispatcher and event listeners need from the gateway.
type Sender interface {
	Send(ctx context.Context, chatbotName, phoneNumber string, msgs []Descriptor) ([]SentMessage, error)
}

// Client sends messages through the WhatsApp gateway over HTTP.
type Client struct {
	chatbots map[string]config.ChatbotConfig
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a gateway client for the configured chatbots.
func NewClient(chatbots map[string]config.ChatbotConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		chatbots: chatbots,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "whatsapp"),
	}
}

// sendRequest is the wire form of a send call.
type sendRequest struct {
	Messages    []Descriptor `json:"messages"`
	PhoneNumber string       `json:"phone_number"`
	ChatbotName string       `json:"chatbot_name"`
}

// sendResponse is the gateway's reply: accepted message ids or an error
// envelope; never both.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Send delivers one or more outbound messages to a phone number and returns
// the gateway-assigned ids in order. A non-2xx status or an error envelope in
// the body are both reported as errors; the caller treats either the same as
// a state-handler failure.
func (c *Client) Send(ctx context.Context, chatbotName, phoneNumber string, msgs []Descriptor) ([]SentMessage, error) {
	bot, ok := c.chatbots[chatbotName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChatbot, chatbotName)
	}

	baseURL := bot.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	payload, err := json.Marshal(sendRequest{
		Messages:    msgs,
		PhoneNumber: phoneNumber,
		ChatbotName: chatbotName,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling send request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", baseURL, bot.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bot.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading gateway response: %w", err)
	}

	var decoded sendResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding gateway response (status %d): %w", resp.StatusCode, err)
	}

	if decoded.Error != nil {
		return nil, fmt.Errorf("gateway error: %s", decoded.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	sent := make([]SentMessage, 0, len(decoded.Messages))
	for _, m := range decoded.Messages {
		sent = append(sent, SentMessage{WhatsAppID: m.ID})
	}

	c.logger.Debug("messages sent",
		"chatbot", chatbotName,
		"count", len(sent))

	return sent, nil
}

var _ Sender = (*Client)(nil)
