// Package platform is the REST client for the marketplace admin backend. It
// covers the chat core's three collaborators: the paginated counterpart
// directory, conversation history, and the mark-as-read call. Pure
// request/response; nothing is cached.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fixmate/support-console/internal/chat"
)

// Config holds backend connection settings.
type Config struct {
	BaseURL string        // e.g. http://localhost:3000/api/admin
	Token   string        // auth credential attached to every request
	Timeout time.Duration // per-request timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:3000/api/admin",
		Timeout: 10 * time.Second,
	}
}

// Client performs authenticated REST calls against the admin backend.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a Client with the given config.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

// CounterpartSummary is one directory entry: a possible conversation partner.
type CounterpartSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Subtype     string `json:"subtype"` // role-specific specialization
	Active      bool   `json:"active"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// listResponse is the directory endpoint's envelope.
type listResponse struct {
	Data    []CounterpartSummary `json:"data"`
	HasMore bool                 `json:"has_more"`
}

// ListCounterparts fetches one page of the counterpart directory, filtered
// by role and optional search text. Each call replaces the previous page;
// no caching is performed.
func (c *Client) ListCounterparts(ctx context.Context, role chat.Role, page, pageSize int, search string) ([]CounterpartSummary, bool, error) {
	q := url.Values{}
	q.Set("role", string(role))
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(pageSize))
	if search != "" {
		q.Set("search", search)
	}

	var resp listResponse
	if err := c.get(ctx, "/chat/counterparts", q, &resp); err != nil {
		return nil, false, fmt.Errorf("platform: directory list: %w", err)
	}
	return resp.Data, resp.HasMore, nil
}

// wireMessage is the history endpoint's message representation.
type wireMessage struct {
	ID           string `json:"id"`
	SenderID     string `json:"sender_id"`
	SenderType   string `json:"sender_type"`
	ReceiverID   string `json:"receiver_id"`
	ReceiverType string `json:"receiver_type"`
	Message      string `json:"message"`
	MessageType  string `json:"message_type"`
	IsRead       bool   `json:"is_read"`
	CreatedAt    int64  `json:"created_at"`
}

// historyResponse is the history endpoint's envelope.
type historyResponse struct {
	Data    []wireMessage `json:"data"`
	HasMore bool          `json:"has_more"`
}

// FetchHistory fetches one page of a conversation's message history in
// display order. All hydrated messages are server-confirmed.
func (c *Client) FetchHistory(ctx context.Context, counterpartID string, role chat.Role, page int) ([]chat.Message, bool, error) {
	q := url.Values{}
	q.Set("user_id", counterpartID)
	q.Set("user_type", string(role))
	q.Set("page", strconv.Itoa(page))

	var resp historyResponse
	if err := c.get(ctx, "/chat/history", q, &resp); err != nil {
		return nil, false, fmt.Errorf("platform: history fetch: %w", err)
	}

	msgs := make([]chat.Message, 0, len(resp.Data))
	for _, w := range resp.Data {
		kind := chat.ContentKind(w.MessageType)
		if kind == "" {
			kind = chat.KindText
		}
		msgs = append(msgs, chat.Message{
			ID:           w.ID,
			Delivery:     chat.DeliveryConfirmed,
			SenderID:     w.SenderID,
			SenderRole:   chat.Role(w.SenderType),
			ReceiverID:   w.ReceiverID,
			ReceiverRole: chat.Role(w.ReceiverType),
			Body:         w.Message,
			Kind:         kind,
			Read:         w.IsRead,
			CreatedAt:    time.Unix(w.CreatedAt, 0),
		})
	}
	return msgs, resp.HasMore, nil
}

// MarkRead notifies the backend that the operator has read a conversation.
func (c *Client) MarkRead(ctx context.Context, counterpartID string, role chat.Role) error {
	body := map[string]string{
		"user_id":   counterpartID,
		"user_type": string(role),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("platform: mark read: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/read", strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("platform: mark read: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform: mark read: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("platform: mark read: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// get performs an authenticated GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.config.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
