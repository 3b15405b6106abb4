// Package api implements the request/response half of the messaging
// service: conversation listing, history pages, sends, creation and read
// receipts over JSON HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mentorloop/coachchat/internal/errs"
)

// DefaultTimeout bounds a single request round-trip.
const DefaultTimeout = 15 * time.Second

// Client talks to the messaging API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a messaging API client.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations returns the user's conversations, optionally including
// archived ones.
func (c *Client) ListConversations(ctx context.Context, includeArchived bool) ([]Conversation, error) {
	query := map[string]string{}
	if includeArchived {
		query["includeArchived"] = "true"
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return out.Conversations, nil
}

// ListMessages fetches one page of history ending at the given cursor.
// An empty cursor means the newest page.
func (c *Client) ListMessages(ctx context.Context, convID, cursor string, limit int) (*MessagePage, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if cursor != "" {
		query["cursor"] = cursor
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(convID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var page MessagePage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}
	return &page, nil
}

// PostMessage sends a message. The payload's ClientID makes retries
// idempotent server-side.
func (c *Client) PostMessage(ctx context.Context, convID string, p PostMessagePayload) (*PostMessageResult, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(convID)+"/messages", p, nil)
	if err != nil {
		return nil, err
	}
	var res PostMessageResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode post result: %w", err)
	}
	return &res, nil
}

// CreateConversation starts a conversation with its first message.
func (c *Client) CreateConversation(ctx context.Context, p CreateConversationPayload) (*Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/v1/conversations", p, nil)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// MarkRead confirms a read receipt for a conversation.
func (c *Client) MarkRead(ctx context.Context, convID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(convID)+"/read", nil, nil)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &errs.TransportError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.TransportError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &errs.RequestFailed{
			Op:     method + " " + path,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", strings.TrimSpace(string(data))),
		}
	}
	return data, nil
}
