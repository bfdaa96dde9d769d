// Package odyssea provides the Go client for the Odyssea logistics chat
// platform: an HTTP API client, a reconnecting websocket transport, a
// persistent message cache, and a synchronization engine that reconciles
// server events into a subscribable client state.
//
// Example:
//
//	api := odyssea.NewClient(tokens)
//	cache := odyssea.NewCache(dir, logger)
//	transport := odyssea.NewTransport(odyssea.TransportConfig{URL: url, Tokens: tokens})
//	store := odyssea.NewStore()
//
//	engine, _ := odyssea.NewEngine(odyssea.Config{
//		Self:      me,
//		API:       api,
//		Transport: transport,
//		Cache:     cache,
//		Store:     store,
//	})
//	engine.Bootstrap(ctx)
//	go engine.Run(ctx)
package odyssea

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.odyssea.team"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Odyssea HTTP API client. It covers the room, message, and
// archive endpoints; live traffic goes over Transport.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Odyssea API client. tokens supplies the bearer
// token per request and may be nil for unauthenticated endpoints.
func NewClient(tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
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
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if c.tokens != nil {
			c.tokens.Invalidate()
		}
	}

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[APIResult](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func pageQuery(limit, offset int) map[string]string {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = fmt.Sprintf("%d", limit)
	}
	if offset > 0 {
		q["offset"] = fmt.Sprintf("%d", offset)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Rooms
// ============================================================================

// ListChatRooms returns every room the authenticated user belongs to.
func (c *Client) ListChatRooms(ctx context.Context) ([]ChatRoom, error) {
	res, err := c.do(ctx, "GET", "/api/chat-rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var rooms []ChatRoom
	if err := res.Decode(&rooms); err != nil {
		return nil, fmt.Errorf("failed to decode rooms: %w", err)
	}
	return rooms, nil
}

// GetChatRoom fetches a single room by id.
func (c *Client) GetChatRoom(ctx context.Context, roomID string) (*ChatRoom, error) {
	res, err := c.do(ctx, "GET", "/api/chat-rooms/"+roomID, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var room ChatRoom
	if err := res.Decode(&room); err != nil {
		return nil, fmt.Errorf("failed to decode room: %w", err)
	}
	return &room, nil
}

// CreateChatRoom creates a room over HTTP. Rooms created this way are also
// announced on the websocket, so callers normally rely on the chatRoomCreated
// event for local state.
func (c *Client) CreateChatRoom(ctx context.Context, opts *CreateRoomOptions) (*ChatRoom, error) {
	if opts == nil || len(opts.ParticipantIDs) == 0 {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "participantIds are required"}
	}
	res, err := c.do(ctx, "POST", "/api/chat-rooms", opts, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var room ChatRoom
	if err := res.Decode(&room); err != nil {
		return nil, fmt.Errorf("failed to decode room: %w", err)
	}
	return &room, nil
}

// MuteChatRooms toggles notification muting for a set of rooms.
func (c *Client) MuteChatRooms(ctx context.Context, roomIDs []string, muted bool) error {
	res, err := c.do(ctx, "POST", "/api/chat-rooms/mute", map[string]interface{}{
		"chatRoomIds": roomIDs,
		"muted":       muted,
	}, nil)
	if err != nil {
		return err
	}
	return res.Err()
}

// TogglePin flips the pinned flag of a room and returns the new value.
func (c *Client) TogglePin(ctx context.Context, roomID string) (bool, error) {
	res, err := c.do(ctx, "POST", "/api/chat-rooms/"+roomID+"/pin", nil, nil)
	if err != nil {
		return false, err
	}
	if err := res.Err(); err != nil {
		return false, err
	}
	var out struct {
		Pinned bool `json:"pinned"`
	}
	if err := res.Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode pin state: %w", err)
	}
	return out.Pinned, nil
}

// MarkAllRead clears unread counters across every room.
func (c *Client) MarkAllRead(ctx context.Context) error {
	res, err := c.do(ctx, "POST", "/api/chat-rooms/read-all", nil, nil)
	if err != nil {
		return err
	}
	return res.Err()
}

// ============================================================================
// Messages
// ============================================================================

// GetMessages fetches a page of recent messages for a room. offset counts
// back from the newest message.
func (c *Client) GetMessages(ctx context.Context, roomID string, limit, offset int) (*MessagesPage, error) {
	res, err := c.do(ctx, "GET", "/api/chat-rooms/"+roomID+"/messages", nil, pageQuery(limit, offset))
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var page MessagesPage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return &page, nil
}

// ============================================================================
// Archive
// ============================================================================

// GetArchiveDays lists the day buckets that hold archived messages for a
// room, newest first.
func (c *Client) GetArchiveDays(ctx context.Context, roomID string, limit, offset int) (*ArchiveDaysPage, error) {
	res, err := c.do(ctx, "GET", "/api/chat-rooms/"+roomID+"/archive/days", nil, pageQuery(limit, offset))
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var page ArchiveDaysPage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode archive days: %w", err)
	}
	return &page, nil
}

// GetArchivedMessages fetches every archived message for one day bucket.
// day is a YYYY-MM-DD key from GetArchiveDays.
func (c *Client) GetArchivedMessages(ctx context.Context, roomID, day string) ([]Message, error) {
	res, err := c.do(ctx, "GET", "/api/chat-rooms/"+roomID+"/archive/"+day, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode archived messages: %w", err)
	}
	return msgs, nil
}
