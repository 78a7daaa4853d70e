// Package chatline provides a client for the chatline direct messaging
// server: HTTP queries through Client, realtime messaging through Conn.
package chatline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultURL is used when no server URL is given.
const DefaultURL = "http://localhost:8080"

// Client is a chatline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new chatline client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// HTTPError is a non-2xx response from the HTTP API.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("chatline error %d: %s", e.Status, e.Message)
}

// doRequest performs a GET and decodes the JSON response into out.
func (c *Client) doRequest(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &errResp)
		return &HTTPError{Status: resp.StatusCode, Message: errResp.Error}
	}

	return json.Unmarshal(body, out)
}

// Message is a direct message.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
	Seq       int64     `json:"seq"`
}

// User is one roster entry.
type User struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

// HistoryResponse is the response from the history endpoint.
type HistoryResponse struct {
	Messages []Message `json:"messages"`
	Unread   int64     `json:"unread"`
}

// History returns the conversation between user1 and user2. Unread counts
// user2's messages that user1 has not read yet.
func (c *Client) History(ctx context.Context, user1, user2 string) (*HistoryResponse, error) {
	var resp HistoryResponse
	path := "/messages/" + url.PathEscape(user1) + "/" + url.PathEscape(user2)
	if err := c.doRequest(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UsersResponse is the response from the users endpoint.
type UsersResponse struct {
	Users  []User `json:"users"`
	Total  int    `json:"total"`
	Online int    `json:"online"`
}

// Users lists every identity the server has seen.
func (c *Client) Users(ctx context.Context) (*UsersResponse, error) {
	var resp UsersResponse
	if err := c.doRequest(ctx, "/users", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WhoResponse is the presence of one identity.
type WhoResponse struct {
	Identity    string `json:"identity"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

// Who looks up one identity.
func (c *Client) Who(ctx context.Context, identity string) (*WhoResponse, error) {
	var resp WhoResponse
	if err := c.doRequest(ctx, "/who/"+url.PathEscape(identity), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatsResponse is the response from the stats endpoint.
type StatsResponse struct {
	TotalMessages    int64 `json:"total_messages"`
	KnownIdentities  int   `json:"known_identities"`
	OnlineIdentities int   `json:"online_identities"`
}

// Stats returns server counters.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.doRequest(ctx, "/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health. A degraded server answers 503, which is
// returned as an *HTTPError.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// wsURL turns the HTTP base URL into the websocket endpoint.
func (c *Client) wsURL() string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
