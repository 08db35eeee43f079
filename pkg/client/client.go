// Package client provides a Go client for the NeonForge relay API,
// including streaming chat.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/neonforge/neonforge/pkg/models"
	"github.com/neonforge/neonforge/pkg/protocol"
	"github.com/neonforge/neonforge/pkg/sse"
)

// RateLimitError is returned when the relay rejects a request with 429.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// ChatResult is the outcome of one streamed chat exchange. Content holds
// whatever arrived, complete or not; Interrupted marks a transport failure
// after streaming began.
type ChatResult struct {
	Content        string
	Done           bool
	Interrupted    bool
	ConversationID string
}

// Client talks to the relay API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no global timeout: a chat stream legitimately runs
	// for minutes.
	streamClient *http.Client

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
		streamClient: &http.Client{Transport: transport},
		authToken:    cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token for subsequent requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (*protocol.LoginResponse, error) {
	var out protocol.LoginResponse
	err := c.postJSON(ctx, "/api/v1/auth/token",
		protocol.LoginRequest{Username: username, Password: password}, &out)
	if err != nil {
		return nil, err
	}
	c.SetAuthToken(out.Token)
	return &out, nil
}

// Chat streams one exchange. onDelta is invoked for each text fragment as
// it arrives and may be nil. The returned result always carries the full
// accumulated content, including after an interruption.
func (c *Client) Chat(ctx context.Context, req protocol.ChatRequest, onDelta func(string)) (*ChatResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.applyAuth(httpReq)

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	decoder := sse.NewDecoder(nil)
	var content []byte
	buf := make([]byte, 8192)

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			for _, frag := range decoder.Feed(buf[:n]) {
				content = append(content, frag...)
				if onDelta != nil {
					onDelta(frag)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Keep the partial content; the caller decides what to do with
			// a half-finished answer.
			for _, frag := range decoder.Finish() {
				content = append(content, frag...)
			}
			return &ChatResult{
				Content:        string(content),
				Interrupted:    true,
				ConversationID: req.ConversationID,
			}, nil
		}
	}
	for _, frag := range decoder.Finish() {
		content = append(content, frag...)
		if onDelta != nil {
			onDelta(frag)
		}
	}

	return &ChatResult{
		Content:        string(content),
		Done:           decoder.Done(),
		ConversationID: req.ConversationID,
	}, nil
}

// ListConversations returns the authenticated user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out protocol.ConversationListResponse
	if err := c.getJSON(ctx, "/api/v1/conversations", &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ListMessages returns a conversation transcript.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.StoredMessage, error) {
	var out protocol.MessageListResponse
	if err := c.getJSON(ctx, "/api/v1/conversations/"+conversationID+"/messages", &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// FetchTree loads a project's file tree.
func (c *Client) FetchTree(ctx context.Context, projectID string) (*models.FileNode, error) {
	var out protocol.TreeResponse
	if err := c.getJSON(ctx, "/api/v1/projects/"+projectID+"/tree", &out); err != nil {
		return nil, err
	}
	return out.Root, nil
}

// ApplyTreeOp applies one tree mutation (toggle, insert, remove) and
// returns the updated tree.
func (c *Client) ApplyTreeOp(ctx context.Context, projectID, op string, req protocol.TreeOpRequest) (*models.FileNode, error) {
	var out protocol.TreeResponse
	path := fmt.Sprintf("/api/v1/projects/%s/tree/%s", projectID, op)
	if err := c.postJSON(ctx, path, req, &out); err != nil {
		return nil, err
	}
	return out.Root, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) apiError(resp *http.Response) error {
	var er protocol.ErrorResponse
	if json.NewDecoder(resp.Body).Decode(&er) == nil && er.Error != "" {
		if resp.StatusCode == http.StatusTooManyRequests && er.ResetAt != nil {
			return &RateLimitError{ResetAt: *er.ResetAt}
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, er.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

// IsRateLimited reports whether err is a rate-limit rejection and returns
// the reset time.
func IsRateLimited(err error) (time.Time, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.ResetAt, true
	}
	return time.Time{}, false
}
