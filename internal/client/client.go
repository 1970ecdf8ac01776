// Package client talks to a running twin server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
)

const (
	defaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 2 * time.Minute // a turn may wait on several judge calls
)

// Client talks to the twin server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL falls back to TWIN_URL,
// then http://127.0.0.1:37780.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("TWIN_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Msg)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func chatPath(chatID, suffix string) string {
	return "/api/chats/" + url.PathEscape(chatID) + suffix
}

// Turn sends one user message and returns the engine's decision.
func (c *Client) Turn(ctx context.Context, chatID, botID, message string) (*engine.TurnResult, error) {
	var res engine.TurnResult
	err := c.do(ctx, http.MethodPost, chatPath(chatID, "/turns"), map[string]string{
		"bot_id":  botID,
		"message": message,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// RecordResponse logs the assistant's reply.
func (c *Client) RecordResponse(ctx context.Context, chatID, content string, followUps []string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID, "/responses"), map[string]any{
		"content":    content,
		"follow_ups": followUps,
	}, nil)
}

// State is the server's view of a chat.
type State struct {
	Conversation engine.ConversationState `json:"conversation"`
	Context      engine.ContextState      `json:"context"`
}

// State fetches the chat's committed conversation and context.
func (c *Client) State(ctx context.Context, chatID string) (*State, error) {
	var st State
	if err := c.do(ctx, http.MethodGet, chatPath(chatID, "/state"), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Reset starts a new conversation for the chat.
func (c *Client) Reset(ctx context.Context, chatID, botID string) (*engine.ConversationState, error) {
	var st engine.ConversationState
	if err := c.do(ctx, http.MethodPost, chatPath(chatID, "/reset"), map[string]string{"bot_id": botID}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Insights fetches the relevance report for the chat.
func (c *Client) Insights(ctx context.Context, chatID string, limit int) (*engine.Insights, error) {
	var in engine.Insights
	path := chatPath(chatID, fmt.Sprintf("/insights?limit=%d", limit))
	if err := c.do(ctx, http.MethodGet, path, nil, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}
