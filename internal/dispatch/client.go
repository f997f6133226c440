// Package dispatch talks to the multi-tenant dispatch provider that hosts
// published scripts and their static assets.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UploadSession is the provider's answer to a create-session call: which
// content hashes it still needs, grouped into upload buckets, and a JWT that
// authorizes the uploads.
type UploadSession struct {
	SessionToken string     `json:"session_token"`
	Buckets      [][]string `json:"buckets"`
}

// Asset is one hash-addressed payload uploaded into a session.
type Asset struct {
	Hash        string `json:"hash"`
	ContentType string `json:"content_type"`
	Payload     []byte `json:"payload"`
}

// Module is one script module in a publish request.
type Module struct {
	Path        string `json:"path"`
	Kind        string `json:"kind"`
	ContentType string `json:"content_type"`
	Payload     []byte `json:"payload"`
}

// PublishRequest registers a script version under a dispatch name. Publishes
// are versioned on the provider side; they never destroy the live version.
type PublishRequest struct {
	Name            string   `json:"name"`
	EntryModule     Module   `json:"entry_module"`
	Modules         []Module `json:"modules"`
	CompletionToken string   `json:"completion_token,omitempty"`
}

// APIError is a non-2xx response from the dispatch provider.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dispatch request failed with status %d", e.Status)
	}
	return fmt.Sprintf("dispatch request failed (%d): %s", e.Status, e.Message)
}

// Client provides typed access to the dispatch provider API.
type Client struct {
	baseURL    string
	token      string
	namespace  string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a dispatch client for one provider namespace.
func New(base, token, namespace string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("dispatch: base url cannot be empty")
	}
	cli := &Client{
		baseURL:    trimmed,
		token:      strings.TrimSpace(token),
		namespace:  strings.TrimSpace(namespace),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// CreateUploadSession reports the manifest's content hashes and learns which
// of them the provider is missing.
func (c *Client) CreateUploadSession(ctx context.Context, scriptName string, hashes []string) (UploadSession, error) {
	body := struct {
		Hashes []string `json:"hashes"`
	}{Hashes: hashes}
	var session UploadSession
	path := fmt.Sprintf("/namespaces/%s/scripts/%s/assets/sessions", c.namespace, scriptName)
	if err := c.do(ctx, http.MethodPost, path, body, &session); err != nil {
		return UploadSession{}, fmt.Errorf("create upload session: %w", err)
	}
	return session, nil
}

// UploadAssets pushes a batch of hash-addressed payloads into a session. The
// response carries the completion token required by the publish call.
func (c *Client) UploadAssets(ctx context.Context, session UploadSession, assets []Asset) (string, error) {
	body := struct {
		SessionToken string  `json:"session_token"`
		Assets       []Asset `json:"assets"`
	}{SessionToken: session.SessionToken, Assets: assets}
	var resp struct {
		CompletionToken string `json:"completion_token"`
	}
	path := fmt.Sprintf("/namespaces/%s/assets", c.namespace)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", fmt.Errorf("upload assets: %w", err)
	}
	if resp.CompletionToken == "" {
		return "", fmt.Errorf("upload assets: provider returned no completion token")
	}
	return resp.CompletionToken, nil
}

// PublishScript registers the script version. Versioned on the provider side.
func (c *Client) PublishScript(ctx context.Context, req PublishRequest) error {
	if req.Name == "" {
		return fmt.Errorf("publish script: name cannot be empty")
	}
	path := fmt.Sprintf("/namespaces/%s/scripts/%s", c.namespace, req.Name)
	if err := c.do(ctx, http.MethodPut, path, req, nil); err != nil {
		return fmt.Errorf("publish script %s: %w", req.Name, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
