// Package fleet provisions ephemeral build machines. The production path is
// an external fleet API that boots microVMs; local development runs the
// builder image in a Docker container with the same environment.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Machine identifies provisioned build compute.
type Machine struct {
	ID     string `json:"id"`
	Region string `json:"region,omitempty"`
	State  string `json:"state,omitempty"`
}

// Provisioner requests and releases build compute. The machine pulls the
// source, builds and uploads on its own; the caller only passes the runtime
// environment and waits for a completion callback out of band.
type Provisioner interface {
	Provision(ctx context.Context, name string, env map[string]string) (Machine, error)
	Destroy(ctx context.Context, machineID string) error
}

// APIError is a non-2xx response from the fleet API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fleet request failed with status %d", e.Status)
	}
	return fmt.Sprintf("fleet request failed (%d): %s", e.Status, e.Message)
}

// Client talks to the external fleet API.
type Client struct {
	baseURL    string
	token      string
	image      string
	httpClient *http.Client
}

// NewClient constructs a fleet API client that boots machines from the given
// builder image.
func NewClient(base, token, image string) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("fleet: base url cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("fleet: builder image cannot be empty")
	}
	return &Client{
		baseURL:    trimmed,
		token:      strings.TrimSpace(token),
		image:      image,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Provision asks the fleet API for a machine running the builder image with
// the given environment.
func (c *Client) Provision(ctx context.Context, name string, env map[string]string) (Machine, error) {
	body := struct {
		Name  string            `json:"name"`
		Image string            `json:"image"`
		Env   map[string]string `json:"env"`
	}{Name: name, Image: c.image, Env: env}
	var machine Machine
	if err := c.do(ctx, http.MethodPost, "/v1/machines", body, &machine); err != nil {
		return Machine{}, fmt.Errorf("provision machine %s: %w", name, err)
	}
	if machine.ID == "" {
		return Machine{}, fmt.Errorf("provision machine %s: fleet returned no machine id", name)
	}
	return machine, nil
}

// Destroy tears down a machine. Missing machines are not an error; builders
// normally exit on their own.
func (c *Client) Destroy(ctx context.Context, machineID string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/machines/"+machineID, nil, nil); err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("destroy machine %s: %w", machineID, err)
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
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
