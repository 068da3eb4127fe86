package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const apiBase = "/api/fleet/v1alpha1"

type fleetClient struct {
	baseURL string
	user    string
	role    string
	tenant  string
	token   string
	http    *http.Client
}

func newClient() *fleetClient {
	return &fleetClient{
		baseURL: resolvedServer(),
		user:    resolvedUser(),
		role:    resolvedRole(),
		tenant:  resolvedTenant(),
		token:   resolvedToken(),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// addIdentity attaches either the bearer token or the trusted identity
// headers, matching the server's auth mode.
func (c *fleetClient) addIdentity(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return
	}
	if c.user != "" {
		req.Header.Set("X-Remote-User", c.user)
	}
	if c.role != "" {
		req.Header.Set("X-Remote-Role", c.role)
	}
	if c.tenant != "" {
		req.Header.Set("X-Remote-Tenant", c.tenant)
	}
}

func (c *fleetClient) do(method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addIdentity(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// getJSON performs a GET request and decodes the response.
func (c *fleetClient) getJSON(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

// postJSON performs a POST request with a JSON body and decodes the response.
func (c *fleetClient) postJSON(path string, body any, v any) error {
	if body == nil {
		body = map[string]any{}
	}
	return c.do(http.MethodPost, path, body, v)
}

// getStream performs a GET request and copies the raw body to w. Used for
// the audit export, which can be larger than is sensible to buffer.
func (c *fleetClient) getStream(path string, w io.Writer) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	c.addIdentity(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// apiError turns an error response into a readable message, preferring the
// server's {"error", "message"} body when it parses.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, e.Error, e.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
}
