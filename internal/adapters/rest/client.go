// Package rest is the thin client of the auth and session-metadata
// collaborators. The coordinator never touches these; the CLI uses them to
// obtain a verified identity and a session to enter.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrAuthFailed = errors.New("authentication failed")

// SessionInfo is the metadata collaborator's view of one active session.
type SessionInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	HostName string `json:"hostName"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Login exchanges credentials for the bearer token the relay requires.
// A denial is fatal to session entry and reported synchronously.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	body := map[string]string{"email": email, "password": password}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "/api/auth/login", "", body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: empty token", ErrAuthFailed)
	}
	log.Info().Str("module", "rest").Str("email", email).Msg("logged in")
	return resp.Token, nil
}

func (c *Client) Register(ctx context.Context, email, password, role string) error {
	body := map[string]string{"email": email, "password": password, "role": role}
	return c.post(ctx, "/api/auth/register", "", body, nil)
}

// CreateSession registers a new active session owned by the caller.
func (c *Client) CreateSession(ctx context.Context, token, title string) (SessionInfo, error) {
	body := map[string]string{"title": title}
	var info SessionInfo
	if err := c.post(ctx, "/api/sessions/create", token, body, &info); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

// ActiveSessions lists the sessions a Guest can currently join.
func (c *Client) ActiveSessions(ctx context.Context, token string) ([]SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/active", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var out []SessionInfo
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
