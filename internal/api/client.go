package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lecture-attendance-go/internal/config"

	log "github.com/sirupsen/logrus"
)

// Client talks to the REST backend that owns users, groups and lectures.
// The monitor only depends on the auth exchange and the lecture start/end
// calls; everything else is opaque request/response plumbing.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenStore
}

// NewClient creates a backend client using the given credential store.
func NewClient(cfg config.BackendConfig, tokens TokenStore) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		tokens: tokens,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type startLectureRequest struct {
	GroupID string `json:"groupId,omitempty"`
}

type startLectureResponse struct {
	ID string `json:"id"`
}

// Login exchanges credentials for a bearer token and stores it.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp loginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: password}, &resp); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if resp.Token == "" {
		return fmt.Errorf("login response carried no token")
	}
	if err := c.tokens.Set(resp.Token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	log.Info("Authenticated against backend")
	return nil
}

// Logout clears the stored credential.
func (c *Client) Logout() error {
	return c.tokens.Clear()
}

// Token returns the current bearer token ("" when not authenticated).
func (c *Client) Token() string {
	return c.tokens.Get()
}

// StartLecture asks the backend to open a lecture session and returns the
// assigned session identifier.
func (c *Client) StartLecture(ctx context.Context, groupID string) (string, error) {
	var resp startLectureResponse
	if err := c.doJSON(ctx, http.MethodPost, "/lectures/start", startLectureRequest{GroupID: groupID}, &resp); err != nil {
		return "", fmt.Errorf("lecture start failed: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("lecture start response carried no session id")
	}
	return resp.ID, nil
}

// EndLecture tells the backend the session is over.
func (c *Client) EndLecture(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/lectures/%s/end", sessionID)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("lecture end failed: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Get(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend returned status %s for %s: %s", resp.Status, path, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}
