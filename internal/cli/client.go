package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the control plane's admin HTTP API.
type Client struct {
	BaseURL string
	Token   string

	HTTP *http.Client
}

// NewClient builds an admin API client. Token may be an admin token or a
// session JWT; the server accepts either.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		msg := string(bytes.TrimSpace(data))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// --- Login ---

type loginResult struct {
	Session string `json:"session"`
	Subject string `json:"subject"`
}

// Login exchanges an admin token for a session JWT.
func (c *Client) Login(token string) (session, subject string, err error) {
	var res loginResult
	if err := c.do(http.MethodPost, "/api/login", map[string]string{"token": token}, &res); err != nil {
		return "", "", err
	}
	return res.Session, res.Subject, nil
}

// --- Status ---

// ServerStatus mirrors GET /api/status.
type ServerStatus struct {
	Version     string         `json:"version"`
	Uptime      string         `json:"uptime"`
	Connections int            `json:"connections"`
	Rejected    int64          `json:"rejected"`
	Jobs        map[string]int `json:"jobs"`
}

func (c *Client) Status() (*ServerStatus, error) {
	var s ServerStatus
	if err := c.do(http.MethodGet, "/api/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// --- Jobs ---

// Job mirrors the admin API's job representation.
type Job struct {
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	FullPath    string          `json:"full_path,omitempty"`
	AccountID   string          `json:"account_id"`
	Provider    string          `json:"provider,omitempty"`
	Status      string          `json:"status"`
	Progress    json.RawMessage `json:"progress,omitempty"`
	ResumeState json.RawMessage `json:"resume_state,omitempty"`
	Recoverable bool            `json:"recoverable"`
	SpawnedFrom string          `json:"spawned_from,omitempty"`
	AssignedTo  string          `json:"assigned_to,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status      string
	Command     string
	AccountID   string
	FullPath    string
	SpawnedFrom string
	Limit       int
}

func (c *Client) ListJobs(filter JobFilter) ([]Job, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Command != "" {
		q.Set("command", filter.Command)
	}
	if filter.AccountID != "" {
		q.Set("account_id", filter.AccountID)
	}
	if filter.FullPath != "" {
		q.Set("full_path", filter.FullPath)
	}
	if filter.SpawnedFrom != "" {
		q.Set("spawned_from", filter.SpawnedFrom)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/api/jobs"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var jobs []Job
	if err := c.do(http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) GetJob(id string) (*Job, error) {
	var job Job
	if err := c.do(http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobRequest enqueues a new job.
type CreateJobRequest struct {
	Command    string `json:"command"`
	FullPath   string `json:"full_path,omitempty"`
	AccountID  string `json:"account_id"`
	EntityID   string `json:"entity_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
}

func (c *Client) CreateJob(req CreateJobRequest) (*Job, error) {
	var job Job
	if err := c.do(http.MethodPost, "/api/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobError is one recorded failure of a job.
type JobError struct {
	Error       string    `json:"error"`
	ErrorType   string    `json:"error_type,omitempty"`
	Recoverable bool      `json:"recoverable"`
	CreatedAt   time.Time `json:"created_at"`
}

func (c *Client) ListJobErrors(id string) ([]JobError, error) {
	var errs []JobError
	if err := c.do(http.MethodGet, "/api/jobs/"+url.PathEscape(id)+"/errors", nil, &errs); err != nil {
		return nil, err
	}
	return errs, nil
}

// --- Accounts ---

// Account mirrors the admin API's account representation. Token material
// never leaves the server.
type Account struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	APIBaseURL     string     `json:"api_base_url"`
	HasToken       bool       `json:"has_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (c *Client) ListAccounts() ([]Account, error) {
	var accounts []Account
	if err := c.do(http.MethodGet, "/api/accounts", nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// CreateAccountRequest registers a GitLab account with its credentials.
type CreateAccountRequest struct {
	ID           string `json:"id,omitempty"`
	Provider     string `json:"provider"`
	APIBaseURL   string `json:"api_base_url"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (c *Client) CreateAccount(req CreateAccountRequest) (*Account, error) {
	var account Account
	if err := c.do(http.MethodPost, "/api/accounts", req, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (c *Client) ListAccountAreas(accountID string) ([]string, error) {
	var paths []string
	if err := c.do(http.MethodGet, "/api/accounts/"+url.PathEscape(accountID)+"/areas", nil, &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

// --- Areas ---

// Area is one discovered group or project.
type Area struct {
	FullPath  string    `json:"full_path"`
	GitlabID  string    `json:"gitlab_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Client) ListAreas() ([]Area, error) {
	var areas []Area
	if err := c.do(http.MethodGet, "/api/areas", nil, &areas); err != nil {
		return nil, err
	}
	return areas, nil
}

// --- Connections ---

// Connection is one live worker connection as reported by the pool.
type Connection struct {
	ID             string    `json:"ID"`
	State          string    `json:"State"`
	RemoteAddr     string    `json:"RemoteAddr"`
	ConnectedAt    time.Time `json:"ConnectedAt"`
	LastHeartbeat  time.Time `json:"LastHeartbeat"`
	MessagesIn     int64     `json:"MessagesIn"`
	MessagesOut    int64     `json:"MessagesOut"`
	Errors         int64     `json:"Errors"`
	ActiveJobs     int       `json:"ActiveJobs"`
	TotalProcessed int       `json:"TotalProcessed"`
	SystemStatus   string    `json:"SystemStatus"`
}

func (c *Client) ListConnections() ([]Connection, error) {
	var conns []Connection
	if err := c.do(http.MethodGet, "/api/connections", nil, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

// --- Tokens ---

// AdminToken is one admin API token (hash only; the plain token is shown
// once at creation).
type AdminToken struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Token     string     `json:"token,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func (c *Client) ListTokens() ([]AdminToken, error) {
	var tokens []AdminToken
	if err := c.do(http.MethodGet, "/api/tokens", nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (c *Client) CreateToken(name string) (*AdminToken, error) {
	var token AdminToken
	if err := c.do(http.MethodPost, "/api/tokens", map[string]string{"name": name}, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (c *Client) RevokeToken(id string) error {
	return c.do(http.MethodDelete, "/api/tokens/"+url.PathEscape(id), nil, nil)
}

// --- Display helpers ---

// RelativeTime formats a time as relative to now.
func RelativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

// StatusSymbol returns a terminal-friendly job status symbol.
func StatusSymbol(status string) string {
	switch status {
	case "finished":
		return "\033[32m✓\033[0m" // green check
	case "failed":
		return "\033[31m✗\033[0m" // red X
	case "running":
		return "\033[33m●\033[0m" // yellow dot
	case "queued":
		return "\033[90m○\033[0m" // gray circle
	case "paused":
		return "\033[90m⊘\033[0m" // gray pause
	case "waiting_credential_renewal":
		return "\033[35m⏳\033[0m" // purple hourglass
	default:
		return "?"
	}
}
