package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ehrlich-b/trawl/internal/protocol"
	"github.com/ehrlich-b/trawl/internal/storage"
	"github.com/ehrlich-b/trawl/internal/version"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// APIHandler handles admin HTTP API requests.
type APIHandler struct {
	storage storage.Storage
	pool    *Pool
	bridge  *Bridge
	auth    *AdminAuth
	log     *slog.Logger

	startedAt time.Time
}

// NewAPIHandler creates the admin API handler.
func NewAPIHandler(store storage.Storage, pool *Pool, bridge *Bridge, auth *AdminAuth, log *slog.Logger) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	return &APIHandler{
		storage:   store,
		pool:      pool,
		bridge:    bridge,
		auth:      auth,
		log:       log,
		startedAt: time.Now(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeHTTP routes API requests. Everything except login requires an
// admin token or session.
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	path = strings.TrimSuffix(path, "/")

	if path == "/login" && r.Method == http.MethodPost {
		h.login(w, r)
		return
	}

	caller, ok := h.auth.Authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	_ = caller

	// Route based on path and method
	switch {
	case path == "/status" && r.Method == http.MethodGet:
		h.getStatus(w, r)

	// Jobs
	case path == "/jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)
	case path == "/jobs" && r.Method == http.MethodPost:
		h.createJob(w, r)
	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/errors"):
		jobID := strings.TrimSuffix(strings.TrimPrefix(path, "/jobs/"), "/errors")
		if r.Method == http.MethodGet {
			h.listJobErrors(w, r, jobID)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(path, "/jobs/"):
		jobID := strings.TrimPrefix(path, "/jobs/")
		if r.Method == http.MethodGet {
			h.getJob(w, r, jobID)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	// Accounts
	case path == "/accounts" && r.Method == http.MethodGet:
		h.listAccounts(w, r)
	case path == "/accounts" && r.Method == http.MethodPost:
		h.createAccount(w, r)
	case strings.HasPrefix(path, "/accounts/") && strings.HasSuffix(path, "/areas"):
		accountID := strings.TrimSuffix(strings.TrimPrefix(path, "/accounts/"), "/areas")
		if r.Method == http.MethodGet {
			h.listAccountAreas(w, r, accountID)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	// Areas
	case path == "/areas" && r.Method == http.MethodGet:
		h.listAreas(w, r)

	// Connections
	case path == "/connections" && r.Method == http.MethodGet:
		h.listConnections(w, r)

	// Tokens
	case path == "/tokens" && r.Method == http.MethodGet:
		h.listTokens(w, r)
	case path == "/tokens" && r.Method == http.MethodPost:
		h.createToken(w, r)
	case strings.HasPrefix(path, "/tokens/"):
		tokenID := strings.TrimPrefix(path, "/tokens/")
		if r.Method == http.MethodDelete {
			h.revokeToken(w, r, tokenID)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	// Event stream
	case path == "/events" && r.Method == http.MethodGet:
		h.streamEvents(w, r)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Login ---

type loginRequest struct {
	Token string `json:"token"`
}

type loginResponse struct {
	Session string `json:"session"`
	Subject string `json:"subject"`
}

// login exchanges an admin token for a session JWT.
func (h *APIHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := h.storage.GetAdminTokenByHash(r.Context(), hashToken(req.Token))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	session, err := h.auth.IssueSession(rec.Name)
	if err != nil {
		h.log.Error("failed to issue session", "error", err)
		http.Error(w, "sessions disabled", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, loginResponse{Session: session, Subject: rec.Name})
}

// --- Status ---

type statusResponse struct {
	Version     string         `json:"version"`
	Uptime      string         `json:"uptime"`
	Connections int            `json:"connections"`
	Rejected    int64          `json:"rejected"`
	Jobs        map[string]int `json:"jobs"`
}

func (h *APIHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for _, status := range []storage.JobStatus{
		storage.JobStatusQueued,
		storage.JobStatusRunning,
		storage.JobStatusPaused,
		storage.JobStatusFinished,
		storage.JobStatusFailed,
		storage.JobStatusWaitingCredentialRenewal,
	} {
		jobs, err := h.storage.ListJobs(r.Context(), storage.JobFilter{Status: status})
		if err != nil {
			h.log.Error("failed to count jobs", "status", status, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		counts[string(status)] = len(jobs)
	}

	resp := statusResponse{
		Version: version.Version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
		Jobs:    counts,
	}
	if h.pool != nil {
		resp.Connections = h.pool.Count()
		resp.Rejected = h.pool.Rejected()
	}
	h.writeJSON(w, resp)
}

// --- Jobs ---

type jobResponse struct {
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

func jobToResponse(j *storage.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		Command:     j.Command,
		FullPath:    j.FullPath,
		AccountID:   j.AccountID,
		Provider:    string(j.Provider),
		Status:      string(j.Status),
		Progress:    j.Progress,
		ResumeState: j.ResumeState,
		Recoverable: j.Recoverable,
		SpawnedFrom: j.SpawnedFrom,
		AssignedTo:  j.AssignedTo,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func (h *APIHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.JobFilter{
		Status:      storage.JobStatus(q.Get("status")),
		AccountID:   q.Get("account_id"),
		Command:     protocol.NormalizeCommand(q.Get("command")),
		FullPath:    q.Get("full_path"),
		SpawnedFrom: q.Get("spawned_from"),
		Limit:       50, // default
	}

	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	jobs, err := h.storage.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to list jobs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		resp[i] = jobToResponse(j)
	}

	h.writeJSON(w, resp)
}

func (h *APIHandler) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.storage.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		h.log.Error("failed to get job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, jobToResponse(job))
}

type createJobRequest struct {
	Command    string `json:"command"`
	FullPath   string `json:"full_path"`
	AccountID  string `json:"account_id"`
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

func (h *APIHandler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	command := protocol.NormalizeCommand(req.Command)
	if !protocol.KnownCommand(command) {
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}
	account, err := h.storage.GetAccount(r.Context(), req.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "account not found", http.StatusBadRequest)
			return
		}
		h.log.Error("failed to get account", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	job := &storage.Job{
		ID:         uuid.New().String(),
		Command:    command,
		FullPath:   req.FullPath,
		AccountID:  account.ID,
		Provider:   account.Provider,
		APIBaseURL: account.APIBaseURL,
		Status:     storage.JobStatusQueued,
	}
	if req.EntityID != "" || req.EntityType != "" {
		prov, merr := json.Marshal(provenance{EntityID: req.EntityID, EntityType: req.EntityType})
		if merr == nil {
			job.Progress = prov
		}
	}

	if err := h.storage.CreateJob(r.Context(), job); err != nil {
		h.log.Error("failed to create job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.log.Info("job created", "job_id", job.ID, "command", job.Command, "full_path", job.FullPath)

	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, jobToResponse(job))
}

func (h *APIHandler) listJobErrors(w http.ResponseWriter, r *http.Request, jobID string) {
	entries, err := h.storage.ListJobErrors(r.Context(), jobID)
	if err != nil {
		h.log.Error("failed to list job errors", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	type errorResponse struct {
		Error       string    `json:"error"`
		ErrorType   string    `json:"error_type,omitempty"`
		Recoverable bool      `json:"recoverable"`
		CreatedAt   time.Time `json:"created_at"`
	}

	resp := make([]errorResponse, len(entries))
	for i, e := range entries {
		resp[i] = errorResponse{
			Error:       e.Error,
			ErrorType:   e.ErrorType,
			Recoverable: e.Recoverable,
			CreatedAt:   e.CreatedAt,
		}
	}

	h.writeJSON(w, resp)
}

// --- Accounts ---

type accountResponse struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	APIBaseURL     string     `json:"api_base_url"`
	HasToken       bool       `json:"has_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// accountToResponse never includes token material.
func accountToResponse(a *storage.Account) accountResponse {
	return accountResponse{
		ID:             a.ID,
		Provider:       string(a.Provider),
		APIBaseURL:     a.APIBaseURL,
		HasToken:       a.AccessToken != "",
		TokenExpiresAt: a.TokenExpiresAt,
		CreatedAt:      a.CreatedAt,
	}
}

func (h *APIHandler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.storage.ListAccounts(r.Context())
	if err != nil {
		h.log.Error("failed to list accounts", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := make([]accountResponse, len(accounts))
	for i, a := range accounts {
		resp[i] = accountToResponse(a)
	}

	h.writeJSON(w, resp)
}

type createAccountRequest struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	APIBaseURL   string `json:"api_base_url"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (h *APIHandler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Provider != string(storage.ProviderGitLabCloud) && req.Provider != string(storage.ProviderGitLabOnPrem) {
		http.Error(w, "provider must be gitlab-cloud or gitlab-onprem", http.StatusBadRequest)
		return
	}

	account := &storage.Account{
		ID:           req.ID,
		Provider:     storage.Provider(req.Provider),
		APIBaseURL:   req.APIBaseURL,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}

	if err := h.storage.CreateAccount(r.Context(), account); err != nil {
		h.log.Error("failed to create account", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.log.Info("account created", "account_id", account.ID, "provider", account.Provider)

	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, accountToResponse(account))
}

func (h *APIHandler) listAccountAreas(w http.ResponseWriter, r *http.Request, accountID string) {
	paths, err := h.storage.ListAreaGrants(r.Context(), accountID)
	if err != nil {
		h.log.Error("failed to list area grants", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, paths)
}

// --- Areas ---

type areaResponse struct {
	FullPath  string    `json:"full_path"`
	GitlabID  string    `json:"gitlab_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *APIHandler) listAreas(w http.ResponseWriter, r *http.Request) {
	areas, err := h.storage.ListAreas(r.Context())
	if err != nil {
		h.log.Error("failed to list areas", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := make([]areaResponse, len(areas))
	for i, a := range areas {
		resp[i] = areaResponse{
			FullPath:  a.FullPath,
			GitlabID:  a.GitlabID,
			Name:      a.Name,
			Type:      string(a.Type),
			CreatedAt: a.CreatedAt,
		}
	}

	h.writeJSON(w, resp)
}

// --- Connections ---

func (h *APIHandler) listConnections(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		h.writeJSON(w, []ConnStats{})
		return
	}
	conns := h.pool.List()
	resp := make([]ConnStats, len(conns))
	for i, c := range conns {
		resp[i] = c.Stats()
	}
	h.writeJSON(w, resp)
}

// --- Tokens ---

type tokenResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

type createTokenRequest struct {
	Name string `json:"name"`
}

type createTokenResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Token     string    `json:"token"` // Plain text token (only shown once)
	CreatedAt time.Time `json:"created_at"`
}

func (h *APIHandler) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.storage.ListAdminTokens(r.Context())
	if err != nil {
		h.log.Error("failed to list tokens", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := make([]tokenResponse, len(tokens))
	for i, t := range tokens {
		resp[i] = tokenResponse{
			ID:        t.ID,
			Name:      t.Name,
			CreatedAt: t.CreatedAt,
			RevokedAt: t.RevokedAt,
		}
	}

	h.writeJSON(w, resp)
}

func (h *APIHandler) createToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	// Generate random token
	plainToken, err := generateSecret(32)
	if err != nil {
		h.log.Error("failed to generate token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	token := &storage.AdminToken{
		ID:        fmt.Sprintf("t_%d", time.Now().UnixNano()),
		Name:      req.Name,
		Hash:      hashToken(plainToken),
		CreatedAt: time.Now(),
	}

	if err := h.storage.CreateAdminToken(r.Context(), token); err != nil {
		h.log.Error("failed to create token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.log.Info("token created", "token_id", token.ID, "name", token.Name)

	resp := createTokenResponse{
		ID:        token.ID,
		Name:      token.Name,
		Token:     plainToken,
		CreatedAt: token.CreatedAt,
	}

	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, resp)
}

func (h *APIHandler) revokeToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	if err := h.storage.RevokeAdminToken(r.Context(), tokenID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "token not found", http.StatusNotFound)
			return
		}
		h.log.Error("failed to revoke token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.log.Info("token revoked", "token_id", tokenID)
	w.WriteHeader(http.StatusNoContent)
}

// --- Event stream ---

// streamEvents upgrades to a WebSocket and forwards bridge events until
// the client goes away.
func (h *APIHandler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := h.bridge.Subscribe()
	defer h.bridge.Unsubscribe(events)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// --- Helpers ---

func (h *APIHandler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}
