package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/trawl/internal/config"
	"github.com/ehrlich-b/trawl/internal/gitlab"
	"github.com/ehrlich-b/trawl/internal/protocol"
	"github.com/ehrlich-b/trawl/internal/storage"
)

// CredentialRefresher exchanges a refresh token for fresh credentials.
type CredentialRefresher interface {
	Refresh(ctx context.Context, baseURL, refreshToken string) (*gitlab.Credentials, error)
}

// refreshCallTimeout bounds the provider round trip. It must stay under
// the worker's reply deadline so a slow provider produces a denial, not
// a worker-side timeout.
const refreshCallTimeout = 10 * time.Second

// RefreshCoordinator handles token_refresh_request messages: it parks
// the job in credential renewal, renews the account's tokens against the
// provider, and answers on the same connection.
type RefreshCoordinator struct {
	store  storage.Storage
	jobs   *JobService
	bridge *Bridge
	log    *slog.Logger

	// refresherFor returns the OAuth client for a provider, nil when
	// none is configured. Swapped out in tests.
	refresherFor func(provider storage.Provider) CredentialRefresher

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRefreshCoordinator wires the coordinator with per-provider OAuth
// clients from configuration.
func NewRefreshCoordinator(store storage.Storage, jobs *JobService, bridge *Bridge, oauth map[string]config.OAuthClient, log *slog.Logger) *RefreshCoordinator {
	if log == nil {
		log = slog.Default()
	}
	return &RefreshCoordinator{
		store:  store,
		jobs:   jobs,
		bridge: bridge,
		log:    log,
		refresherFor: func(provider storage.Provider) CredentialRefresher {
			client, ok := oauth[string(provider)]
			if !ok {
				return nil
			}
			return &gitlab.Refresher{ClientID: client.ClientID, ClientSecret: client.ClientSecret}
		},
		inflight: make(map[string]struct{}),
	}
}

// HandleRequest processes one refresh request for the job in the message
// envelope. The reply always goes out on the requesting connection; a
// revoked refresh token clears the account's credentials and fails the
// job as non-recoverable.
func (rc *RefreshCoordinator) HandleRequest(ctx context.Context, conn *Conn, jobID, reason string) Result {
	rc.mu.Lock()
	if _, busy := rc.inflight[jobID]; busy {
		rc.mu.Unlock()
		return Result{Success: true, Message: "refresh already in flight"}
	}
	rc.inflight[jobID] = struct{}{}
	rc.mu.Unlock()
	defer func() {
		rc.mu.Lock()
		delete(rc.inflight, jobID)
		rc.mu.Unlock()
	}()

	job, err := rc.store.GetJob(ctx, jobID)
	if err != nil {
		rc.deny(conn, jobID)
		return Result{Message: "unknown job"}
	}
	if err := rc.jobs.Transition(ctx, jobID, storage.JobStatusWaitingCredentialRenewal); err != nil {
		rc.log.Warn("refresh request for job not running", "job", jobID, "error", err)
		rc.deny(conn, jobID)
		return Result{Message: "job not running"}
	}

	account, err := rc.store.GetAccount(ctx, job.AccountID)
	if err != nil || account.RefreshToken == "" {
		rc.failJob(ctx, jobID, "no refresh token on account")
		rc.deny(conn, jobID)
		return Result{Message: "no refresh token"}
	}
	refresher := rc.refresherFor(account.Provider)
	if refresher == nil {
		rc.failJob(ctx, jobID, "no oauth client configured for provider")
		rc.deny(conn, jobID)
		return Result{Message: "no oauth client"}
	}

	callCtx, cancel := context.WithTimeout(ctx, refreshCallTimeout)
	creds, err := refresher.Refresh(callCtx, account.APIBaseURL, account.RefreshToken)
	cancel()
	if err != nil {
		if gitlab.IsInvalidGrant(err) {
			rc.log.Warn("refresh token revoked", "account", account.ID, "job", jobID, "reason", reason)
			if cerr := rc.store.ClearAccountTokens(ctx, account.ID); cerr != nil {
				rc.log.Error("clearing revoked tokens failed", "account", account.ID, "error", cerr)
			}
			rc.failJob(ctx, jobID, "refresh token revoked")
			rc.deny(conn, jobID)
			rc.bridge.Emit(EventTokenRefresh, jobID, map[string]any{"successful": false, "reason": "invalid_grant"})
			return Result{Message: "invalid grant"}
		}
		// Transient failure: put the job back and let the worker decide.
		rc.log.Warn("token refresh failed", "account", account.ID, "job", jobID, "error", err)
		if terr := rc.jobs.Transition(ctx, jobID, storage.JobStatusRunning); terr != nil {
			rc.log.Warn("restoring job after failed refresh", "job", jobID, "error", terr)
		}
		rc.deny(conn, jobID)
		return Result{Message: "refresh failed"}
	}

	var expires *time.Time
	if !creds.ExpiresAt.IsZero() {
		expires = &creds.ExpiresAt
	}
	if err := rc.store.UpdateAccountTokens(ctx, account.ID, creds.AccessToken, creds.RefreshToken, expires); err != nil {
		rc.log.Error("storing refreshed tokens failed", "account", account.ID, "error", err)
	}
	if err := rc.jobs.Transition(ctx, jobID, storage.JobStatusRunning); err != nil {
		rc.log.Warn("job left renewal state early", "job", jobID, "error", err)
	}
	rc.reply(conn, jobID, &protocol.TokenRefreshResponse{
		AccessToken:       creds.AccessToken,
		RefreshSuccessful: true,
		ExpiresAt:         creds.ExpiresAt,
	})
	rc.bridge.Emit(EventTokenRefresh, jobID, map[string]any{"successful": true})
	rc.log.Info("token refreshed", "account", account.ID, "job", jobID)
	return Result{Success: true}
}

func (rc *RefreshCoordinator) deny(conn *Conn, jobID string) {
	rc.reply(conn, jobID, &protocol.TokenRefreshResponse{RefreshSuccessful: false})
}

func (rc *RefreshCoordinator) reply(conn *Conn, jobID string, resp *protocol.TokenRefreshResponse) {
	if conn == nil {
		return
	}
	if err := conn.Send(protocol.TypeTokenRefreshResponse, jobID, resp); err != nil {
		rc.log.Warn("sending refresh response failed", "conn", conn.ID, "job", jobID, "error", err)
	}
}

func (rc *RefreshCoordinator) failJob(ctx context.Context, jobID, why string) {
	err := rc.jobs.MarkFailed(ctx, jobID, &protocol.JobFailed{
		Error:         why,
		ErrorType:     "auth",
		IsRecoverable: false,
	})
	if err != nil {
		rc.log.Error("failing job after refresh denial", "job", jobID, "error", err)
	}
}
