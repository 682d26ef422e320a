package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/ehrlich-b/trawl/internal/gitlab"
	"github.com/ehrlich-b/trawl/internal/storage"
)

// fakeRefresher returns canned credentials or a canned error and records
// what it was asked for.
type fakeRefresher struct {
	creds *gitlab.Credentials
	err   error
	block chan struct{}

	mu     sync.Mutex
	tokens []string
}

func (f *fakeRefresher) Refresh(ctx context.Context, baseURL, refreshToken string) (*gitlab.Credentials, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, refreshToken)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.creds, nil
}

func (f *fakeRefresher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func (f *fakeRefresher) tokenAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.tokens) {
		return ""
	}
	return f.tokens[i]
}

func newTestCoordinator(t *testing.T, refresher CredentialRefresher) (*RefreshCoordinator, storage.Storage, *JobService, *Bridge) {
	t.Helper()
	store := newTestStore(t)
	svc, bridge := newTestService(t, store)
	rc := NewRefreshCoordinator(store, svc, bridge, nil, nil)
	rc.refresherFor = func(storage.Provider) CredentialRefresher { return refresher }
	return rc, store, svc, bridge
}

func seedRunningJob(t *testing.T, store storage.Storage, svc *JobService, withRefreshToken bool) {
	t.Helper()
	account := &storage.Account{
		ID:          "a1",
		Provider:    storage.ProviderGitLabCloud,
		APIBaseURL:  "https://gitlab.com",
		AccessToken: "stale-token",
	}
	if withRefreshToken {
		account.RefreshToken = "refresh-1"
	}
	if err := store.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	seedJob(t, store, "j1", "FETCH_ISSUES", "a1")
	if err := svc.Transition(context.Background(), "j1", storage.JobStatusRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
}

func TestRefreshSuccess(t *testing.T) {
	expires := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	refresher := &fakeRefresher{creds: &gitlab.Credentials{
		AccessToken:  "fresh-token",
		RefreshToken: "refresh-2",
		ExpiresAt:    expires,
	}}
	rc, store, _, bridge := newTestCoordinator(t, refresher)
	svc := rc.jobs
	seedRunningJob(t, store, svc, true)

	events := bridge.Subscribe()
	defer bridge.Unsubscribe(events)

	res := rc.HandleRequest(context.Background(), nil, "j1", "401 from api")
	if !res.Success {
		t.Fatalf("HandleRequest = %+v, want success", res)
	}
	if refresher.calls() != 1 || refresher.tokenAt(0) != "refresh-1" {
		t.Errorf("refresher calls = %d tokens = %v", refresher.calls(), refresher.tokens)
	}

	account, _ := store.GetAccount(context.Background(), "a1")
	if account.AccessToken != "fresh-token" || account.RefreshToken != "refresh-2" {
		t.Errorf("account tokens = %s / %s, want rotated pair", account.AccessToken, account.RefreshToken)
	}
	if account.TokenExpiresAt == nil || !account.TokenExpiresAt.Equal(expires) {
		t.Errorf("expiry = %v, want %v", account.TokenExpiresAt, expires)
	}

	job, _ := store.GetJob(context.Background(), "j1")
	if job.Status != storage.JobStatusRunning {
		t.Errorf("job status = %s, want running again", job.Status)
	}

	sawRefresh := false
	for len(events) > 0 {
		ev := <-events
		if ev.Type == EventTokenRefresh {
			sawRefresh = true
			data, _ := ev.Data.(map[string]any)
			if data["successful"] != true {
				t.Errorf("event data = %v", data)
			}
		}
	}
	if !sawRefresh {
		t.Error("no token_refresh event")
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	refresher := &fakeRefresher{err: &oauth2.RetrieveError{ErrorCode: "invalid_grant"}}
	rc, store, _, _ := newTestCoordinator(t, refresher)
	seedRunningJob(t, store, rc.jobs, true)

	res := rc.HandleRequest(context.Background(), nil, "j1", "401 from api")
	if res.Success {
		t.Fatalf("HandleRequest = %+v, want denial", res)
	}

	account, _ := store.GetAccount(context.Background(), "a1")
	if account.AccessToken != "" || account.RefreshToken != "" {
		t.Errorf("account tokens = %q / %q, want cleared", account.AccessToken, account.RefreshToken)
	}

	job, _ := store.GetJob(context.Background(), "j1")
	if job.Status != storage.JobStatusFailed || job.Recoverable {
		t.Errorf("job = %s recoverable=%v, want failed non-recoverable", job.Status, job.Recoverable)
	}
	errs, _ := store.ListJobErrors(context.Background(), "j1")
	if len(errs) != 1 || errs[0].ErrorType != "auth" {
		t.Errorf("job errors = %+v, want one auth entry", errs)
	}
}

func TestRefreshTransientErrorRestoresJob(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("provider timeout")}
	rc, store, _, _ := newTestCoordinator(t, refresher)
	seedRunningJob(t, store, rc.jobs, true)

	res := rc.HandleRequest(context.Background(), nil, "j1", "401 from api")
	if res.Success {
		t.Fatalf("HandleRequest = %+v, want denial", res)
	}

	// The job goes back to running so the worker can retry or fail it.
	job, _ := store.GetJob(context.Background(), "j1")
	if job.Status != storage.JobStatusRunning {
		t.Errorf("job status = %s, want running", job.Status)
	}
	account, _ := store.GetAccount(context.Background(), "a1")
	if account.RefreshToken != "refresh-1" {
		t.Errorf("refresh token = %q, want untouched", account.RefreshToken)
	}
}

func TestRefreshWithoutRefreshTokenFailsJob(t *testing.T) {
	refresher := &fakeRefresher{}
	rc, store, _, _ := newTestCoordinator(t, refresher)
	seedRunningJob(t, store, rc.jobs, false)

	res := rc.HandleRequest(context.Background(), nil, "j1", "401 from api")
	if res.Success {
		t.Fatalf("HandleRequest = %+v, want denial", res)
	}
	if refresher.calls() != 0 {
		t.Errorf("refresher called %d times, want 0", refresher.calls())
	}
	job, _ := store.GetJob(context.Background(), "j1")
	if job.Status != storage.JobStatusFailed || job.Recoverable {
		t.Errorf("job = %s recoverable=%v, want failed non-recoverable", job.Status, job.Recoverable)
	}
}

func TestRefreshRequiresRunningJob(t *testing.T) {
	refresher := &fakeRefresher{}
	rc, store, _, _ := newTestCoordinator(t, refresher)
	seedAccount(t, store, "a1")
	seedJob(t, store, "j1", "FETCH_ISSUES", "a1")

	res := rc.HandleRequest(context.Background(), nil, "j1", "speculative")
	if res.Success {
		t.Fatalf("HandleRequest = %+v, want denial for queued job", res)
	}
	if refresher.calls() != 0 {
		t.Errorf("refresher called %d times, want 0", refresher.calls())
	}
	job, _ := store.GetJob(context.Background(), "j1")
	if job.Status != storage.JobStatusQueued {
		t.Errorf("job status = %s, want untouched queued", job.Status)
	}
}

func TestRefreshUnknownJob(t *testing.T) {
	refresher := &fakeRefresher{}
	rc, _, _, _ := newTestCoordinator(t, refresher)

	res := rc.HandleRequest(context.Background(), nil, "ghost", "lost")
	if res.Success || res.Message != "unknown job" {
		t.Errorf("HandleRequest = %+v", res)
	}
}

func TestRefreshDeduplicatesInflight(t *testing.T) {
	refresher := &fakeRefresher{
		creds: &gitlab.Credentials{AccessToken: "fresh-token", RefreshToken: "refresh-2"},
		block: make(chan struct{}),
	}
	rc, store, _, _ := newTestCoordinator(t, refresher)
	seedRunningJob(t, store, rc.jobs, true)

	first := make(chan Result, 1)
	go func() { first <- rc.HandleRequest(context.Background(), nil, "j1", "401") }()

	// Wait for the first request to reach the provider call.
	waitFor(t, time.Second, func() bool { return refresher.calls() == 1 })

	dup := rc.HandleRequest(context.Background(), nil, "j1", "401")
	if !dup.Success || dup.Message != "refresh already in flight" {
		t.Errorf("duplicate = %+v, want in-flight short circuit", dup)
	}
	if refresher.calls() != 1 {
		t.Errorf("refresher calls = %d, want 1", refresher.calls())
	}

	close(refresher.block)
	if res := <-first; !res.Success {
		t.Errorf("first request = %+v, want success", res)
	}
}
