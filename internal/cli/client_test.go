package cli

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newStubAPI serves canned admin API responses and records the requests
// it saw.
func newStubAPI(t *testing.T) (*httptest.Server, *[]*http.Request) {
	t.Helper()
	var seen []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Clone(r.Context()))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/login":
			fmt.Fprint(w, `{"session":"sess-jwt","subject":"tester"}`)
		case r.URL.Path == "/api/status":
			fmt.Fprint(w, `{"version":"dev","uptime":"1m","connections":2,"jobs":{"queued":3}}`)
		case r.URL.Path == "/api/jobs" && r.Method == http.MethodGet:
			fmt.Fprint(w, `[{"id":"j1","command":"FETCH_ISSUES","status":"queued","account_id":"a1","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}]`)
		case r.URL.Path == "/api/jobs" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"j_new","command":"GROUP_PROJECT_DISCOVERY","status":"queued","account_id":"a1","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`)
		case r.URL.Path == "/api/jobs/ghost":
			http.Error(w, "job not found", http.StatusNotFound)
		default:
			http.Error(w, "unexpected path "+r.URL.Path, http.StatusTeapot)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestClientSendsBearerToken(t *testing.T) {
	srv, seen := newStubAPI(t)
	client := NewClient(srv.URL, "tok-123")

	if _, err := client.Status(); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := (*seen)[0].Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestClientLogin(t *testing.T) {
	srv, _ := newStubAPI(t)
	client := NewClient(srv.URL, "")

	session, subject, err := client.Login("admin-token")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session != "sess-jwt" || subject != "tester" {
		t.Errorf("Login = %q / %q", session, subject)
	}
}

func TestClientListJobsEncodesFilter(t *testing.T) {
	srv, seen := newStubAPI(t)
	client := NewClient(srv.URL, "tok")

	jobs, err := client.ListJobs(JobFilter{Status: "queued", Command: "FETCH_ISSUES", Limit: 10})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Errorf("jobs = %+v", jobs)
	}
	q := (*seen)[0].URL.Query()
	if q.Get("status") != "queued" || q.Get("command") != "FETCH_ISSUES" || q.Get("limit") != "10" {
		t.Errorf("query = %v", q)
	}
}

func TestClientCreateJob(t *testing.T) {
	srv, seen := newStubAPI(t)
	client := NewClient(srv.URL, "tok")

	job, err := client.CreateJob(CreateJobRequest{Command: "GROUP_PROJECT_DISCOVERY", AccountID: "a1"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.ID != "j_new" {
		t.Errorf("job = %+v", job)
	}
	if ct := (*seen)[0].Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestClientSurfacesServerErrors(t *testing.T) {
	srv, _ := newStubAPI(t)
	client := NewClient(srv.URL, "tok")

	_, err := client.GetJob("ghost")
	if err == nil {
		t.Fatal("GetJob(ghost) succeeded")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "job not found") {
		t.Errorf("error = %v, want status and body", err)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig (missing file): %v", err)
	}
	if len(cfg.Servers) != 0 {
		t.Fatalf("fresh config has %d servers", len(cfg.Servers))
	}

	cfg.SetEntry("http://127.0.0.1:8487", ServerEntry{
		URL:     "http://127.0.0.1:8487",
		Session: "sess-jwt",
		Subject: "tester",
	})
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig (after save): %v", err)
	}
	entry := loaded.Entry("http://127.0.0.1:8487")
	if entry == nil || entry.Session != "sess-jwt" || entry.Subject != "tester" {
		t.Errorf("entry = %+v", entry)
	}
	if loaded.Entry("http://elsewhere") != nil {
		t.Error("unknown server matched an entry")
	}
}

func TestRelativeTime(t *testing.T) {
	now := time.Now()
	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Time{}, "-"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-time.Minute - time.Second), "1 minute ago"},
		{now.Add(-30 * time.Minute), "30 minutes ago"},
		{now.Add(-time.Hour - time.Minute), "1 hour ago"},
		{now.Add(-26 * time.Hour), "1 day ago"},
		{now.Add(-72 * time.Hour), "3 days ago"},
	}
	for _, tt := range tests {
		if got := RelativeTime(tt.t); got != tt.want {
			t.Errorf("RelativeTime(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestStatusSymbol(t *testing.T) {
	for _, status := range []string{"finished", "failed", "running", "queued", "paused", "waiting_credential_renewal"} {
		if got := StatusSymbol(status); got == "?" {
			t.Errorf("StatusSymbol(%q) = ?, want a symbol", status)
		}
	}
	if got := StatusSymbol("levitating"); got != "?" {
		t.Errorf("StatusSymbol(unknown) = %q, want ?", got)
	}
}
