package worker

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ehrlich-b/trawl/internal/anonymize"
	"github.com/ehrlich-b/trawl/internal/artifact"
	"github.com/ehrlich-b/trawl/internal/gitlab"
	"github.com/ehrlich-b/trawl/internal/protocol"
)

type recordedMsg struct {
	Type    string
	JobID   string
	Payload any
}

// recorder captures Reporter traffic for assertions.
type recorder struct {
	mu           sync.Mutex
	msgs         []recordedMsg
	refreshResp  *protocol.TokenRefreshResponse
	refreshErr   error
	refreshCalls int
}

func (r *recorder) Emit(msgType, jobID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, recordedMsg{Type: msgType, JobID: jobID, Payload: payload})
}

func (r *recorder) RequestTokenRefresh(ctx context.Context, jobID, reason string) (*protocol.TokenRefreshResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshCalls++
	if r.refreshErr != nil {
		return nil, r.refreshErr
	}
	if r.refreshResp == nil {
		return &protocol.TokenRefreshResponse{RefreshSuccessful: false}, nil
	}
	return r.refreshResp, nil
}

func (r *recorder) byType(msgType string) []recordedMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedMsg
	for _, m := range r.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func newTestProcessor(t *testing.T, rep *recorder) (*Processor, string) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := artifact.NewFilesystemStore(dataDir, nil)
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	anon := anonymize.New("test-secret", nil)
	return NewProcessor(3, store, anon, nil, rep, nil), dataDir
}

func readGzipped(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	return string(data)
}

func issuePage(n, offset int) []map[string]any {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"id":          offset + i,
			"title":       fmt.Sprintf("issue %d", offset+i),
			"author_name": "Alice Smith",
		}
	}
	return items
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		template string
		options  map[string]string
		want     string
		missing  []string
	}{
		{
			name:     "no params",
			template: "/api/v4/groups",
			options:  nil,
			want:     "/api/v4/groups",
		},
		{
			name:     "id resolved",
			template: "/api/v4/projects/:id/issues",
			options:  map[string]string{"id": "42"},
			want:     "/api/v4/projects/42/issues",
		},
		{
			name:     "resourceId alias",
			template: "/api/v4/projects/:id/issues",
			options:  map[string]string{"resourceId": "42"},
			want:     "/api/v4/projects/42/issues",
		},
		{
			name:     "group_id falls back to id",
			template: "/api/v4/groups/:group_id/epics",
			options:  map[string]string{"id": "9"},
			want:     "/api/v4/groups/9/epics",
		},
		{
			name:     "missing pipeline_id",
			template: "/api/v4/projects/:id/pipelines/:pipeline_id/jobs",
			options:  map[string]string{"id": "42"},
			missing:  []string{"pipeline_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, missing := resolveEndpoint(tt.template, tt.options)
			if len(tt.missing) > 0 {
				if len(missing) != len(tt.missing) || missing[0] != tt.missing[0] {
					t.Fatalf("missing = %v, want %v", missing, tt.missing)
				}
				return
			}
			if len(missing) > 0 {
				t.Fatalf("unexpected missing params: %v", missing)
			}
			if got != tt.want {
				t.Errorf("resolved = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCollectionMissingParamsIsNoOp(t *testing.T) {
	rep := &recorder{}
	p, _ := newTestProcessor(t, rep)

	requests := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer ts.Close()

	p.Run(context.Background(), &protocol.JobDescriptor{
		ID:        "J-noop",
		Command:   protocol.CmdFetchIssues,
		GitlabURL: ts.URL,
	})

	if requests != 0 {
		t.Errorf("expected no HTTP requests, got %d", requests)
	}

	progress := rep.byType(protocol.TypeJobProgress)
	if len(progress) != 1 {
		t.Fatalf("expected 1 progress message, got %d", len(progress))
	}
	pr := progress[0].Payload.(*protocol.JobProgress)
	if pr.Stage != protocol.StageCompleted || pr.Processed != 0 {
		t.Errorf("progress = %+v, want completed/0", pr)
	}
	if !strings.Contains(pr.Message, "missing parameters: id") {
		t.Errorf("message = %q, want missing parameters", pr.Message)
	}

	completed := rep.byType(protocol.TypeJobCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed message, got %d", len(completed))
	}
	done := completed[0].Payload.(*protocol.JobCompleted)
	if !done.Success || done.FinalCounts["issues"] != 0 {
		t.Errorf("completed = %+v, want success with zero issues", done)
	}
	if len(rep.byType(protocol.TypeJobFailed)) != 0 {
		t.Error("no-op job must not fail")
	}
}

func TestCollectionPaginatesAndAnonymizes(t *testing.T) {
	rep := &recorder{}
	p, dataDir := newTestProcessor(t, rep)

	var pages []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/projects/7/issues" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer T1" {
			t.Errorf("Authorization = %q", got)
		}
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		switch page {
		case "1":
			json.NewEncoder(w).Encode(issuePage(gitlab.PerPage, 0))
		case "2":
			json.NewEncoder(w).Encode(issuePage(1, gitlab.PerPage))
		default:
			t.Errorf("unexpected page %s", page)
			json.NewEncoder(w).Encode([]any{})
		}
	}))
	defer ts.Close()

	p.Run(context.Background(), &protocol.JobDescriptor{
		ID:          "J1",
		Command:     protocol.CmdFetchIssues,
		GitlabURL:   ts.URL,
		AccessToken: "T1",
		Options:     map[string]string{"id": "7"},
	})

	if len(pages) != 2 {
		t.Fatalf("fetched pages %v, want exactly 2", pages)
	}

	completed := rep.byType(protocol.TypeJobCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed message, got %d (failed: %v)", len(completed), rep.byType(protocol.TypeJobFailed))
	}
	done := completed[0].Payload.(*protocol.JobCompleted)
	if done.FinalCounts["issues"] != gitlab.PerPage+1 {
		t.Errorf("finalCounts = %v, want %d issues", done.FinalCounts, gitlab.PerPage+1)
	}

	stored := readGzipped(t, filepath.Join(dataDir, "areas", "issues", "7", "issues.ndjson.gz"))
	if strings.Contains(stored, "Alice Smith") {
		t.Error("stored entities still contain the raw author name")
	}
	digest := anonymize.New("test-secret", nil).Digest("Alice Smith")
	if !strings.Contains(stored, digest) {
		t.Error("stored entities missing the anonymized digest")
	}
}

func TestCollectionRenewsTokenOn401(t *testing.T) {
	rep := &recorder{refreshResp: &protocol.TokenRefreshResponse{
		AccessToken:       "T2",
		RefreshSuccessful: true,
	}}
	p, _ := newTestProcessor(t, rep)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer T2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(issuePage(2, 0))
	}))
	defer ts.Close()

	p.Run(context.Background(), &protocol.JobDescriptor{
		ID:          "J2",
		Command:     protocol.CmdFetchIssues,
		GitlabURL:   ts.URL,
		AccessToken: "T1",
		Options:     map[string]string{"id": "7"},
	})

	if rep.refreshCalls != 1 {
		t.Errorf("refreshCalls = %d, want 1", rep.refreshCalls)
	}
	completed := rep.byType(protocol.TypeJobCompleted)
	if len(completed) != 1 {
		t.Fatalf("job should complete after renewal (failed: %v)", rep.byType(protocol.TypeJobFailed))
	}
	if got := completed[0].Payload.(*protocol.JobCompleted).FinalCounts["issues"]; got != 2 {
		t.Errorf("issues = %d, want 2", got)
	}
}

func TestCollectionFailsWhenRefreshDenied(t *testing.T) {
	rep := &recorder{} // refresh responds with RefreshSuccessful=false
	p, _ := newTestProcessor(t, rep)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	p.Run(context.Background(), &protocol.JobDescriptor{
		ID:          "J3",
		Command:     protocol.CmdFetchIssues,
		GitlabURL:   ts.URL,
		AccessToken: "T1",
		Options:     map[string]string{"id": "7"},
	})

	failed := rep.byType(protocol.TypeJobFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed message, got %d", len(failed))
	}
	f := failed[0].Payload.(*protocol.JobFailed)
	if f.IsRecoverable {
		t.Error("auth failure must not be recoverable")
	}
	if f.ErrorType != "auth" {
		t.Errorf("errorType = %q, want auth", f.ErrorType)
	}
}

func TestCollectionForbiddenIsNotRecoverable(t *testing.T) {
	rep := &recorder{}
	p, _ := newTestProcessor(t, rep)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	p.Run(context.Background(), &protocol.JobDescriptor{
		ID:          "J4",
		Command:     protocol.CmdFetchBranches,
		GitlabURL:   ts.URL,
		AccessToken: "T1",
		Options:     map[string]string{"id": "7"},
	})

	failed := rep.byType(protocol.TypeJobFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed message, got %d", len(failed))
	}
	f := failed[0].Payload.(*protocol.JobFailed)
	if f.IsRecoverable || f.ErrorType != "permission" {
		t.Errorf("failure = %+v, want non-recoverable permission", f)
	}
}

func TestCollectionServerErrorIsRecoverable(t *testing.T) {
	rep := &recorder{}
	p, _ := newTestProcessor(t, rep)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	p.Run(context.Background(), &protocol.JobDescriptor{
		ID:          "J5",
		Command:     protocol.CmdFetchCommits,
		GitlabURL:   ts.URL,
		AccessToken: "T1",
		Options:     map[string]string{"id": "7"},
	})

	failed := rep.byType(protocol.TypeJobFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed message, got %d", len(failed))
	}
	f := failed[0].Payload.(*protocol.JobFailed)
	if !f.IsRecoverable || f.ErrorType != "upstream" {
		t.Errorf("failure = %+v, want recoverable upstream", f)
	}
}

func TestEntityTypeFiltersEndpoints(t *testing.T) {
	rep := &recorder{}
	p, _ := newTestProcessor(t, rep)

	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode([]any{})
	}))
	defer ts.Close()

	// A project-scoped milestone fetch must not touch the group endpoint.
	p.Run(context.Background(), &protocol.JobDescriptor{
		ID:          "J6",
		Command:     protocol.CmdFetchMilestones,
		EntityType:  "project",
		GitlabURL:   ts.URL,
		AccessToken: "T1",
		Options:     map[string]string{"id": "7"},
	})

	if len(paths) != 1 || paths[0] != "/api/v4/projects/7/milestones" {
		t.Errorf("paths = %v, want only the project milestones endpoint", paths)
	}
}

func TestDiscoveryEmitsAreasAndJobs(t *testing.T) {
	rep := &recorder{}
	p, dataDir := newTestProcessor(t, rep)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/groups":
			fmt.Fprint(w, `[{"id":1,"full_path":"g","name":"g"}]`)
		case "/api/v4/groups/1/projects":
			fmt.Fprint(w, `[{"id":101,"path_with_namespace":"g/p","name":"p","namespace":{"id":1,"full_path":"g"}}]`)
		case "/api/v4/projects":
			fmt.Fprint(w, `[{"id":101,"path_with_namespace":"g/p","name":"p","namespace":{"id":1,"full_path":"g"}}]`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	p.Run(context.Background(), &protocol.JobDescriptor{
		ID:          "D",
		Command:     protocol.CmdGroupProjectDiscovery,
		GitlabURL:   ts.URL,
		AccessToken: "T1",
	})

	batches := rep.byType(protocol.TypeJobsDiscovered)
	if len(batches) != 1 {
		t.Fatalf("expected exactly 1 jobs_discovered, got %d", len(batches))
	}
	batch := batches[0].Payload.(*protocol.JobsDiscovered)
	if batch.DiscoverySummary.TotalGroups != 1 || batch.DiscoverySummary.TotalProjects != 1 {
		t.Errorf("summary = %+v, want 1 group / 1 project", batch.DiscoverySummary)
	}
	if len(batch.DiscoveredJobs) != 2 {
		t.Fatalf("discovered %d jobs, want 2 (project deduplicated)", len(batch.DiscoveredJobs))
	}
	if batch.DiscoveredJobs[0].JobType != protocol.JobTypeCrawlGroup || batch.DiscoveredJobs[0].NamespacePath != "g" {
		t.Errorf("first entry = %+v, want crawl_group g", batch.DiscoveredJobs[0])
	}
	if batch.DiscoveredJobs[1].JobType != protocol.JobTypeCrawlProject || batch.DiscoveredJobs[1].NamespacePath != "g/p" {
		t.Errorf("second entry = %+v, want crawl_project g/p", batch.DiscoveredJobs[1])
	}

	if len(rep.byType(protocol.TypeJobCompleted)) != 1 {
		t.Fatalf("discovery should complete (failed: %v)", rep.byType(protocol.TypeJobFailed))
	}
	if len(rep.byType(protocol.TypeDiscovery)) == 0 {
		t.Error("expected mid-discovery notes")
	}

	stored := readGzipped(t, filepath.Join(dataDir, "areas", "discovery", "areas.ndjson.gz"))
	if !strings.Contains(stored, `"full_path":"g"`) || !strings.Contains(stored, `"full_path":"g/p"`) {
		t.Errorf("persisted area list incomplete: %s", stored)
	}
}

func TestDiscoveryIsIdempotent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/groups":
			fmt.Fprint(w, `[{"id":1,"full_path":"g","name":"g"}]`)
		case "/api/v4/groups/1/projects", "/api/v4/projects":
			fmt.Fprint(w, `[{"id":101,"path_with_namespace":"g/p","name":"p"}]`)
		default:
			http.NotFound(w, r)
		}
	})

	var batches []*protocol.JobsDiscovered
	for run := 0; run < 2; run++ {
		rep := &recorder{}
		p, _ := newTestProcessor(t, rep)
		ts := httptest.NewServer(handler)
		p.Run(context.Background(), &protocol.JobDescriptor{
			ID:          fmt.Sprintf("D%d", run),
			Command:     protocol.CmdGroupProjectDiscovery,
			GitlabURL:   ts.URL,
			AccessToken: "T1",
		})
		ts.Close()
		got := rep.byType(protocol.TypeJobsDiscovered)
		if len(got) != 1 {
			t.Fatalf("run %d: expected 1 batch, got %d", run, len(got))
		}
		batches = append(batches, got[0].Payload.(*protocol.JobsDiscovered))
	}

	first, _ := json.Marshal(batches[0])
	second, _ := json.Marshal(batches[1])
	if string(first) != string(second) {
		t.Errorf("discovery batches differ across identical runs:\n%s\n%s", first, second)
	}
}

func TestStubJobStoresFixedRecord(t *testing.T) {
	rep := &recorder{}
	p, dataDir := newTestProcessor(t, rep)

	p.Run(context.Background(), &protocol.JobDescriptor{
		ID:      "T",
		Command: protocol.CmdTestType,
	})

	completed := rep.byType(protocol.TypeJobCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected completion, got failures %v", rep.byType(protocol.TypeJobFailed))
	}
	if got := completed[0].Payload.(*protocol.JobCompleted).FinalCounts["test"]; got != 1 {
		t.Errorf("test count = %d, want 1", got)
	}
	stored := readGzipped(t, filepath.Join(dataDir, "areas", "test", "test.ndjson.gz"))
	if !strings.Contains(stored, "test_record") {
		t.Errorf("stub record not stored: %s", stored)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		errorType   string
		recoverable bool
	}{
		{"unauthorized", &gitlab.HTTPError{StatusCode: 401, Status: "401"}, "auth", false},
		{"forbidden", &gitlab.HTTPError{StatusCode: 403, Status: "403"}, "permission", false},
		{"server error", &gitlab.HTTPError{StatusCode: 503, Status: "503"}, "upstream", true},
		{"not found", &gitlab.HTTPError{StatusCode: 404, Status: "404"}, "http", false},
		{"parse", &gitlab.ParseError{Snippet: "x", Err: errors.New("bad")}, "parse", true},
		{"canceled", context.Canceled, "canceled", true},
		{"other", errors.New("boom"), "internal", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errorType, recoverable := classify(tt.err)
			if errorType != tt.errorType || recoverable != tt.recoverable {
				t.Errorf("classify = (%q, %v), want (%q, %v)", errorType, recoverable, tt.errorType, tt.recoverable)
			}
		})
	}
}

func TestProcessorSlots(t *testing.T) {
	p := NewProcessor(2, nil, nil, nil, &recorder{}, nil)

	a := &protocol.JobDescriptor{ID: "a", Command: protocol.CmdFetchIssues}
	b := &protocol.JobDescriptor{ID: "b", Command: protocol.CmdGroupProjectDiscovery}
	c := &protocol.JobDescriptor{ID: "c", Command: protocol.CmdFetchCommits}

	if !p.TryAcquire(a) || !p.TryAcquire(b) {
		t.Fatal("first two acquisitions should succeed")
	}
	if p.TryAcquire(c) {
		t.Error("third acquisition should fail, slots full")
	}
	if p.TryAcquire(a) {
		t.Error("duplicate acquisition should fail")
	}
	if got := p.SystemStatus(); got != protocol.StatusDiscovering {
		t.Errorf("status = %q, want discovering while a discovery job runs", got)
	}
	p.release("b")
	if got := p.SystemStatus(); got != protocol.StatusProcessing {
		t.Errorf("status = %q, want processing", got)
	}
	p.release("a")
	if got := p.SystemStatus(); got != protocol.StatusIdle {
		t.Errorf("status = %q, want idle", got)
	}
	if got := p.TotalProcessed(); got != 2 {
		t.Errorf("totalProcessed = %d, want 2", got)
	}
}
