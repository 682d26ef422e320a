// Package worker implements the crawler: a reconnecting socket client that
// polls the control plane for jobs and a processor that executes them
// against the GitLab API.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/trawl/internal/anonymize"
	"github.com/ehrlich-b/trawl/internal/artifact"
	"github.com/ehrlich-b/trawl/internal/gitlab"
	"github.com/ehrlich-b/trawl/internal/protocol"
)

const (
	// progressEvery throttles job_progress emission per job. Terminal-stage
	// reports always go out.
	progressEvery = 5 * time.Second

	// refreshWait is how long a job waits for a token_refresh_response
	// before giving up.
	refreshWait = 15 * time.Second
)

// Reporter delivers worker messages to the control plane. The socket
// client implements it; tests substitute a recorder.
type Reporter interface {
	// Emit queues one outbound message. Delivery is best-effort FIFO and
	// survives reconnects.
	Emit(msgType, jobID string, payload any)

	// RequestTokenRefresh sends a token_refresh_request and blocks until
	// the correlated response arrives or the deadline passes.
	RequestTokenRefresh(ctx context.Context, jobID, reason string) (*protocol.TokenRefreshResponse, error)
}

// Processor executes jobs handed out by the control plane, at most one
// per slot.
type Processor struct {
	slots  int
	store  artifact.Store
	anon   *anonymize.Anonymizer
	budget *Budget
	rep    Reporter
	log    *slog.Logger

	// HTTPClient overrides the client used for GitLab requests (tests).
	HTTPClient *http.Client

	mu          sync.Mutex
	active      map[string]bool // job id -> is discovery
	processed   int
	lastReports map[string]time.Time
}

// NewProcessor wires a processor with its collaborators.
func NewProcessor(slots int, store artifact.Store, anon *anonymize.Anonymizer, budget *Budget, rep Reporter, log *slog.Logger) *Processor {
	if slots < 1 {
		slots = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		slots:       slots,
		store:       store,
		anon:        anon,
		budget:      budget,
		rep:         rep,
		log:         log,
		active:      make(map[string]bool),
		lastReports: make(map[string]time.Time),
	}
}

// ActiveJobs returns the number of jobs currently executing.
func (p *Processor) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// TotalProcessed returns the number of jobs this worker has finished,
// successfully or not.
func (p *Processor) TotalProcessed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

// SystemStatus summarizes the processor for heartbeats.
func (p *Processor) SystemStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) == 0 {
		return protocol.StatusIdle
	}
	for _, discovery := range p.active {
		if discovery {
			return protocol.StatusDiscovering
		}
	}
	return protocol.StatusProcessing
}

// TryAcquire reserves a slot for a job. It refuses when all slots are
// busy or the job is already running here.
func (p *Processor) TryAcquire(desc *protocol.JobDescriptor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) >= p.slots {
		return false
	}
	if _, dup := p.active[desc.ID]; dup {
		return false
	}
	p.active[desc.ID] = protocol.IsDiscoveryCommand(desc.Command)
	return true
}

func (p *Processor) release(jobID string) {
	p.mu.Lock()
	delete(p.active, jobID)
	delete(p.lastReports, jobID)
	p.processed++
	p.mu.Unlock()
}

// task is the internal execution form of a job descriptor.
type task struct {
	id      string
	command string
	apiBase string
	token   string
	options map[string]string
	resume  *protocol.ResumeState
}

func taskFrom(desc *protocol.JobDescriptor) *task {
	options := make(map[string]string, len(desc.Options)+2)
	for k, v := range desc.Options {
		options[k] = v
	}
	if desc.FullPath != "" && options["full_path"] == "" {
		options["full_path"] = desc.FullPath
	}
	if desc.EntityID != "" && options["id"] == "" {
		options["id"] = desc.EntityID
	}
	if desc.EntityType != "" && options["entity_type"] == "" {
		options["entity_type"] = desc.EntityType
	}
	return &task{
		id:      desc.ID,
		command: protocol.NormalizeCommand(desc.Command),
		apiBase: gitlab.NormalizeBaseURL(desc.GitlabURL),
		token:   desc.AccessToken,
		options: options,
		resume:  desc.ResumeState,
	}
}

// Run executes one job to its terminal message. The caller must have
// acquired a slot with TryAcquire first.
func (p *Processor) Run(ctx context.Context, desc *protocol.JobDescriptor) {
	t := taskFrom(desc)
	defer p.release(t.id)

	p.log.Info("job started", "job", t.id, "command", t.command, "base", t.apiBase)
	p.rep.Emit(protocol.TypeJobStarted, t.id, &protocol.JobStarted{
		Metadata: map[string]any{"command": t.command, "api_base": t.apiBase},
	})

	var counts map[string]int
	var err error
	switch {
	case protocol.IsDiscoveryCommand(t.command):
		counts, err = p.runDiscovery(ctx, t)
	case t.command == protocol.CmdTestType:
		counts, err = p.runStub(ctx, t)
	default:
		counts, err = p.runCollection(ctx, t)
	}

	if err != nil {
		errorType, recoverable := classify(err)
		failure := &protocol.JobFailed{
			Error:         err.Error(),
			ErrorType:     errorType,
			IsRecoverable: recoverable,
			PartialCounts: counts,
		}
		if recoverable {
			failure.ResumeState = t.resume
		}
		p.log.Warn("job failed", "job", t.id, "errorType", errorType, "recoverable", recoverable, "error", err)
		p.rep.Emit(protocol.TypeJobFailed, t.id, failure)
		return
	}

	p.log.Info("job completed", "job", t.id, "counts", counts)
	p.rep.Emit(protocol.TypeJobCompleted, t.id, &protocol.JobCompleted{
		Success:     true,
		FinalCounts: counts,
	})
}

// classify maps an execution error onto the failure taxonomy the
// scheduler understands.
func classify(err error) (errorType string, recoverable bool) {
	var he *gitlab.HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusUnauthorized:
			return "auth", false
		case he.StatusCode == http.StatusForbidden:
			return "permission", false
		case he.StatusCode >= 500:
			return "upstream", true
		default:
			return "http", false
		}
	}
	var pe *gitlab.ParseError
	if errors.As(err, &pe) {
		return "parse", true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled", true
	}
	return "internal", false
}

// client builds the API client for a task, sharing the worker-wide
// request budget.
func (p *Processor) client(t *task) *gitlab.Client {
	c := &gitlab.Client{
		BaseURL: t.apiBase,
		Token:   t.token,
		Client:  p.HTTPClient,
		Logger:  p.log,
	}
	if p.budget != nil {
		c.Limiter = &budgetWaiter{p: p, jobID: t.id}
	}
	return c
}

// budgetWaiter adapts the shared budget to one job so stalls surface as
// that job's progress events.
type budgetWaiter struct {
	p     *Processor
	jobID string
}

func (w *budgetWaiter) Wait(ctx context.Context) error {
	return w.p.budget.WaitNotify(ctx, func(d time.Duration) {
		w.p.log.Info("request budget exhausted", "job", w.jobID, "wait", d)
		w.p.rep.Emit(protocol.TypeJobProgress, w.jobID, &protocol.JobProgress{
			Stage:   protocol.StageFetching,
			Message: fmt.Sprintf("rate budget exhausted, pausing %s", d.Round(time.Second)),
		})
	})
}

// progress emits a job_progress report, throttled per job. Completed and
// failed stages always go out.
func (p *Processor) progress(t *task, report *protocol.JobProgress) {
	if report.Stage == protocol.StageFetching || report.Stage == protocol.StageDiscovering {
		p.mu.Lock()
		last, ok := p.lastReports[t.id]
		now := time.Now()
		if ok && now.Sub(last) < progressEvery {
			p.mu.Unlock()
			return
		}
		p.lastReports[t.id] = now
		p.mu.Unlock()
	}
	p.rep.Emit(protocol.TypeJobProgress, t.id, report)
}

// scrub anonymizes one fetched entity. Entities that cannot be scrubbed
// are dropped rather than stored raw.
func (p *Processor) scrub(t *task, item json.RawMessage) (json.RawMessage, bool) {
	if p.anon == nil {
		return item, true
	}
	out, err := p.anon.Scrub(item)
	if err != nil {
		p.log.Warn("dropping unscrubblable entity", "job", t.id, "error", err)
		return nil, false
	}
	return out, true
}

// --- Generic collection ---

// paramAliases lists the option keys that may satisfy a path parameter,
// in lookup order.
func paramAliases(param string) []string {
	switch param {
	case "id", "project_id", "group_id":
		return []string{param, "id", "resourceId"}
	default:
		return []string{param}
	}
}

// resolveEndpoint substitutes :params in a template from the task
// options. Missing parameters are returned by name.
func resolveEndpoint(template string, options map[string]string) (string, []string) {
	var missing []string
	segs := strings.Split(template, "/")
	for i, seg := range segs {
		if !strings.HasPrefix(seg, ":") {
			continue
		}
		param := seg[1:]
		value := ""
		for _, alias := range paramAliases(param) {
			if v := options[alias]; v != "" {
				value = v
				break
			}
		}
		if value == "" {
			missing = append(missing, param)
			continue
		}
		segs[i] = value
	}
	return strings.Join(segs, "/"), missing
}

// endpointsForTask filters a command's endpoint templates by the entity
// kind the job targets, so a project job never hits group endpoints.
func endpointsForTask(t *task) []string {
	templates := protocol.EndpointsFor(t.command)
	kind := t.options["entity_type"]
	if kind != "group" && kind != "project" {
		return templates
	}
	var out []string
	for _, tpl := range templates {
		if kind == "project" && strings.HasPrefix(tpl, "/api/v4/groups/") {
			continue
		}
		if kind == "group" && strings.HasPrefix(tpl, "/api/v4/projects/") {
			continue
		}
		out = append(out, tpl)
	}
	if len(out) == 0 {
		return templates
	}
	return out
}

// storageKey derives where a task's entities land: the area path when
// known, otherwise entity_type/id, otherwise just the entity type.
func storageKey(t *task, entityType string) string {
	if fp := t.options["full_path"]; fp != "" {
		return fp
	}
	if id := t.options["id"]; id != "" {
		return entityType + "/" + id
	}
	return entityType
}

// runCollection fetches every endpoint of a generic command, anonymizes
// and stores the union, and reports per-page progress. Jobs missing
// their path parameters complete successfully with zero items and never
// touch the network.
func (p *Processor) runCollection(ctx context.Context, t *task) (map[string]int, error) {
	entityType := protocol.EntityTypeFor(t.command)

	var endpoints []string
	missingSet := make(map[string]bool)
	for _, tpl := range endpointsForTask(t) {
		resolved, missing := resolveEndpoint(tpl, t.options)
		if len(missing) > 0 {
			for _, m := range missing {
				missingSet[m] = true
			}
			continue
		}
		endpoints = append(endpoints, resolved)
	}
	if len(missingSet) > 0 {
		missing := make([]string, 0, len(missingSet))
		for m := range missingSet {
			missing = append(missing, m)
		}
		sort.Strings(missing)
		p.rep.Emit(protocol.TypeJobProgress, t.id, &protocol.JobProgress{
			Stage:      protocol.StageCompleted,
			EntityType: entityType,
			Processed:  0,
			Message:    "missing parameters: " + strings.Join(missing, ", "),
		})
		return map[string]int{entityType: 0}, nil
	}

	client := p.client(t)
	var items []json.RawMessage
	refreshed := false
	for i, endpoint := range endpoints {
		startPage := 1
		if i == 0 && t.resume != nil && t.resume.CurrentPage > 0 {
			startPage = t.resume.CurrentPage
		}
		for {
			err := client.FetchAll(ctx, endpoint, startPage, func(page *gitlab.Page) error {
				for _, item := range page.Items {
					if scrubbed, ok := p.scrub(t, item); ok {
						items = append(items, scrubbed)
					}
				}
				t.resume = &protocol.ResumeState{CurrentPage: page.Page + 1, EntityType: entityType}
				startPage = page.Page + 1
				p.progress(t, &protocol.JobProgress{
					Stage:       protocol.StageFetching,
					EntityType:  entityType,
					Processed:   len(items),
					ResumeState: t.resume,
				})
				return nil
			})
			if err == nil {
				break
			}
			if isUnauthorized(err) && !refreshed {
				refreshed = true
				if rerr := p.renewToken(ctx, t, client); rerr == nil {
					continue
				}
			}
			return map[string]int{entityType: len(items)}, err
		}
	}

	key := storageKey(t, entityType)
	if len(items) > 0 {
		if err := p.store.Put(ctx, key, entityType, items); err != nil {
			return map[string]int{entityType: 0}, fmt.Errorf("store %s: %w", entityType, err)
		}
		if err := p.store.Finalize(ctx, key); err != nil {
			p.log.Warn("finalize failed", "job", t.id, "key", key, "error", err)
		}
	}
	return map[string]int{entityType: len(items)}, nil
}

func isUnauthorized(err error) bool {
	var he *gitlab.HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusUnauthorized
}

// renewToken asks the control plane for fresh credentials and swaps them
// into the running task. The caller retries the failing request once.
func (p *Processor) renewToken(ctx context.Context, t *task, client *gitlab.Client) error {
	waitCtx, cancel := context.WithTimeout(ctx, refreshWait)
	defer cancel()
	resp, err := p.rep.RequestTokenRefresh(waitCtx, t.id, "401 from upstream")
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	if !resp.RefreshSuccessful || resp.AccessToken == "" {
		return errors.New("token refresh denied")
	}
	t.token = resp.AccessToken
	client.Token = resp.AccessToken
	p.log.Info("token renewed mid-job", "job", t.id)
	return nil
}

// --- Stub jobs ---

// testStub is the fixed record TEST_TYPE jobs store, for exercising the
// pipeline end to end without touching an upstream API.
var testStub = json.RawMessage(`{"kind":"test_record","source":"trawl"}`)

func (p *Processor) runStub(ctx context.Context, t *task) (map[string]int, error) {
	key := storageKey(t, "test")
	if err := p.store.Put(ctx, key, "test", []json.RawMessage{testStub}); err != nil {
		return nil, fmt.Errorf("store stub: %w", err)
	}
	if err := p.store.Finalize(ctx, key); err != nil {
		p.log.Warn("finalize failed", "job", t.id, "key", key, "error", err)
	}
	return map[string]int{"test": 1}, nil
}
