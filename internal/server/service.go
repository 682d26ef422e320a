package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/trawl/internal/protocol"
	"github.com/ehrlich-b/trawl/internal/storage"
)

const (
	// progressEventEvery throttles admin-stream progress events per job.
	// The database is still updated on every report.
	progressEventEvery = 5 * time.Second

	// maxJobsPerRequest caps how many jobs a single job_request can claim.
	maxJobsPerRequest = 10
)

// JobService owns the job lifecycle. Every status change funnels through
// Transition, which enforces the legal state machine; callers never write
// statuses to storage directly.
type JobService struct {
	store  storage.Storage
	bridge *Bridge
	log    *slog.Logger

	sendFailed        bool
	assignmentTimeout time.Duration

	mu        sync.Mutex
	lastEvent map[string]time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJobService wires the lifecycle service. sendFailed controls whether
// recoverable failed jobs are handed out again on job_request.
func NewJobService(store storage.Storage, bridge *Bridge, sendFailed bool, assignmentTimeout time.Duration, log *slog.Logger) *JobService {
	if log == nil {
		log = slog.Default()
	}
	return &JobService{
		store:             store,
		bridge:            bridge,
		log:               log,
		sendFailed:        sendFailed,
		assignmentTimeout: assignmentTimeout,
		lastEvent:         make(map[string]time.Time),
		done:              make(chan struct{}),
	}
}

// Start launches the stale-assignment sweeper when an assignment timeout
// is configured.
func (s *JobService) Start() {
	if s.assignmentTimeout <= 0 {
		return
	}
	s.wg.Add(1)
	go s.requeueLoop()
}

// Stop halts background work and waits for it to finish.
func (s *JobService) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func canTransition(from, to storage.JobStatus) bool {
	switch from {
	case storage.JobStatusQueued:
		return to == storage.JobStatusRunning || to == storage.JobStatusFailed
	case storage.JobStatusRunning:
		return to == storage.JobStatusPaused || to == storage.JobStatusFinished ||
			to == storage.JobStatusFailed || to == storage.JobStatusWaitingCredentialRenewal
	case storage.JobStatusPaused:
		return to == storage.JobStatusQueued
	case storage.JobStatusWaitingCredentialRenewal:
		return to == storage.JobStatusRunning || to == storage.JobStatusFailed
	default:
		return false
	}
}

// Transition moves a job to a new status after checking the move is
// legal. Illegal moves return storage.ErrIllegalTransition and leave the
// job untouched.
func (s *JobService) Transition(ctx context.Context, jobID string, to storage.JobStatus) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !canTransition(job.Status, to) {
		return fmt.Errorf("%s: %s -> %s: %w", jobID, job.Status, to, storage.ErrIllegalTransition)
	}
	return s.store.UpdateJobStatus(ctx, jobID, to)
}

// GetAvailable claims up to limit queued jobs for a connection. Jobs on
// accounts without an access token are never handed out; recoverable
// failed jobs are included only when send_failed_to_worker is on.
func (s *JobService) GetAvailable(ctx context.Context, connID string, limit int) ([]*storage.Job, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxJobsPerRequest {
		limit = maxJobsPerRequest
	}
	return s.store.ClaimQueuedJobs(ctx, limit, s.sendFailed, connID)
}

// MarkStarted records a worker picking up a job. Metadata from the
// worker is merged into the job's progress record.
func (s *JobService) MarkStarted(ctx context.Context, jobID, connID string, metadata map[string]any) error {
	if err := s.Transition(ctx, jobID, storage.JobStatusRunning); err != nil {
		return err
	}
	if len(metadata) > 0 {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		merged := mergeProgress(job.Progress, metadata)
		if err := s.store.UpdateJobProgress(ctx, jobID, merged); err != nil {
			return err
		}
	}
	s.bridge.Emit(EventJobStarted, jobID, map[string]any{"connection": connID})
	return nil
}

// UpdateProgress merges a progress report into the stored record and
// replaces the resume state when the report carries one. Reports against
// terminal jobs are rejected.
func (s *JobService) UpdateProgress(ctx context.Context, jobID, connID string, p *protocol.JobProgress) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%s: progress on %s job: %w", jobID, job.Status, storage.ErrIllegalTransition)
	}

	patch := map[string]any{
		"stage":       p.Stage,
		"last_update": time.Now().UTC().Format(time.RFC3339),
	}
	if p.Message != "" {
		patch["message"] = p.Message
	}
	if p.EntityType != "" {
		patch["entities"] = map[string]any{p.EntityType: p.Processed}
	}
	if p.Total > 0 {
		completion := float64(p.Processed) / float64(p.Total)
		if completion > 1 {
			completion = 1
		}
		patch["overall_completion"] = completion
	}
	if err := s.store.UpdateJobProgress(ctx, jobID, mergeProgress(job.Progress, patch)); err != nil {
		return err
	}
	if p.ResumeState != nil {
		raw, err := json.Marshal(p.ResumeState)
		if err != nil {
			return fmt.Errorf("encode resume state: %w", err)
		}
		if err := s.store.ReplaceResumeState(ctx, jobID, raw); err != nil {
			return err
		}
	}
	if s.shouldEmit(jobID) {
		s.bridge.Emit(EventJobProgress, jobID, map[string]any{
			"connection": connID,
			"stage":      p.Stage,
			"entityType": p.EntityType,
			"processed":  p.Processed,
			"total":      p.Total,
			"message":    p.Message,
		})
	}
	return nil
}

// MarkCompleted finishes a job and clears its resume state.
func (s *JobService) MarkCompleted(ctx context.Context, jobID string, final *protocol.JobCompleted) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !canTransition(job.Status, storage.JobStatusFinished) {
		return fmt.Errorf("%s: %s -> %s: %w", jobID, job.Status, storage.JobStatusFinished, storage.ErrIllegalTransition)
	}

	patch := map[string]any{
		"overall_completion": 1.0,
		"last_update":        time.Now().UTC().Format(time.RFC3339),
	}
	if final != nil {
		if len(final.FinalCounts) > 0 {
			entities := make(map[string]any, len(final.FinalCounts))
			for k, v := range final.FinalCounts {
				entities[k] = v
			}
			patch["entities"] = entities
		}
		if final.Message != "" {
			patch["message"] = final.Message
		}
	}
	if err := s.store.MarkJobCompleted(ctx, jobID, mergeProgress(job.Progress, patch)); err != nil {
		return err
	}
	s.forget(jobID)
	s.bridge.Emit(EventJobCompleted, jobID, final)
	return nil
}

// MarkFailed fails a job. Recoverable failures keep (or refresh) the
// resume state so a retry can continue where the worker stopped;
// non-recoverable failures discard it.
func (s *JobService) MarkFailed(ctx context.Context, jobID string, f *protocol.JobFailed) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !canTransition(job.Status, storage.JobStatusFailed) {
		return fmt.Errorf("%s: %s -> %s: %w", jobID, job.Status, storage.JobStatusFailed, storage.ErrIllegalTransition)
	}

	recoverable := f != nil && f.IsRecoverable
	if f != nil {
		patch := map[string]any{
			"stage":       "failed",
			"error":       f.Error,
			"last_update": time.Now().UTC().Format(time.RFC3339),
		}
		if len(f.PartialCounts) > 0 {
			entities := make(map[string]any, len(f.PartialCounts))
			for k, v := range f.PartialCounts {
				entities[k] = v
			}
			patch["entities"] = entities
		}
		if err := s.store.UpdateJobProgress(ctx, jobID, mergeProgress(job.Progress, patch)); err != nil {
			return err
		}
		if recoverable && f.ResumeState != nil {
			raw, merr := json.Marshal(f.ResumeState)
			if merr != nil {
				return fmt.Errorf("encode resume state: %w", merr)
			}
			if err := s.store.ReplaceResumeState(ctx, jobID, raw); err != nil {
				return err
			}
		}
	}
	if !recoverable {
		if err := s.store.ReplaceResumeState(ctx, jobID, nil); err != nil {
			return err
		}
	}
	if err := s.store.MarkJobFailed(ctx, jobID, recoverable); err != nil {
		return err
	}
	if f != nil {
		rec := &storage.JobError{
			JobID:       jobID,
			Error:       f.Error,
			ErrorType:   f.ErrorType,
			Recoverable: recoverable,
		}
		if err := s.store.AppendJobError(ctx, rec); err != nil {
			s.log.Warn("recording job error failed", "job", jobID, "error", err)
		}
	}
	s.forget(jobID)
	s.bridge.Emit(EventJobFailed, jobID, f)
	return nil
}

// HandleDisconnect fails every non-terminal job assigned to a vanished
// connection as recoverable so it can be claimed again.
func (s *JobService) HandleDisconnect(ctx context.Context, connID string) {
	for _, status := range []storage.JobStatus{storage.JobStatusRunning, storage.JobStatusWaitingCredentialRenewal} {
		jobs, err := s.store.ListJobs(ctx, storage.JobFilter{Status: status})
		if err != nil {
			s.log.Error("listing jobs for disconnect cleanup failed", "status", status, "error", err)
			continue
		}
		for _, job := range jobs {
			if job.AssignedTo != connID {
				continue
			}
			err := s.MarkFailed(ctx, job.ID, &protocol.JobFailed{
				Error:         "connection lost",
				ErrorType:     "connection",
				IsRecoverable: true,
			})
			if err != nil {
				s.log.Error("failing orphaned job failed", "job", job.ID, "error", err)
				continue
			}
			s.log.Info("orphaned job failed for retry", "job", job.ID, "conn", connID)
		}
	}
}

func (s *JobService) requeueLoop() {
	defer s.wg.Done()
	interval := s.assignmentTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.store.ReleaseStaleAssignments(context.Background(), s.assignmentTimeout)
			if err != nil {
				s.log.Error("releasing stale assignments failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("released stale assignments", "count", n)
			}
		}
	}
}

func (s *JobService) shouldEmit(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if last, ok := s.lastEvent[jobID]; ok && now.Sub(last) < progressEventEvery {
		return false
	}
	s.lastEvent[jobID] = now
	return true
}

func (s *JobService) forget(jobID string) {
	s.mu.Lock()
	delete(s.lastEvent, jobID)
	s.mu.Unlock()
}

// mergeProgress overlays patch onto the stored progress object. Nested
// "entities" maps merge by key; everything else is replaced.
func mergeProgress(base json.RawMessage, patch map[string]any) json.RawMessage {
	merged := make(map[string]any)
	if len(base) > 0 {
		// A corrupt stored blob starts the merge from scratch.
		_ = json.Unmarshal(base, &merged)
	}
	for k, v := range patch {
		if k == "entities" {
			patchEntities, ok := v.(map[string]any)
			if !ok {
				merged[k] = v
				continue
			}
			existing, _ := merged[k].(map[string]any)
			if existing == nil {
				existing = make(map[string]any)
			}
			for ek, ev := range patchEntities {
				existing[ek] = ev
			}
			merged[k] = existing
			continue
		}
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	return out
}
