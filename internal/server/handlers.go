package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ehrlich-b/trawl/internal/protocol"
	"github.com/ehrlich-b/trawl/internal/storage"
)

func (s *Server) registerHandlers() {
	s.router.Register(protocol.TypeHeartbeat, 0, HandlerFunc(s.handleHeartbeat))
	s.router.Register(protocol.TypeJobRequest, 0, HandlerFunc(s.handleJobRequest))
	s.router.Register(protocol.TypeJobStarted, 0, HandlerFunc(s.handleJobStarted))
	s.router.Register(protocol.TypeJobProgress, 0, HandlerFunc(s.handleJobProgress))
	s.router.Register(protocol.TypeJobCompleted, 0, HandlerFunc(s.handleJobCompleted))
	s.router.Register(protocol.TypeJobFailed, 0, HandlerFunc(s.handleJobFailed))
	s.router.Register(protocol.TypeJobsDiscovered, 0, HandlerFunc(s.handleJobsDiscovered))
	s.router.Register(protocol.TypeTokenRefreshRequest, 0, HandlerFunc(s.handleTokenRefresh))
	s.router.Register(protocol.TypeDiscovery, 0, HandlerFunc(s.handleDiscovery))
}

func (s *Server) handleHeartbeat(ctx context.Context, conn *Conn, msg *protocol.Message) Result {
	hb, err := protocol.DecodePayload[protocol.Heartbeat](msg.Data)
	if err != nil {
		return Result{Message: err.Error()}
	}
	conn.recordWorkerStatus(hb.ActiveJobs, hb.TotalProcessed, hb.SystemStatus)
	s.bridge.Emit(EventHeartbeat, "", map[string]any{
		"connection":     conn.ID,
		"activeJobs":     hb.ActiveJobs,
		"totalProcessed": hb.TotalProcessed,
		"systemStatus":   hb.SystemStatus,
	})
	return Result{Success: true}
}

func (s *Server) handleJobRequest(ctx context.Context, conn *Conn, msg *protocol.Message) Result {
	req, err := protocol.DecodePayload[protocol.JobRequest](msg.Data)
	if err != nil {
		return Result{Message: err.Error()}
	}
	jobs, err := s.jobs.GetAvailable(ctx, conn.ID, req.MaxJobs)
	if err != nil {
		s.log.Error("claiming jobs failed", "conn", conn.ID, "error", err)
		return Result{Message: "claim failed"}
	}

	accounts := make(map[string]*storage.Account)
	descriptors := make([]protocol.JobDescriptor, 0, len(jobs))
	for _, job := range jobs {
		account, ok := accounts[job.AccountID]
		if !ok {
			account, err = s.store.GetAccount(ctx, job.AccountID)
			if err != nil {
				s.log.Warn("claimed job without account", "job", job.ID, "account", job.AccountID, "error", err)
				continue
			}
			accounts[job.AccountID] = account
		}
		descriptors = append(descriptors, descriptorFor(job, account))
	}

	// The reply goes out even when empty so the worker's poll completes.
	if err := conn.Send(protocol.TypeJobResponse, "", &protocol.JobResponse{Jobs: descriptors}); err != nil {
		s.log.Warn("sending job response failed", "conn", conn.ID, "error", err)
		return Result{Message: "send failed"}
	}
	if len(descriptors) > 0 {
		s.log.Info("jobs handed out", "conn", conn.ID, "count", len(descriptors))
	}
	return Result{Success: true}
}

func descriptorFor(job *storage.Job, account *storage.Account) protocol.JobDescriptor {
	options := map[string]string{}
	if job.FullPath != "" {
		options["full_path"] = job.FullPath
	}
	var prov provenance
	if len(job.Progress) > 0 {
		_ = json.Unmarshal(job.Progress, &prov)
	}
	if prov.EntityID != "" {
		options["id"] = prov.EntityID
	}
	gitlabURL := job.APIBaseURL
	if gitlabURL == "" {
		gitlabURL = account.APIBaseURL
	}
	desc := protocol.JobDescriptor{
		ID:          job.ID,
		Command:     job.Command,
		EntityType:  prov.EntityType,
		EntityID:    prov.EntityID,
		FullPath:    job.FullPath,
		GitlabURL:   gitlabURL,
		AccessToken: account.AccessToken,
		Options:     options,
	}
	if len(job.ResumeState) > 0 {
		var rs protocol.ResumeState
		if err := json.Unmarshal(job.ResumeState, &rs); err == nil {
			desc.ResumeState = &rs
		}
	}
	return desc
}

func (s *Server) handleJobStarted(ctx context.Context, conn *Conn, msg *protocol.Message) Result {
	started, err := protocol.DecodePayload[protocol.JobStarted](msg.Data)
	if err != nil {
		return Result{Message: err.Error()}
	}
	return s.lifecycleResult(msg, s.jobs.MarkStarted(ctx, msg.JobID, conn.ID, started.Metadata))
}

func (s *Server) handleJobProgress(ctx context.Context, conn *Conn, msg *protocol.Message) Result {
	progress, err := protocol.DecodePayload[protocol.JobProgress](msg.Data)
	if err != nil {
		return Result{Message: err.Error()}
	}
	return s.lifecycleResult(msg, s.jobs.UpdateProgress(ctx, msg.JobID, conn.ID, &progress))
}

func (s *Server) handleJobCompleted(ctx context.Context, conn *Conn, msg *protocol.Message) Result {
	completed, err := protocol.DecodePayload[protocol.JobCompleted](msg.Data)
	if err != nil {
		return Result{Message: err.Error()}
	}
	return s.lifecycleResult(msg, s.jobs.MarkCompleted(ctx, msg.JobID, &completed))
}

func (s *Server) handleJobFailed(ctx context.Context, conn *Conn, msg *protocol.Message) Result {
	failed, err := protocol.DecodePayload[protocol.JobFailed](msg.Data)
	if err != nil {
		return Result{Message: err.Error()}
	}
	return s.lifecycleResult(msg, s.jobs.MarkFailed(ctx, msg.JobID, &failed))
}

// lifecycleResult maps a lifecycle error to a handler result. Illegal
// transitions are the normal aftermath of races (a terminal report
// arriving after a disconnect cleanup) and are ignored rather than
// retried.
func (s *Server) lifecycleResult(msg *protocol.Message, err error) Result {
	switch {
	case err == nil:
		return Result{Success: true}
	case errors.Is(err, storage.ErrIllegalTransition):
		s.log.Warn("ignoring illegal transition", "type", msg.Type, "job", msg.JobID, "error", err)
		return Result{Success: true, Message: "ignored"}
	case errors.Is(err, storage.ErrNotFound):
		s.log.Warn("lifecycle report for unknown job", "type", msg.Type, "job", msg.JobID)
		return Result{Message: "unknown job"}
	default:
		s.log.Error("lifecycle update failed", "type", msg.Type, "job", msg.JobID, "error", err)
		return Result{Message: err.Error()}
	}
}

func (s *Server) handleJobsDiscovered(ctx context.Context, conn *Conn, msg *protocol.Message) Result {
	batch, err := protocol.DecodePayload[protocol.JobsDiscovered](msg.Data)
	if err != nil {
		return Result{Message: err.Error()}
	}
	if _, err := s.discovery.Expand(ctx, msg.JobID, &batch); err != nil {
		s.log.Error("discovery expansion failed", "job", msg.JobID, "error", err)
		return Result{Message: err.Error()}
	}
	return Result{Success: true}
}

func (s *Server) handleTokenRefresh(ctx context.Context, conn *Conn, msg *protocol.Message) Result {
	req, err := protocol.DecodePayload[protocol.TokenRefreshRequest](msg.Data)
	if err != nil {
		return Result{Message: err.Error()}
	}
	return s.refresh.HandleRequest(ctx, conn, msg.JobID, req.Reason)
}

func (s *Server) handleDiscovery(ctx context.Context, conn *Conn, msg *protocol.Message) Result {
	note, err := protocol.DecodePayload[protocol.Discovery](msg.Data)
	if err != nil {
		return Result{Message: err.Error()}
	}
	s.bridge.Emit(EventDiscovery, msg.JobID, note)
	return Result{Success: true}
}
