package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ehrlich-b/trawl/internal/protocol"
	"github.com/ehrlich-b/trawl/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// provenance is stored in a spawned job's progress record so the job
// remembers which discovery produced it and which entity it targets.
type provenance struct {
	DiscoveredFrom     string `json:"discovered_from,omitempty"`
	EntityID           string `json:"entity_id,omitempty"`
	EntityType         string `json:"entity_type,omitempty"`
	EntityName         string `json:"entity_name,omitempty"`
	EstimatedSize      int    `json:"estimated_size,omitempty"`
	DiscoveryTimestamp string `json:"discovery_timestamp,omitempty"`
}

// FanOutResult summarizes one discovery expansion.
type FanOutResult struct {
	Parent  string
	Areas   int
	Created []string
	Dropped int
}

// Discovery turns jobs_discovered batches into areas and queued
// collection jobs.
type Discovery struct {
	store    storage.Storage
	jobs     *JobService
	bridge   *Bridge
	log      *slog.Logger
	validate *validator.Validate
}

// NewDiscovery wires the fan-out stage.
func NewDiscovery(store storage.Storage, jobs *JobService, bridge *Bridge, log *slog.Logger) *Discovery {
	if log == nil {
		log = slog.Default()
	}
	return &Discovery{
		store:    store,
		jobs:     jobs,
		bridge:   bridge,
		log:      log,
		validate: validator.New(),
	}
}

// Expand persists the discovered areas and spawns collection jobs for
// one jobs_discovered batch, all in a single transaction. Malformed
// entries are dropped individually; a failed transaction fails the
// parent job as recoverable so the discovery can run again.
func (d *Discovery) Expand(ctx context.Context, parentID string, batch *protocol.JobsDiscovered) (*FanOutResult, error) {
	parent, err := d.store.GetJob(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("load parent %s: %w", parentID, err)
	}

	now := time.Now().UTC()
	res := &FanOutResult{Parent: parentID}
	var areas []*storage.Area
	var jobs []*storage.Job
	for i := range batch.DiscoveredJobs {
		dj := &batch.DiscoveredJobs[i]
		if err := d.validate.Struct(dj); err != nil {
			res.Dropped++
			d.log.Warn("dropping malformed discovery entry", "parent", parentID, "error", err)
			continue
		}
		command, ok := protocol.CommandForJobType(dj.JobType)
		if !ok {
			res.Dropped++
			d.log.Warn("dropping discovery entry with unknown job type", "parent", parentID, "jobType", dj.JobType)
			continue
		}
		if area := areaFor(dj, now); area != nil {
			areas = append(areas, area)
		}
		jobs = append(jobs, d.jobFor(parent, dj, command, now))
		for _, sub := range protocol.SubFanOut(dj.JobType) {
			jobs = append(jobs, d.jobFor(parent, dj, sub, now))
		}
	}

	nudgeOrder(jobs)

	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	parentProgress := mergeProgress(parent.Progress, map[string]any{
		"overall_completion": 1.0,
		"spawned_jobs":       len(jobs),
		"spawned_job_ids":    ids,
		"last_update":        now.Format(time.RFC3339),
	})

	if err := d.store.FanOut(ctx, parentID, parent.AccountID, areas, jobs, parentProgress); err != nil {
		d.failParent(ctx, parentID, err)
		return nil, fmt.Errorf("fan out %s: %w", parentID, err)
	}

	d.touchPriority(ctx, jobs)

	res.Areas = len(areas)
	res.Created = ids
	d.bridge.Emit(EventJobsDiscovered, parentID, map[string]any{
		"areas":          len(areas),
		"jobs_created":   len(jobs),
		"dropped":        res.Dropped,
		"total_groups":   batch.DiscoverySummary.TotalGroups,
		"total_projects": batch.DiscoverySummary.TotalProjects,
	})
	d.log.Info("discovery fan-out complete",
		"parent", parentID,
		"areas", len(areas),
		"jobs", len(jobs),
		"dropped", res.Dropped)
	return res, nil
}

func areaFor(dj *protocol.DiscoveredJob, now time.Time) *storage.Area {
	if dj.NamespacePath == "" {
		return nil
	}
	var areaType storage.AreaType
	switch dj.JobType {
	case protocol.JobTypeCrawlGroup:
		areaType = storage.AreaTypeGroup
	case protocol.JobTypeCrawlProject:
		areaType = storage.AreaTypeProject
	default:
		return nil
	}
	return &storage.Area{
		FullPath:  dj.NamespacePath,
		GitlabID:  dj.EntityID,
		Name:      dj.EntityName,
		Type:      areaType,
		CreatedAt: now,
	}
}

func (d *Discovery) jobFor(parent *storage.Job, dj *protocol.DiscoveredJob, command string, now time.Time) *storage.Job {
	prov, err := json.Marshal(provenance{
		DiscoveredFrom:     parent.ID,
		EntityID:           dj.EntityID,
		EntityType:         entityKind(dj.JobType),
		EntityName:         dj.EntityName,
		EstimatedSize:      dj.EstimatedSize,
		DiscoveryTimestamp: now.Format(time.RFC3339),
	})
	if err != nil {
		prov = nil
	}
	return &storage.Job{
		ID:          uuid.New().String(),
		Command:     command,
		FullPath:    dj.NamespacePath,
		AccountID:   parent.AccountID,
		UserID:      parent.UserID,
		Provider:    parent.Provider,
		APIBaseURL:  parent.APIBaseURL,
		Status:      storage.JobStatusQueued,
		Progress:    prov,
		SpawnedFrom: parent.ID,
	}
}

// nudgeOrder reorders the first three jobs so user fetches land before
// group fetches before project fetches. Claim order within one batch is
// decided by insertion order, so the front of the slice is claimed
// first.
func nudgeOrder(jobs []*storage.Job) {
	n := len(jobs)
	if n > 3 {
		n = 3
	}
	head := jobs[:n]
	sort.SliceStable(head, func(i, j int) bool {
		return commandRank(head[i].Command) < commandRank(head[j].Command)
	})
}

func commandRank(command string) int {
	switch command {
	case protocol.CmdFetchUsers:
		return 0
	case protocol.CmdFetchGroups:
		return 1
	case protocol.CmdFetchProjects:
		return 2
	default:
		return 3
	}
}

// touchPriority bumps the rows of the first three jobs after commit.
// Jobs deduplicated away by the fan-out no longer exist under their
// provisional id; that is fine.
func (d *Discovery) touchPriority(ctx context.Context, jobs []*storage.Job) {
	n := len(jobs)
	if n > 3 {
		n = 3
	}
	for _, job := range jobs[:n] {
		if err := d.store.UpdateJobProgress(ctx, job.ID, job.Progress); err != nil {
			d.log.Debug("priority touch skipped", "job", job.ID, "error", err)
		}
	}
}

func (d *Discovery) failParent(ctx context.Context, parentID string, cause error) {
	err := d.jobs.MarkFailed(ctx, parentID, &protocol.JobFailed{
		Error:         cause.Error(),
		ErrorType:     "fan_out",
		IsRecoverable: true,
	})
	if err != nil {
		d.log.Error("failing discovery parent failed", "parent", parentID, "error", err)
	}
}

func entityKind(jobType string) string {
	switch jobType {
	case protocol.JobTypeCrawlGroup:
		return "group"
	case protocol.JobTypeCrawlProject:
		return "project"
	case protocol.JobTypeCrawlUser:
		return "user"
	default:
		return ""
	}
}
