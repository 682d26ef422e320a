// Package protocol defines the wire protocol between the control plane and
// crawler workers: a JSON envelope over a local stream socket, the payload
// shapes for each message type, and the command vocabulary jobs run under.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types for worker → control plane communication
const (
	TypeHeartbeat           = "heartbeat"
	TypeJobRequest          = "job_request"
	TypeJobStarted          = "job_started"
	TypeJobProgress         = "job_progress"
	TypeJobCompleted        = "job_completed"
	TypeJobFailed           = "job_failed"
	TypeJobsDiscovered      = "jobs_discovered"
	TypeTokenRefreshRequest = "token_refresh_request"
	TypeDiscovery           = "discovery"
)

// Message types for control plane → worker communication
const (
	TypeJobResponse          = "job_response"
	TypeTokenRefreshResponse = "token_refresh_response"
	TypeShutdown             = "shutdown"
)

// System status values reported in heartbeats
const (
	StatusIdle        = "idle"
	StatusDiscovering = "discovering"
	StatusProcessing  = "processing"
	StatusError       = "error"
)

// Progress stages
const (
	StageDiscovering = "discovering"
	StageFetching    = "fetching"
	StageCompleted   = "completed"
	StageFailed      = "failed"
)

// Message is the envelope for all protocol messages. JobID is required for
// job-lifecycle and discovery messages, optional for heartbeat/job_request.
type Message struct {
	Type      string          `json:"type" validate:"required"`
	Timestamp time.Time       `json:"timestamp"`
	JobID     string          `json:"jobId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Encode builds an envelope with the current timestamp. The result carries
// no trailing delimiter; the transport appends one.
func Encode(msgType, jobID string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
		Data:      data,
	}
	return json.Marshal(msg)
}

// Decode parses one frame into an envelope. Frames without a type are
// rejected.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type field")
	}
	return &msg, nil
}

// DecodePayload unmarshals an envelope's data into the given type.
func DecodePayload[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}

// ResumeState is the cursor a failed or interrupted job restarts from.
// Opaque to the control plane; only the worker interprets it.
type ResumeState struct {
	CurrentPage  int    `json:"current_page,omitempty"`
	LastEntityID string `json:"last_entity_id,omitempty"`
	EntityType   string `json:"entity_type,omitempty"`
}

// --- Worker → Control Plane Payloads ---

// Heartbeat reports liveness and load.
type Heartbeat struct {
	ActiveJobs     int    `json:"activeJobs"`
	TotalProcessed int    `json:"totalProcessed"`
	SystemStatus   string `json:"systemStatus" validate:"omitempty,oneof=idle discovering processing error"`
}

// NewHeartbeat creates a Heartbeat payload.
func NewHeartbeat(activeJobs, totalProcessed int, status string) Heartbeat {
	return Heartbeat{
		ActiveJobs:     activeJobs,
		TotalProcessed: totalProcessed,
		SystemStatus:   status,
	}
}

// JobRequest asks the control plane for work.
type JobRequest struct {
	MaxJobs      int      `json:"maxJobs,omitempty" validate:"omitempty,min=1"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// JobStarted marks the beginning of execution. Metadata is merged into the
// job's progress record.
type JobStarted struct {
	ConnectionID string         `json:"connectionId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// JobProgress is a periodic execution update.
type JobProgress struct {
	Stage       string       `json:"stage" validate:"required,oneof=discovering fetching completed failed"`
	EntityType  string       `json:"entityType,omitempty"`
	Processed   int          `json:"processed"`
	Total       int          `json:"total,omitempty"`
	Message     string       `json:"message,omitempty"`
	ResumeState *ResumeState `json:"resumeState,omitempty"`
}

// JobCompleted is the terminal success report.
type JobCompleted struct {
	Success     bool           `json:"success"`
	FinalCounts map[string]int `json:"finalCounts,omitempty"`
	Message     string         `json:"message,omitempty"`
	OutputFiles []string       `json:"outputFiles,omitempty"`
}

// JobFailed is the terminal failure report. IsRecoverable tells the
// scheduler whether the job may be handed out again.
type JobFailed struct {
	Error         string         `json:"error" validate:"required"`
	ErrorType     string         `json:"errorType,omitempty"`
	IsRecoverable bool           `json:"isRecoverable"`
	ResumeState   *ResumeState   `json:"resumeState,omitempty"`
	PartialCounts map[string]int `json:"partialCounts,omitempty"`
}

// DiscoveredJob is one entity found during namespace discovery.
type DiscoveredJob struct {
	JobType       string `json:"job_type" validate:"required,oneof=discover_namespaces crawl_group crawl_project crawl_user"`
	EntityID      string `json:"entity_id" validate:"required"`
	NamespacePath string `json:"namespace_path"`
	EntityName    string `json:"entity_name" validate:"required"`
	Priority      int    `json:"priority,omitempty"`
	EstimatedSize int    `json:"estimated_size,omitempty"`
}

// DiscoverySummary totals a discovery run.
type DiscoverySummary struct {
	TotalGroups   int `json:"total_groups"`
	TotalProjects int `json:"total_projects"`
}

// JobsDiscovered carries the discovered-entities list the control plane
// fans out into collection jobs.
type JobsDiscovered struct {
	DiscoveredJobs   []DiscoveredJob  `json:"discovered_jobs" validate:"required"`
	DiscoverySummary DiscoverySummary `json:"discovery_summary"`
}

// TokenRefreshRequest asks the control plane to renew the OAuth token for
// the job named in the envelope.
type TokenRefreshRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Discovery is an informational mid-discovery note, forwarded to admin
// observers.
type Discovery struct {
	Stage         string `json:"stage,omitempty"`
	GroupsFound   int    `json:"groupsFound"`
	ProjectsFound int    `json:"projectsFound"`
	Message       string `json:"message,omitempty"`
}

// --- Control Plane → Worker Payloads ---

// JobDescriptor is one unit of work handed to a worker.
type JobDescriptor struct {
	ID          string            `json:"id"`
	Command     string            `json:"command"`
	EntityType  string            `json:"entityType,omitempty"`
	EntityID    string            `json:"entityId,omitempty"`
	FullPath    string            `json:"fullPath,omitempty"`
	GitlabURL   string            `json:"gitlabUrl"`
	AccessToken string            `json:"accessToken"`
	Options     map[string]string `json:"options,omitempty"`
	ResumeState *ResumeState      `json:"resumeState,omitempty"`
}

// JobResponse answers a JobRequest. An empty Jobs slice means no work is
// available.
type JobResponse struct {
	Jobs []JobDescriptor `json:"jobs"`
}

// TokenRefreshResponse answers a TokenRefreshRequest on the same
// connection; the worker correlates it by the envelope's jobId.
type TokenRefreshResponse struct {
	AccessToken       string    `json:"accessToken,omitempty"`
	RefreshSuccessful bool      `json:"refreshSuccessful"`
	ExpiresAt         time.Time `json:"expiresAt,omitempty"`
}

// Shutdown tells workers the control plane is going away.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}
