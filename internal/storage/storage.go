// Package storage persists jobs, areas, and accounts for the control plane.
// The repository is the only writer of job rows; handlers read snapshots and
// submit updates through it.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition is returned when an update would overwrite a
	// terminal job status.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Storage defines the interface for all database operations.
type Storage interface {
	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	// ClaimQueuedJobs transactionally selects up to limit handout
	// candidates and stamps their assignment, so concurrent pollers never
	// receive the same job. Discovery jobs come first, then the oldest
	// queued rows; accounts without an access token are skipped. With
	// includeFailed, recoverable failed rows are re-queued and included.
	ClaimQueuedJobs(ctx context.Context, limit int, includeFailed bool, assignTo string) ([]*Job, error)
	// ReleaseStaleAssignments clears assignments older than the cutoff for
	// jobs still queued, making them claimable again.
	ReleaseStaleAssignments(ctx context.Context, olderThan time.Duration) (int, error)
	UpdateJobStatus(ctx context.Context, id string, status JobStatus) error
	UpdateJobProgress(ctx context.Context, id string, progress json.RawMessage) error
	ReplaceResumeState(ctx context.Context, id string, resume json.RawMessage) error
	MarkJobCompleted(ctx context.Context, id string, progress json.RawMessage) error
	MarkJobFailed(ctx context.Context, id string, recoverable bool) error

	// Areas
	UpsertArea(ctx context.Context, area *Area) error
	GetArea(ctx context.Context, fullPath string) (*Area, error)
	ListAreas(ctx context.Context) ([]*Area, error)
	GrantArea(ctx context.Context, accountID, fullPath string) error
	ListAreaGrants(ctx context.Context, accountID string) ([]string, error)

	// FanOut performs a discovery expansion in one transaction: upsert
	// areas, grant them to the account, create the spawned jobs, and
	// replace the parent's progress. All-or-nothing.
	FanOut(ctx context.Context, parentID, accountID string, areas []*Area, jobs []*Job, parentProgress json.RawMessage) error

	// Accounts
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error
	ClearAccountTokens(ctx context.Context, id string) error

	// Job error log
	AppendJobError(ctx context.Context, entry *JobError) error
	ListJobErrors(ctx context.Context, jobID string) ([]*JobError, error)

	// Admin tokens
	CreateAdminToken(ctx context.Context, token *AdminToken) error
	GetAdminTokenByHash(ctx context.Context, hash string) (*AdminToken, error)
	ListAdminTokens(ctx context.Context) ([]*AdminToken, error)
	RevokeAdminToken(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}

// New opens a storage backend by DSN: postgres:// selects Postgres,
// anything else is treated as a SQLite path.
func New(dsn, encryptionSecret string) (Storage, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(dsn, encryptionSecret)
	}
	return NewSQLite(dsn, encryptionSecret)
}

// JobStatus represents the state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusPaused   JobStatus = "paused"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"

	// JobStatusWaitingCredentialRenewal parks a running job while its
	// account's OAuth token is refreshed.
	JobStatusWaitingCredentialRenewal JobStatus = "waiting_credential_renewal"
)

// Terminal reports whether the status is an end state a job never leaves
// through worker updates.
func (s JobStatus) Terminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

// Provider identifies the source-control service flavor.
type Provider string

const (
	ProviderGitLabCloud  Provider = "gitlab-cloud"
	ProviderGitLabOnPrem Provider = "gitlab-onprem"
)

// Job is a unit of crawl work.
type Job struct {
	ID         string
	Command    string
	FullPath   string
	AccountID  string
	UserID     string
	Provider   Provider
	APIBaseURL string
	Status     JobStatus

	// Progress is the merged progress object reported by workers.
	Progress json.RawMessage
	// ResumeState is the restart cursor; nil once the job finishes.
	ResumeState json.RawMessage
	// Recoverable marks a failed job as safe to hand out again.
	Recoverable bool

	// SpawnedFrom references the discovery job that produced this one.
	SpawnedFrom string

	AssignedTo string
	AssignedAt *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobFilter for listing jobs.
type JobFilter struct {
	Status      JobStatus
	AccountID   string
	Command     string
	FullPath    string
	SpawnedFrom string
	Limit       int
	Offset      int
}

// AreaType distinguishes groups from projects.
type AreaType string

const (
	AreaTypeGroup   AreaType = "group"
	AreaTypeProject AreaType = "project"
)

// Area is a discovered namespace on the source service, keyed by full_path.
type Area struct {
	FullPath  string
	GitlabID  string
	Name      string
	Type      AreaType
	CreatedAt time.Time
}

// Account owns jobs and the OAuth credential used to run them. Tokens are
// encrypted at rest when the backend has an encryption secret.
type Account struct {
	ID             string
	Provider       Provider
	APIBaseURL     string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobError is one appended failure record for a job.
type JobError struct {
	ID          int64
	JobID       string
	Error       string
	ErrorType   string
	Recoverable bool
	CreatedAt   time.Time
}

// AdminToken authenticates admin API callers. Only the SHA3-256 hash is
// stored.
type AdminToken struct {
	ID        string
	Name      string
	Hash      string
	CreatedAt time.Time
	RevokedAt *time.Time
}
