package jobs

import (
	"context"
	"time"

	"github.com/dvloznov/teamledger/internal/domain"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeAnalyzeInbox drives an inbox item through extraction and matching.
	JobTypeAnalyzeInbox JobType = "analyze_inbox"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// AnalyzeInboxJob asks a worker to process one inbox item.
type AnalyzeInboxJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	TeamID  domain.TeamID `json:"team_id"`
	InboxID string        `json:"inbox_id"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the last attempt failed.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *AnalyzeInboxJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *AnalyzeInboxJob) GetType() JobType {
	return JobTypeAnalyzeInbox
}

// GetStatus implements the Job interface.
func (j *AnalyzeInboxJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues jobs. It is what the reconciliation engine sees.
type Publisher interface {
	PublishAnalyzeInbox(ctx context.Context, teamID domain.TeamID, inboxID string) error
	Close() error
}

// Consumer runs a handler over queued jobs.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error marks the attempt failed;
// whether it is retried is up to the queue's configuration.
type JobHandler func(ctx context.Context, job Job) error

// JobStore tracks job state for inspection.
type JobStore interface {
	SaveJob(ctx context.Context, job *AnalyzeInboxJob) error
	GetJob(ctx context.Context, jobID string) (*AnalyzeInboxJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*AnalyzeInboxJob, error)
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	TeamID  domain.TeamID
	InboxID string
	Status  JobStatus
	Limit   int
	Offset  int
}
