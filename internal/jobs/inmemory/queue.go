package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/jobs"
)

// Config tunes a Queue.
type Config struct {
	// BufferSize is how many jobs can wait before PublishAnalyzeInbox blocks.
	BufferSize int
	// Workers is the number of concurrent handlers.
	Workers int
	// MaxRetries bounds re-enqueues of a failing job.
	MaxRetries int
	// Backoff returns the delay before retry n (1-based).
	Backoff func(retry int) time.Duration
	// Permanent reports errors that retrying cannot fix.
	Permanent func(error) bool
	// Clock stamps job timestamps.
	Clock domain.Clock
}

// DefaultConfig returns the settings used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		BufferSize: 100,
		Workers:    5,
		MaxRetries: 3,
		Backoff:    LinearBackoff(time.Second),
		Permanent:  Permanent,
		Clock:      domain.SystemClock,
	}
}

// LinearBackoff waits step, 2*step, 3*step... between retries.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration { return time.Duration(retry) * step }
}

// Permanent treats caller mistakes and state conflicts as final. Everything
// else, collaborator outages in particular, is worth another attempt.
func Permanent(err error) bool {
	return domain.IsValidation(err) || domain.IsNotFound(err) || domain.IsConflict(err)
}

// Queue is an in-memory job publisher and consumer built on channels.
// It suits single-instance deployments and tests.
type Queue struct {
	cfg Config
	log zerolog.Logger

	jobChan   chan *jobs.AnalyzeInboxJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	closed    bool
	started   bool
}

// NewQueue creates a queue. store may be nil when job state need not be kept.
func NewQueue(cfg Config, store jobs.JobStore, log zerolog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	if cfg.Permanent == nil {
		cfg.Permanent = def.Permanent
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	return &Queue{
		cfg:       cfg,
		log:       log,
		jobChan:   make(chan *jobs.AnalyzeInboxJob, cfg.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
	}
}

// PublishAnalyzeInbox enqueues analysis of one inbox item.
func (q *Queue) PublishAnalyzeInbox(ctx context.Context, teamID domain.TeamID, inboxID string) error {
	if teamID == "" || inboxID == "" {
		return domain.Validationf("PublishAnalyzeInbox", "team and inbox id are required")
	}
	job := &jobs.AnalyzeInboxJob{
		JobID:      uuid.New().String(),
		TeamID:     teamID,
		InboxID:    inboxID,
		Status:     jobs.JobStatusPending,
		CreatedAt:  q.cfg.Clock(),
		MaxRetries: q.cfg.MaxRetries,
	}
	return q.enqueue(ctx, job)
}

func (q *Queue) enqueue(ctx context.Context, job *jobs.AnalyzeInboxJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return domain.Conflictf("PublishAnalyzeInbox", "queue is closed")
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("PublishAnalyzeInbox: failed to save job: %w", err)
		}
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return domain.Conflictf("PublishAnalyzeInbox", "queue is closed")
	}
}

// Start launches the configured number of workers running handler.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.Conflictf("Start", "queue is closed")
	}
	if q.started {
		return domain.Conflictf("Start", "queue already started")
	}
	q.started = true

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	q.log.Info().Int("workers", q.cfg.Workers).Msg("Job queue started")
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob runs one attempt and schedules a retry when warranted. The job
// value is never touched again once handed to a retry timer.
func (q *Queue) processJob(ctx context.Context, job *jobs.AnalyzeInboxJob, handler jobs.JobHandler) {
	started := q.cfg.Clock()
	job.Status = jobs.JobStatusRunning
	job.StartedAt = &started
	q.save(ctx, job)

	err := q.run(ctx, job, handler)

	completed := q.cfg.Clock()
	job.CompletedAt = &completed

	log := q.log.With().
		Str("job_id", job.JobID).
		Str("team_id", string(job.TeamID)).
		Str("inbox_id", job.InboxID).
		Int("retry", job.RetryCount).
		Logger()

	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		log.Debug().Msg("Job completed")
	case q.cfg.Permanent(err) || job.RetryCount >= job.MaxRetries:
		job.Status = jobs.JobStatusFailed
		job.Error = err.Error()
		log.Error().Err(err).Msg("Job failed")
	default:
		job.Status = jobs.JobStatusRetrying
		job.Error = err.Error()
		log.Warn().Err(err).Msg("Job failed, retrying")
	}
	q.save(ctx, job)
	if job.Status == jobs.JobStatusRetrying {
		q.retry(ctx, *job)
	}
}

// run calls handler, turning a panic into a failed attempt.
func (q *Queue) run(ctx context.Context, job *jobs.AnalyzeInboxJob, handler jobs.JobHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.JobID, r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) retry(ctx context.Context, prev jobs.AnalyzeInboxJob) {
	next := prev
	next.RetryCount++
	next.Status = jobs.JobStatusPending
	next.StartedAt = nil
	next.CompletedAt = nil

	time.AfterFunc(q.cfg.Backoff(next.RetryCount), func() {
		if err := q.enqueue(ctx, &next); err != nil {
			q.log.Warn().Err(err).Str("job_id", next.JobID).Msg("Dropping retry")
		}
	})
}

func (q *Queue) save(ctx context.Context, job *jobs.AnalyzeInboxJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		q.log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Stop closes the queue and waits for in-flight jobs to complete. Pending
// retries are dropped.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info().Msg("Job queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

// Handler adapts an inbox processor to a JobHandler.
func Handler(process func(ctx context.Context, teamID domain.TeamID, inboxID string) (*domain.Inbox, error)) jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		j, ok := job.(*jobs.AnalyzeInboxJob)
		if !ok {
			return domain.Validationf("Handler", "unsupported job type %s", job.GetType())
		}
		_, err := process(ctx, j.TeamID, j.InboxID)
		return err
	}
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
