// Package queue is a typed, prioritized, retryable async job runner. Every
// job type runs on its own bounded worker pool, so notification jobs never
// compete with throttled download jobs for slots.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var logger = log.With().Str("component", "queue").Logger()

type JobType string

const (
	JobSearch                JobType = "search"
	JobDownload              JobType = "download"
	JobOrganize              JobType = "organize"
	JobSendNotification      JobType = "send_notification"
	JobCleanupSeededTorrents JobType = "cleanup_seeded_torrents"
	JobRSSPoll               JobType = "rss_poll"
	JobLibraryMatch          JobType = "library_match"
	JobCheckProgress         JobType = "check_progress"
	JobReconcileRequests     JobType = "reconcile_requests"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one typed unit of work.
type Job struct {
	ID       uint64
	Type     JobType
	Payload  interface{}
	Priority int
	// RequestID links request pipeline jobs to their request, 0 otherwise.
	RequestID uint

	Attempts    int
	MaxAttempts int
	Status      JobStatus
	LastError   string

	readyAt time.Time
	seq     uint64
}

// Processor performs one job attempt. A returned error re-queues the job
// with backoff until MaxAttempts is reached.
type Processor func(ctx context.Context, job *Job) error

// FailureHook is invoked once per job whose attempts are exhausted.
type FailureHook func(job *Job, err error)

// TypeConfig tunes one job type.
type TypeConfig struct {
	Concurrency int
	Priority    int
	MaxAttempts int
	Process     Processor
}

type typeQueue struct {
	cfg TypeConfig
	// jobs holds queued jobs; claim scans it for the best ready one. Queues
	// stay small enough that a linear scan beats heap bookkeeping.
	jobs []*Job
	// slots bounds concurrent attempts for this type
	slots chan struct{}
	wake  chan struct{}
}

type Queue struct {
	mu        sync.Mutex
	types     map[JobType]*typeQueue
	active    map[uint64]*Job
	onFailure FailureHook

	backoffBase time.Duration
	nextID      uint64
	nextSeq     uint64

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New() *Queue {
	return &Queue{
		types:       make(map[JobType]*typeQueue),
		active:      make(map[uint64]*Job),
		backoffBase: 2 * time.Second,
	}
}

// Register configures a job type. Must be called before Start.
func (q *Queue) Register(t JobType, cfg TypeConfig) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.types[t] = &typeQueue{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.Concurrency),
		wake:  make(chan struct{}, 1),
	}
}

// OnFailure installs the hook called when a job exhausts its attempts.
func (q *Queue) OnFailure(hook FailureHook) {
	q.onFailure = hook
}

// Enqueue adds a job for a registered type and returns it. The job inherits
// the type's priority and max attempts.
func (q *Queue) Enqueue(t JobType, payload interface{}, requestID uint) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	tq, ok := q.types[t]
	if !ok {
		logger.Error().Str("type", string(t)).Msg("enqueue for unregistered job type dropped")
		return nil
	}

	q.nextID++
	q.nextSeq++
	job := &Job{
		ID:          q.nextID,
		Type:        t,
		Payload:     payload,
		Priority:    tq.cfg.Priority,
		RequestID:   requestID,
		MaxAttempts: tq.cfg.MaxAttempts,
		Status:      JobQueued,
		readyAt:     time.Now(),
		seq:         q.nextSeq,
	}
	tq.jobs = append(tq.jobs, job)
	q.signal(tq)
	return job
}

// HasJobForRequest reports whether any queued or active job of the given
// types is linked to the request. With no types given, all types match.
func (q *Queue) HasJobForRequest(requestID uint, types ...JobType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	match := func(j *Job) bool {
		if j.RequestID != requestID {
			return false
		}
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if j.Type == t {
				return true
			}
		}
		return false
	}

	for _, j := range q.active {
		if match(j) {
			return true
		}
	}
	for _, tq := range q.types {
		for _, j := range tq.jobs {
			if match(j) {
				return true
			}
		}
	}
	return false
}

// Start launches one dispatcher per registered type. Stop cancels them and
// waits for in-flight attempts to return.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	for t, tq := range q.types {
		q.wg.Add(1)
		go q.dispatch(ctx, t, tq)
	}
	q.mu.Unlock()
}

func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *Queue) signal(tq *typeQueue) {
	select {
	case tq.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch(ctx context.Context, t JobType, tq *typeQueue) {
	defer q.wg.Done()

	for {
		job, wait := q.claim(tq)
		if job == nil {
			// nothing eligible: sleep until woken or the next job is ready
			if wait <= 0 {
				wait = time.Hour
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-tq.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case tq.slots <- struct{}{}:
		}

		q.wg.Add(1)
		go func(job *Job) {
			defer q.wg.Done()
			defer func() { <-tq.slots }()
			q.run(ctx, t, tq, job)
		}(job)
	}
}

// claim pops the best ready job (lowest priority value, then enqueue order),
// or returns how long until the earliest queued job becomes ready.
func (q *Queue) claim(tq *typeQueue) (*Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(tq.jobs) == 0 {
		return nil, 0
	}

	now := time.Now()
	best := -1
	var minWait time.Duration
	for i, j := range tq.jobs {
		if j.readyAt.After(now) {
			wait := j.readyAt.Sub(now)
			if minWait == 0 || wait < minWait {
				minWait = wait
			}
			continue
		}
		if best == -1 ||
			j.Priority < tq.jobs[best].Priority ||
			(j.Priority == tq.jobs[best].Priority && j.seq < tq.jobs[best].seq) {
			best = i
		}
	}
	if best == -1 {
		return nil, minWait
	}

	job := tq.jobs[best]
	tq.jobs = append(tq.jobs[:best], tq.jobs[best+1:]...)
	job.Status = JobActive
	q.active[job.ID] = job
	return job, 0
}

func (q *Queue) run(ctx context.Context, t JobType, tq *typeQueue, job *Job) {
	job.Attempts++
	err := tq.cfg.Process(ctx, job)

	q.mu.Lock()
	delete(q.active, job.ID)

	if err == nil {
		job.Status = JobCompleted
		q.mu.Unlock()
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= job.MaxAttempts {
		job.Status = JobFailed
		q.mu.Unlock()
		logger.Error().Err(err).
			Str("type", string(t)).
			Uint64("job", job.ID).
			Int("attempts", job.Attempts).
			Msg("job failed, attempts exhausted")
		if q.onFailure != nil {
			q.onFailure(job, err)
		}
		return
	}

	backoff := q.backoffBase << (job.Attempts - 1)
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	job.Status = JobQueued
	job.readyAt = time.Now().Add(backoff)
	q.nextSeq++
	job.seq = q.nextSeq
	tq.jobs = append(tq.jobs, job)
	q.mu.Unlock()

	logger.Warn().Err(err).
		Str("type", string(t)).
		Uint64("job", job.ID).
		Int("attempt", job.Attempts).
		Dur("backoff", backoff).
		Msg("job attempt failed, re-queued")
	q.signal(tq)
}
