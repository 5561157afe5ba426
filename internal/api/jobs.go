package api

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/capture"
)

// JobStatus is the lifecycle state of a scan job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Finished reports whether the job reached a terminal state.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one scan of a single broker endpoint.
type Job struct {
	ID         string          `json:"job_id"`
	Target     string          `json:"target"`
	Endpoint   broker.Endpoint `json:"endpoint"`
	Status     JobStatus       `json:"status"`
	Progress   int             `json:"progress"`
	Message    string          `json:"message,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"completed_at,omitempty"`
	Error      string          `json:"error,omitempty"`

	// Result is set once the job finishes and is not modified afterwards.
	Result *capture.EndpointResult `json:"-"`
}

// JobManager keeps scan jobs in memory and fans out updates to subscribers.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	subscribers map[chan Job]struct{}
	maxJobs     int
	clock       func() time.Time
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewJobManager starts a manager that keeps at most 1000 finished jobs.
func NewJobManager(clock func() time.Time) *JobManager {
	if clock == nil {
		clock = time.Now
	}
	m := &JobManager{
		jobs:        make(map[string]*Job),
		subscribers: make(map[chan Job]struct{}),
		maxJobs:     1000,
		clock:       clock,
		stop:        make(chan struct{}),
	}
	go m.cleanupLoop(5 * time.Minute)
	return m
}

// Close stops the cleanup loop.
func (m *JobManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// CreateJob registers a queued job for endpoint.
func (m *JobManager) CreateJob(target string, endpoint broker.Endpoint) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &Job{
		ID:        "scan-" + uuid.NewString(),
		Target:    target,
		Endpoint:  endpoint,
		Status:    JobQueued,
		Message:   "Scan queued",
		CreatedAt: m.clock(),
	}
	m.jobs[job.ID] = job
	m.broadcast(*job)
	copy := *job
	return &copy
}

// UpdateJob applies update under the lock and returns a copy of the result,
// or nil when the job does not exist.
func (m *JobManager) UpdateJob(id string, update func(*Job)) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	update(job)
	m.broadcast(*job)
	copy := *job
	return &copy
}

// GetJob returns a copy of the job, or nil.
func (m *JobManager) GetJob(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[id]; ok {
		copy := *job
		return &copy
	}
	return nil
}

// ListJobs returns up to limit jobs, newest first.
func (m *JobManager) ListJobs(limit int) []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

// Subscribe returns a channel of job updates and a function that ends the
// subscription.
func (m *JobManager) Subscribe() (chan Job, func()) {
	ch := make(chan Job, 10)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subscribers[ch]; ok {
			delete(m.subscribers, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// broadcast drops updates for subscribers whose buffer is full.
func (m *JobManager) broadcast(job Job) {
	for ch := range m.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}

// SetMaxJobs changes how many jobs are retained.
func (m *JobManager) SetMaxJobs(max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max > 0 {
		m.maxJobs = max
	}
}

func (m *JobManager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.prune()
		}
	}
}

// prune removes the oldest finished jobs until the manager is back under
// maxJobs. Running jobs are never removed.
func (m *JobManager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.jobs) <= m.maxJobs {
		return
	}

	type finished struct {
		id string
		at time.Time
	}
	var done []finished
	for id, job := range m.jobs {
		if !job.Status.Finished() {
			continue
		}
		at := job.CreatedAt
		if job.FinishedAt != nil {
			at = *job.FinishedAt
		}
		done = append(done, finished{id: id, at: at})
	}
	sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })

	toRemove := len(m.jobs) - m.maxJobs
	if toRemove > len(done) {
		toRemove = len(done)
	}
	for i := 0; i < toRemove; i++ {
		delete(m.jobs, done[i].id)
	}
}
