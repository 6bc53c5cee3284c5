// Package queue carries transcode jobs from the control plane to workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Job is the transcode dispatch payload handed to workers.
type Job struct {
	VideoID   string `json:"videoId"`
	SourceURL string `json:"sourceUrl"`
}

// Producer enqueues jobs for worker consumption.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Consumer pops deliveries for processing. Dequeue blocks until a job is
// available or ctx is done.
type Consumer interface {
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is one job attempt. Exactly one of Ack or Nack must be called; a
// Nack past the attempt limit moves the job to the dead-letter stream.
type Delivery struct {
	Job     Job
	Attempt int

	once sync.Once
	ack  func(ctx context.Context) error
	nack func(ctx context.Context, reason string) error
}

// Ack marks the delivery as processed.
func (d *Delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() { err = d.ack(ctx) })
	return err
}

// Nack reports a failed attempt; the job is retried after backoff or
// dead-lettered once attempts are exhausted.
func (d *Delivery) Nack(ctx context.Context, reason string) error {
	var err error
	d.once.Do(func() { err = d.nack(ctx, reason) })
	return err
}

// DeadJob is a job that exhausted its attempts.
type DeadJob struct {
	Job      Job
	Attempts int
	Reason   string
	FailedAt time.Time
}

// Memory is an in-process queue for development mode and tests.
type Memory struct {
	mu          sync.Mutex
	jobs        []pendingJob
	dead        []DeadJob
	maxAttempts int
	backoffBase time.Duration
	wake        chan struct{}
	closed      bool
}

type pendingJob struct {
	job     Job
	attempt int
	readyAt time.Time
}

// NewMemory constructs an in-memory queue with the given retry policy.
func NewMemory(maxAttempts int, backoffBase time.Duration) *Memory {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	return &Memory{
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		wake:        make(chan struct{}, 1),
	}
}

func (m *Memory) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("queue closed")
	}
	m.jobs = append(m.jobs, pendingJob{job: job, attempt: 1})
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errors.New("queue closed")
		}
		now := time.Now()
		for idx, pending := range m.jobs {
			if pending.readyAt.After(now) {
				continue
			}
			m.jobs = append(m.jobs[:idx], m.jobs[idx+1:]...)
			m.mu.Unlock()
			return m.delivery(pending), nil
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (m *Memory) delivery(pending pendingJob) *Delivery {
	return &Delivery{
		Job:     pending.job,
		Attempt: pending.attempt,
		ack:     func(context.Context) error { return nil },
		nack: func(_ context.Context, reason string) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if pending.attempt >= m.maxAttempts {
				m.dead = append(m.dead, DeadJob{
					Job:      pending.job,
					Attempts: pending.attempt,
					Reason:   reason,
					FailedAt: time.Now().UTC(),
				})
				return nil
			}
			delay := m.backoffBase << (pending.attempt - 1)
			m.jobs = append(m.jobs, pendingJob{
				job:     pending.job,
				attempt: pending.attempt + 1,
				readyAt: time.Now().Add(delay),
			})
			return nil
		},
	}
}

// DeadLetters returns jobs that exhausted their attempts.
func (m *Memory) DeadLetters() []DeadJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadJob(nil), m.dead...)
}

// Depth reports how many jobs are pending, including delayed retries.
func (m *Memory) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

var (
	_ Producer = (*Memory)(nil)
	_ Consumer = (*Memory)(nil)
)
