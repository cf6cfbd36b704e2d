package queue

import (
	"context"
	"sync"
	"time"

	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/types"
)

// Memory is a buffered channel queue. Jobs are lost on restart.
type Memory struct {
	jobs chan *types.Job
	quit chan struct{}
	once sync.Once

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

func NewMemory(size int) *Memory {
	if size < 1 {
		size = 1
	}
	return &Memory{
		jobs:   make(chan *types.Job, size),
		quit:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (m *Memory) Enqueue(ctx context.Context, job *types.Job) error {
	select {
	case <-m.quit:
		return ErrClosed
	default:
	}

	select {
	case m.jobs <- job:
		return nil
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) EnqueueAfter(_ context.Context, job *types.Job, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.quit:
		return ErrClosed
	default:
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()

		if err := m.Enqueue(context.Background(), job); err != nil {
			log.Warnf("delayed job %s dropped: %v", job.ID, err)
		}
	})
	m.timers[t] = struct{}{}
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (*types.Job, error) {
	select {
	case job := <-m.jobs:
		return job, nil
	case <-m.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) Ack(context.Context, *types.Job) error { return nil }

func (m *Memory) Len(context.Context) (int64, error) {
	m.mu.Lock()
	delayed := len(m.timers)
	m.mu.Unlock()
	return int64(len(m.jobs) + delayed), nil
}

// Close stops pending delayed jobs and wakes blocked callers.
func (m *Memory) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		close(m.quit)
		for t := range m.timers {
			t.Stop()
		}
		m.timers = make(map[*time.Timer]struct{})
	})
	return nil
}
