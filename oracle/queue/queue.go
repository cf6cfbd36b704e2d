package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GPTx-global/inferd/oracle/config"
	"github.com/GPTx-global/inferd/oracle/types"
)

var ErrClosed = errors.New("queue closed")

// Queue delivers jobs at least once. Dequeue blocks until a job is available,
// the context is done or the queue is closed. A dequeued job stays pending
// until Ack is called with the pointer Dequeue returned.
type Queue interface {
	Enqueue(ctx context.Context, job *types.Job) error
	EnqueueAfter(ctx context.Context, job *types.Job, delay time.Duration) error
	Dequeue(ctx context.Context) (*types.Job, error)
	Ack(ctx context.Context, job *types.Job) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

// New builds the configured backend.
func New(ctx context.Context, cfg config.QueueConfig, size int) (Queue, error) {
	switch cfg.Backend {
	case config.QueueMemory:
		return NewMemory(size), nil
	case config.QueueRedis:
		return NewRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
