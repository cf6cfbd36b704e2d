package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GPTx-global/inferd/oracle/config"
	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/types"
)

const (
	blockTimeout      = time.Second
	heartbeatInterval = 5 * time.Second
	defaultStaleAfter = 30 * time.Second
)

// Redis keeps ready jobs in a list and delayed jobs in the sorted set
// <key>:delayed scored by due time in ms. Each instance moves the jobs it
// takes into its own <key>:processing:<consumer> list and heartbeats into
// <key>:consumers. The processing list of a consumer whose heartbeat is older
// than staleAfter is moved back to the ready list by any live instance.
type Redis struct {
	client     redis.UniversalClient
	key        string
	delayed    string
	consumers  string
	consumer   string
	processing string
	staleAfter time.Duration

	// dequeued *types.Job -> payload as stored in the processing list
	pending sync.Map

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRedis(ctx context.Context, cfg config.QueueConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.RedisAddr, err)
	}

	q := NewRedisWithClient(client, cfg.RedisKey)
	if err := q.Recover(ctx); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

// NewRedisWithClient registers a new consumer and starts its heartbeat.
func NewRedisWithClient(client redis.UniversalClient, key string) *Redis {
	consumer := uuid.NewString()
	q := &Redis{
		client:     client,
		key:        key,
		delayed:    key + ":delayed",
		consumers:  key + ":consumers",
		consumer:   consumer,
		processing: processingKey(key, consumer),
		staleAfter: defaultStaleAfter,
		stop:       make(chan struct{}),
	}

	q.wg.Add(1)
	go q.heartbeat()
	return q
}

func processingKey(key, consumer string) string {
	return key + ":processing:" + consumer
}

func (q *Redis) heartbeat() {
	defer q.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), heartbeatInterval)
		if err := q.beat(ctx); err != nil {
			log.Warnf("queue heartbeat failed: %v", err)
		} else if err := q.recoverStale(ctx); err != nil {
			log.Warnf("failed to recover stale consumers: %v", err)
		}
		cancel()

		select {
		case <-ticker.C:
		case <-q.stop:
			return
		}
	}
}

func (q *Redis) beat(ctx context.Context) error {
	return q.client.ZAdd(ctx, q.consumers, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: q.consumer,
	}).Err()
}

// Recover moves the unacknowledged jobs of consumers that stopped
// heartbeating back to the ready list. Live consumers are left alone.
func (q *Redis) Recover(ctx context.Context) error {
	if err := q.beat(ctx); err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	return q.recoverStale(ctx)
}

func (q *Redis) recoverStale(ctx context.Context) error {
	cutoff := time.Now().Add(-q.staleAfter).UnixMilli()
	stale, err := q.client.ZRangeByScore(ctx, q.consumers, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to list consumers: %w", err)
	}

	for _, consumer := range stale {
		if consumer == q.consumer {
			continue
		}
		n, err := q.drain(ctx, processingKey(q.key, consumer))
		if err != nil {
			return fmt.Errorf("failed to recover jobs of %s: %w", consumer, err)
		}
		if err := q.client.ZRem(ctx, q.consumers, consumer).Err(); err != nil {
			return err
		}
		if n > 0 {
			log.Infof("requeued %d unacknowledged jobs of stale consumer %s", n, consumer)
		}
	}
	return nil
}

// drain moves every item of list back to the ready list.
func (q *Redis) drain(ctx context.Context, list string) (int, error) {
	var n int
	for {
		err := q.client.LMove(ctx, list, q.key, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *Redis) Enqueue(ctx context.Context, job *types.Job) error {
	bz, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, bz).Err()
}

func (q *Redis) EnqueueAfter(ctx context.Context, job *types.Job, delay time.Duration) error {
	bz, err := json.Marshal(job)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	return q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: string(bz)}).Err()
}

// promote moves due delayed jobs to the ready list. ZRem decides the winner
// when several daemons promote concurrently.
func (q *Redis) promote(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayed, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.key, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (*types.Job, error) {
	for {
		if err := q.promote(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			log.Warnf("failed to promote delayed jobs: %v", err)
		}

		raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}

		var job types.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			log.Errorf("dropping malformed job payload %q: %v", raw, err)
			q.client.LRem(ctx, q.processing, 1, raw)
			continue
		}
		q.pending.Store(&job, raw)
		return &job, nil
	}
}

// Ack removes the payload delivered as job. job must be the pointer returned
// by Dequeue.
func (q *Redis) Ack(ctx context.Context, job *types.Job) error {
	raw, ok := q.pending.LoadAndDelete(job)
	if !ok {
		return nil
	}
	return q.client.LRem(ctx, q.processing, 1, raw).Err()
}

func (q *Redis) Len(ctx context.Context) (int64, error) {
	ready, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayed).Result()
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

// Close stops the heartbeat, hands unacknowledged jobs back to the ready list
// and closes the client.
func (q *Redis) Close() error {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if n, err := q.drain(ctx, q.processing); err != nil {
			log.Warnf("failed to hand back processing jobs: %v", err)
		} else if n > 0 {
			log.Infof("handed back %d unacknowledged jobs", n)
		}
		if err := q.client.ZRem(ctx, q.consumers, q.consumer).Err(); err != nil {
			log.Warnf("failed to deregister consumer: %v", err)
		}
	})
	return q.client.Close()
}
