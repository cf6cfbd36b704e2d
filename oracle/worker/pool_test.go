package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/armon/go-metrics"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/inferd/oracle/pipeline"
	"github.com/GPTx-global/inferd/oracle/queue"
	"github.com/GPTx-global/inferd/oracle/retry"
	"github.com/GPTx-global/inferd/oracle/types"
)

// scriptedHandler returns outcomes from a per-model script and records every
// attempt it sees.
type scriptedHandler struct {
	mu       sync.Mutex
	script   map[string][]types.JobState
	attempts []types.Job
	started  []time.Time
	hold     chan struct{}
}

func (h *scriptedHandler) Handle(_ context.Context, job *types.Job) pipeline.Outcome {
	if h.hold != nil {
		<-h.hold
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, *job)
	h.started = append(h.started, time.Now())

	states := h.script[job.ModelID]
	state := types.JobSucceeded
	if len(states) > 0 {
		state = states[0]
		h.script[job.ModelID] = states[1:]
	}
	return pipeline.Outcome{State: state}
}

func (h *scriptedHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.attempts)
}

type PoolTestSuite struct {
	suite.Suite
	queue   *queue.Memory
	handler *scriptedHandler
}

func TestPoolSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (suite *PoolTestSuite) SetupTest() {
	suite.queue = queue.NewMemory(16)
	suite.handler = &scriptedHandler{script: make(map[string][]types.JobState)}
}

func (suite *PoolTestSuite) TearDownTest() {
	suite.queue.Close()
}

func (suite *PoolTestSuite) newPool(cfg Config) *Pool {
	return NewPool(cfg, suite.queue, suite.handler)
}

func (suite *PoolTestSuite) TestRetryableRequeuedUntilCeiling() {
	// Given a job that always fails retryably and a three attempt ceiling
	suite.handler.script["m"] = []types.JobState{
		types.JobFailedRetryable, types.JobFailedRetryable, types.JobFailedRetryable, types.JobFailedRetryable,
	}
	pool := suite.newPool(Config{Concurrency: 1, Retry: retry.JobConfig(3, 20*time.Millisecond)})
	pool.Start(context.Background())
	defer pool.Stop()

	// When
	suite.Require().NoError(suite.queue.Enqueue(context.Background(), &types.Job{ID: "j", ModelID: "m"}))

	// Then
	suite.Eventually(func() bool { return suite.handler.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	suite.Equal(3, suite.handler.count())

	suite.handler.mu.Lock()
	for i, a := range suite.handler.attempts {
		suite.Equal(i, a.Attempt)
		suite.Equal("j", a.ID)
	}
	suite.handler.mu.Unlock()

	stats := pool.Stats(context.Background())
	suite.EqualValues(2, stats.Requeued)
	suite.EqualValues(1, stats.FailedTerminal)
}

func (suite *PoolTestSuite) TestTerminalNotRequeued() {
	suite.handler.script["m"] = []types.JobState{types.JobFailedTerminal}
	pool := suite.newPool(Config{Concurrency: 2, Retry: retry.JobConfig(3, 10*time.Millisecond)})
	pool.Start(context.Background())
	defer pool.Stop()

	suite.Require().NoError(suite.queue.Enqueue(context.Background(), &types.Job{ID: "j", ModelID: "m"}))

	suite.Eventually(func() bool { return pool.Stats(context.Background()).FailedTerminal == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	suite.Equal(1, suite.handler.count())
	suite.Zero(pool.Stats(context.Background()).Requeued)
}

func (suite *PoolTestSuite) TestRateLimit() {
	// Given two jobs per 200ms with a burst of two
	pool := suite.newPool(Config{Concurrency: 4, RateLimitJobs: 2, RateLimitWindow: 200 * time.Millisecond})
	pool.Start(context.Background())
	defer pool.Stop()

	// When
	start := time.Now()
	for i := 0; i < 4; i++ {
		suite.Require().NoError(suite.queue.Enqueue(context.Background(), &types.Job{ID: "j", ModelID: "m"}))
	}

	// Then the third and fourth start only after tokens refill
	suite.Eventually(func() bool { return suite.handler.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	suite.GreaterOrEqual(time.Since(start), 150*time.Millisecond)
}

func (suite *PoolTestSuite) TestStopDrainsInFlight() {
	// Given a job blocked inside the handler
	suite.handler.hold = make(chan struct{})
	pool := suite.newPool(Config{Concurrency: 1})
	pool.Start(context.Background())
	suite.Require().NoError(suite.queue.Enqueue(context.Background(), &types.Job{ID: "j", ModelID: "m"}))
	suite.Eventually(func() bool { return pool.Stats(context.Background()).InFlight == 1 }, time.Second, 5*time.Millisecond)

	// When
	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	// Then Stop waits for the job
	select {
	case <-stopped:
		suite.Fail("stop returned with a job in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(suite.handler.hold)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		suite.Fail("stop did not return after the job finished")
	}
	suite.EqualValues(1, pool.Stats(context.Background()).Succeeded)
}

func (suite *PoolTestSuite) TestMetricsPerState() {
	// Given an in-memory sink
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	conf := metrics.DefaultConfig("inferd")
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	m, err := metrics.New(conf, sink)
	suite.Require().NoError(err)

	suite.handler.script["bad"] = []types.JobState{types.JobFailedTerminal}
	pool := suite.newPool(Config{Concurrency: 1, Metrics: m})
	pool.Start(context.Background())
	defer pool.Stop()

	// When
	suite.Require().NoError(suite.queue.Enqueue(context.Background(), &types.Job{ID: "a", ModelID: "ok"}))
	suite.Require().NoError(suite.queue.Enqueue(context.Background(), &types.Job{ID: "b", ModelID: "bad"}))
	suite.Eventually(func() bool { return suite.handler.count() == 2 }, time.Second, 5*time.Millisecond)
	suite.Eventually(func() bool { return pool.Stats(context.Background()).FailedTerminal == 1 }, time.Second, 5*time.Millisecond)

	// Then
	data := sink.Data()
	suite.Require().NotEmpty(data)
	counters := data[len(data)-1].Counters
	suite.Contains(counters, "inferd.pipeline.jobs;state=succeeded")
	suite.Contains(counters, "inferd.pipeline.jobs;state=failed_terminal")
}
