package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/types"
)

type Models interface {
	ActiveModels(ctx context.Context) ([]types.Model, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job *types.Job) error
}

// Scheduler enqueues one job per active model on every tick. A tick that is
// still running when the next one fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	models  Models
	queue   Enqueuer
	baseCtx context.Context
}

func New(ctx context.Context, spec string, models Models, q Enqueuer) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{}))),
		models:  models,
		queue:   q,
		baseCtx: ctx,
	}
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Tick(s.baseCtx); err != nil {
			log.Errorf("scheduler tick failed: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Infof("scheduler started")
}

// Stop prevents new ticks and waits for a running one.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Infof("scheduler stopped")
}

// Tick enqueues a job for each active model and returns how many were queued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	models, err := s.models.ActiveModels(ctx)
	if err != nil {
		return 0, err
	}

	var queued int
	for _, m := range models {
		job := types.NewJob(m)
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return queued, fmt.Errorf("enqueue model %s: %w", m.ID, err)
		}
		queued++
	}
	log.Debugf("scheduler queued %d jobs", queued)
	return queued, nil
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debugf("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Errorf("cron: %s: %v %v", msg, err, keysAndValues)
}
