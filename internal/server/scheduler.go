package server

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/sync"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

type CronRunner interface {
	SyncAllCronBatch(ctx context.Context, batchSize int, limit int) (*sync.CronResult, error)
}

// Job is one scheduled cron batch.
type Job struct {
	ConfigName string
	Schedule   string
	Runner     CronRunner
}

type Scheduler struct {
	cron *cron.Cron
	log  *log.Logger

	mu      gosync.Mutex
	running map[string]bool
}

func NewScheduler(logger *log.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		log:     logger,
		running: map[string]bool{},
	}
}

func (s *Scheduler) Add(job Job) error {
	if _, err := s.cron.AddFunc(job.Schedule, func() {
		s.run(context.Background(), job)
	}); err != nil {
		return fmt.Errorf("schedule cron batch of %s: %w", job.ConfigName, err)
	}

	s.log.Infof("scheduled cron batch of %s at %q", job.ConfigName, job.Schedule)
	return nil
}

// run executes a job unless the previous run of the same configuration is
// still going.
func (s *Scheduler) run(ctx context.Context, job Job) {
	s.mu.Lock()
	if s.running[job.ConfigName] {
		s.mu.Unlock()
		s.log.Warnf("cron batch of %s still running, skipping", job.ConfigName)
		return
	}
	s.running[job.ConfigName] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.ConfigName)
		s.mu.Unlock()
	}()

	result, err := job.Runner.SyncAllCronBatch(ctx, 0, 0)
	if err != nil {
		s.log.Warnf("cron batch of %s had errors: %s", job.ConfigName, err)
	}
	if result == nil {
		return
	}

	s.log.Infof(
		"cron batch of %s: %d processed, %d created, %d failed",
		job.ConfigName,
		result.Processed,
		result.Success,
		result.Failed,
	)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
