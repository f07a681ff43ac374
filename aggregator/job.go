package aggregator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xpert-gate/xpert/logger"
)

// Job drives Orchestrator.Update on a configured interval.
type Job struct {
	orchestrator *Orchestrator
	timeout      time.Duration
}

// NewJob builds a Job bound to orchestrator, with an outer per-tick
// deadline (default 300s).
func NewJob(orchestrator *Orchestrator, timeout time.Duration) *Job {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Job{orchestrator: orchestrator, timeout: timeout}
}

// Run executes one aggregation tick, logging but never panicking on
// failure so the scheduler's next tick still fires.
func (j *Job) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	logger.Info("Starting scheduled subscription aggregation...")
	if err := j.orchestrator.Update(ctx); err != nil {
		logger.Errorf("Subscription aggregation failed: %v", err)
		return
	}
	logger.Info("Subscription aggregation complete")
}

// Schedule registers Job on c to fire every intervalSeconds. A tick that
// fires while the previous one is still running is dropped, so at most
// one tick executes at any time.
func Schedule(c *cron.Cron, job *Job, intervalSeconds int) (cron.EntryID, error) {
	if intervalSeconds <= 0 {
		intervalSeconds = 3600
	}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DefaultLogger)).Then(job)
	spec := "@every " + time.Duration(intervalSeconds*int(time.Second)).String()
	return c.AddJob(spec, wrapped)
}
