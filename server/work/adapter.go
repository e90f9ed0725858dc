package work

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/legacyguard/shield/server/cron"
	"github.com/legacyguard/shield/server/models"
	"github.com/pkg/errors"
)

const MAX_CONCURRENCY = 1

// WorkerPoolAdapter marries the cron scheduler (periodic enqueues) with the
// durable job queue (workers, scheduled-queue requeuer, stuck-job reaper).
type WorkerPoolAdapter struct {
	cronScheduler     *gocron.Scheduler
	pool              WorkerPool
	scheduledRequeuer *requeuer
	reaper            *stuckJobsReaper
}

// NewWorkerAdapter builds the adapter. testMode shortens the scheduled-queue
// poll and the worker idle backoffs so tests can observe due jobs being
// promoted and run without waiting.
func NewWorkerAdapter(timeZoneArg string, testMode bool) *WorkerPoolAdapter {
	scheduledBackOff := 5 * time.Second
	workerBackoffs := []int64{0, 10, 100, 120}
	if testMode {
		scheduledBackOff = 100 * time.Millisecond
		workerBackoffs = []int64{0, 1, 1, 1}
	}

	pool, err := newWorkerPool(MAX_CONCURRENCY, workerBackoffs)
	if err != nil {
		logg.Panic(err)
	}

	scheduledRequeuer, err := newRequeuer(models.SCHEDULED_JOB, scheduledBackOff)
	if err != nil {
		logg.Panic(err)
	}

	return &WorkerPoolAdapter{
		cronScheduler:     cron.NewCronScheduler(timeZoneArg),
		pool:              *pool,
		scheduledRequeuer: scheduledRequeuer,
		reaper:            newStuckJobsReaper(),
	}
}

// Start starts the cron scheduler & worker pool
func (adapter *WorkerPoolAdapter) Start() {
	logg.Info("Starting cron scheduler & worker pool")
	adapter.cronScheduler.StartAsync()
	adapter.pool.start()
	adapter.scheduledRequeuer.start()
	adapter.reaper.start()
}

// Stop stops the cron scheduler & worker pool
func (adapter *WorkerPoolAdapter) Stop() {
	logg.Info("Stopping cron scheduler & worker pool")
	adapter.cronScheduler.Stop()
	adapter.pool.stop()
	adapter.scheduledRequeuer.stop()
	adapter.reaper.stop()
}

// Register binds a name to a handler.
func (adapter *WorkerPoolAdapter) Register(name string, handler Handler) error {
	return adapter.pool.registerHandler(name, handler)
}

// Perform sends a new job to the queue, now - to be executed as soon as a
// worker is available
func (adapter *WorkerPoolAdapter) Perform(job JobParams) error {
	logg.Infof("Enqueuing job: %v", job.Name)

	err := adapter.pool.enqueue(job)
	if errors.Is(err, models.ErrDuplicateJob) {
		logg.Warnf("Duplicate job already in queue for: %v", job.Name)
		return nil
	}

	if err != nil {
		return fmt.Errorf("error enqueuing job: %v, %v", job.Name, err)
	}

	return nil
}

// PerformIn schedules a job to run 'secondsInFuture' seconds from now.
func (adapter *WorkerPoolAdapter) PerformIn(secondsInFuture int64, job JobParams) error {
	return adapter.PerformAt(time.Now().Add(time.Duration(secondsInFuture)*time.Second), job)
}

// PerformAt schedules a job to run at 'runAt'. The schedule lives in the
// jobs table, so it survives a process restart and can be cancelled by name.
func (adapter *WorkerPoolAdapter) PerformAt(runAt time.Time, job JobParams) error {
	logg.Infof("Scheduling job: %v for %v", job.Name, runAt)

	err := adapter.pool.enqueueAt(runAt, job)
	if errors.Is(err, models.ErrDuplicateJob) {
		logg.Warnf("Duplicate job already in queue for: %v", job.Name)
		return nil
	}

	if err != nil {
		return fmt.Errorf("error scheduling job: %v, %v", job.Name, err)
	}

	return nil
}

// PeriodicallyPerform adds a job to the queue (to be executed)
// periodically, based on the 'cronExpression' expression provided
func (adapter *WorkerPoolAdapter) PeriodicallyPerform(cronExpression string, job JobParams) error {
	_, err := adapter.cronScheduler.Cron(cronExpression).Tag(job.Name).
		Do(
			func(job JobParams) {
				err := adapter.Perform(job)
				if err != nil {
					logg.Error(err)
				}
			},
			job,
		)
	return err
}

func (adapter *WorkerPoolAdapter) RemovePeriodicJob(jobName string) {
	adapter.cronScheduler.RemoveByTag(jobName)
}

// CancelScheduled discards every waiting job whose name starts with the
// prefix. Used to drop the remaining notification steps of a settled
// emergency.
func (adapter *WorkerPoolAdapter) CancelScheduled(namePrefix string) (int64, error) {
	return models.CancelJobsWithPrefix(namePrefix)
}

// CancelScheduledJob discards the waiting job with the exact name, if any.
func (adapter *WorkerPoolAdapter) CancelScheduledJob(name string) (int64, error) {
	return models.CancelJobByName(name)
}
