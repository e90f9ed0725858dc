package work

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/legacyguard/shield/server/models"
	"github.com/pkg/errors"
)

type WorkerPool struct {
	Handlers    map[string]Handler
	workers     []*worker
	concurrency int
	started     bool
}

func newWorkerPool(concurrency int, sleepBackoffsInSeconds []int64) (*WorkerPool, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be >= 1, got %v", concurrency)
	}

	wp := WorkerPool{Handlers: make(map[string]Handler), concurrency: concurrency}

	for i := 0; i < concurrency; i++ {
		wp.workers = append(wp.workers, newWorker(sleepBackoffsInSeconds))
	}

	return &wp, nil
}

// registerHandler binds a name to a job handler for all workers in pool
func (wp *WorkerPool) registerHandler(name string, handler Handler) error {
	if _, ok := wp.Handlers[name]; ok {
		return ErrDuplicateHandler
	}
	wp.Handlers[name] = handler

	for _, worker := range wp.workers {
		err := worker.registerHandler(name, handler)

		// Only panic if we get an error that is unexpected i.e !ErrDuplicateHandler
		if err != nil && !errors.Is(err, ErrDuplicateHandler) {
			logg.Panic(err)
		}
	}
	return nil
}

// enqueue adds a job to the queue(to be executed) by creating a DB record
// based on 'JobParams' provided
func (wp *WorkerPool) enqueue(job JobParams) error {
	argsAsJson, err := marshalJobArgs(job)
	if err != nil {
		return err
	}

	return models.CreateUniqueJobByName(job.Name, job.Handler, argsAsJson)
}

// enqueueIn schedules a job to be queued for execution 'secondsInFuture'
// seconds from now.
func (wp *WorkerPool) enqueueIn(secondsInFuture int64, job JobParams) error {
	return wp.enqueueAt(time.Now().Add(time.Duration(secondsInFuture)*time.Second), job)
}

// enqueueAt schedules a job to be queued for execution at 'runAt'. The job
// row itself is the durable timer, so pending work survives restarts.
func (wp *WorkerPool) enqueueAt(runAt time.Time, job JobParams) error {
	argsAsJson, err := marshalJobArgs(job)
	if err != nil {
		return err
	}

	return models.CreateScheduledJob(job.Name, job.Handler, argsAsJson, runAt)
}

// start starts all workers in pool i.e the workers can start processing jobs
func (wp *WorkerPool) start() {
	if wp.started {
		return
	}
	wp.started = true

	for _, worker := range wp.workers {
		worker.start()
	}
}

// stop stops all workers in pool i.e jobs will stop being processed
func (wp *WorkerPool) stop() {
	if !wp.started {
		return
	}

	wg := sync.WaitGroup{}
	for _, w := range wp.workers {
		wg.Add(1)
		go func(w *worker) {
			w.stop()
			wg.Done()
		}(w)
	}
	wg.Wait()
	wp.started = false
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func marshalJobArgs(job JobParams) (string, error) {
	if strings.TrimSpace(job.Name) == "" || strings.TrimSpace(job.Handler) == "" {
		return "", fmt.Errorf("both a name & handler is required for a job")
	}

	argsAsJson, err := json.Marshal(job.Args)
	if err != nil {
		return "", err
	}

	return string(argsAsJson), nil
}

func makeIdentifier() string {
	bytes := make([]byte, 5)
	if _, err := rand.Read(bytes); err != nil {
		return "??????????"
	}

	return fmt.Sprintf("%x", bytes)
}
