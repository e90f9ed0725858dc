package work

import (
	"testing"
	"time"

	"github.com/legacyguard/shield/server/models"
	"github.com/stretchr/testify/assert"
)

func TestEnqueueIn(t *testing.T) {
	models.InitializeTestDb()

	workerPool, err := newWorkerPool(MAX_CONCURRENCY, []int64{0, 1, 1, 1})
	assert.Nil(t, err)

	err = workerPool.enqueueIn(1, JobParams{
		Name:    "notify_access_1_step_0",
		Handler: "emergency_notify_step",
		Args: map[string]interface{}{
			"access_id": 1,
			"method":    "sms",
		},
	})
	assert.Nil(t, err)

	// At some point we need to be able to
	// mock the current time, instead of stopping the
	// process. For now, keep it simple
	time.Sleep(1 * time.Second)

	// Make sure the correct job is created & scheduled to be run
	job, err := models.FirstScheduledJobToBeQueued()
	assert.Nil(t, err)
	assert.Equal(t, "notify_access_1_step_0", job.Name, "The job name should match the expected job name")
	assert.Contains(t, job.Args, "sms", "Should contain the correct arg values")
	assert.Equal(t, models.SCHEDULED_JOB, job.JobStatus.Name, "The job should be in scheduled queue")
}

func TestEnqueueAtRejectsDuplicateName(t *testing.T) {
	models.InitializeTestDb()

	workerPool, err := newWorkerPool(MAX_CONCURRENCY, []int64{0, 1, 1, 1})
	assert.Nil(t, err)

	job := JobParams{
		Name:    "unlock_access_1",
		Handler: "emergency_unlock",
		Args:    map[string]interface{}{"access_id": 1},
	}

	assert.Nil(t, workerPool.enqueueAt(time.Now().Add(time.Hour), job))
	assert.ErrorIs(t, workerPool.enqueueAt(time.Now().Add(2*time.Hour), job), models.ErrDuplicateJob)
}

func TestMarshalJobArgsRequiresNameAndHandler(t *testing.T) {
	_, err := marshalJobArgs(JobParams{Name: " ", Handler: "handler"})
	assert.NotNil(t, err)

	_, err = marshalJobArgs(JobParams{Name: "name", Handler: ""})
	assert.NotNil(t, err)

	args, err := marshalJobArgs(JobParams{
		Name: "name", Handler: "handler", Args: map[string]interface{}{"k": "v"}})
	assert.Nil(t, err)
	assert.JSONEq(t, `{"k":"v"}`, args)
}
