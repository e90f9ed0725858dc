package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var ErrDuplicateJob = errors.New("job with the given name already exists in queue")

type Job struct {
	BaseModel
	Fails        int        `json:"fails"`
	Name         string     `json:"name"`
	Handler      string     `json:"handler"`
	Args         string     `json:"args"`
	LastError    string     `json:"last_error"`
	Claimed      bool       `json:"claimed" gorm:"default:false"`
	EnqueuedAt   *time.Time `json:"enqueued_at,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	JobStatusID  uint       `json:"job_status_id"`
	JobStatus    *JobStatus `json:"status"`
}

// MarkAsClaimed flips the claimed flag with a compare-and-swap so only one
// worker wins the job.
func (job *Job) MarkAsClaimed() (bool, error) {
	inProgressStatus, err := FindJobStatus(IN_PROGRESS_JOB)
	if err != nil {
		return false, err
	}

	res := db.Model(&Job{}).Where("id = ? AND claimed = ?", job.ID, false).Updates(map[string]interface{}{
		"claimed":       true,
		"job_status_id": inProgressStatus.ID,
	})

	if res.Error != nil {
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

func (job *Job) Update(data map[string]interface{}) error {
	return db.Model(job).Updates(data).Error
}

// CreateUniqueJobByName enqueues a job for immediate execution, unless one
// with the same name is already waiting or running.
func CreateUniqueJobByName(name string, handler string, args string) error {
	return createUniqueJob(name, handler, args, nil)
}

// CreateScheduledJob enqueues a job to run at 'runAt'. Same uniqueness rule
// as CreateUniqueJobByName, with 'scheduled' counting as waiting.
func CreateScheduledJob(name string, handler string, args string, runAt time.Time) error {
	return createUniqueJob(name, handler, args, &runAt)
}

func createUniqueJob(name, handler, args string, runAt *time.Time) error {
	queueStatusName := ENQUEUED_JOB
	if runAt != nil {
		queueStatusName = SCHEDULED_JOB
	}

	return db.Transaction(func(tx *gorm.DB) error {
		waitingStatusIDs := []uint{}
		err := tx.Model(&JobStatus{}).
			Where("name IN ?", []string{ENQUEUED_JOB, SCHEDULED_JOB, IN_PROGRESS_JOB}).
			Pluck("id", &waitingStatusIDs).Error
		if err != nil {
			return err
		}

		var count int64
		err = tx.Model(&Job{}).
			Where("name = ? AND job_status_id IN ?", name, waitingStatusIDs).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateJob
		}

		queueStatus := JobStatus{}
		err = tx.First(&queueStatus, "name = ?", queueStatusName).Error
		if err != nil {
			return err
		}

		now := time.Now()
		job := Job{
			Name:        name,
			Handler:     handler,
			Args:        args,
			JobStatusID: queueStatus.ID,
		}
		if runAt != nil {
			job.ScheduledFor = runAt
		} else {
			job.EnqueuedAt = &now
		}

		return tx.Create(&job).Error
	})
}

func LastJob(status string, claimed bool) (*Job, error) {
	job := Job{}
	err := db.Joins("INNER JOIN job_statuses ON job_statuses.id = jobs.job_status_id AND job_statuses.name = ? AND claimed = ? ",
		status, claimed).Last(&job).Error
	if err != nil {
		return nil, err
	}

	return &job, nil
}

// FirstScheduledJobToBeQueued returns the scheduled job that has been due
// the longest, for the requeuer to promote.
func FirstScheduledJobToBeQueued() (*Job, error) {
	scheduledStatus, err := FindJobStatus(SCHEDULED_JOB)
	if err != nil {
		return nil, err
	}

	job := Job{}
	err = db.Preload("JobStatus").
		Where("job_status_id = ? AND scheduled_for <= ?", scheduledStatus.ID, time.Now()).
		Order("scheduled_for").First(&job).Error
	if err != nil {
		return nil, err
	}

	return &job, nil
}

// likeEscaper makes a job name safe inside a LIKE pattern. '_' and '%'
// are LIKE wildcards, and job names carry '_' throughout.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// CancelJobsWithPrefix flips every waiting job whose name starts with the
// literal prefix to 'cancelled'. In-progress jobs are left to finish; their
// handlers re-check state before acting. Returns the number of jobs
// cancelled.
func CancelJobsWithPrefix(prefix string) (int64, error) {
	return cancelWaitingJobs("name LIKE ? ESCAPE '\\'", likeEscaper.Replace(prefix)+"%")
}

// CancelJobByName flips the waiting job with the exact name to 'cancelled'.
func CancelJobByName(name string) (int64, error) {
	return cancelWaitingJobs("name = ?", name)
}

func cancelWaitingJobs(nameCondition string, nameArg string) (int64, error) {
	waitingStatusIDs := []uint{}
	err := db.Model(&JobStatus{}).
		Where("name IN ?", []string{ENQUEUED_JOB, SCHEDULED_JOB}).
		Pluck("id", &waitingStatusIDs).Error
	if err != nil {
		return 0, err
	}

	cancelledStatus, err := FindJobStatus(CANCELLED_JOB)
	if err != nil {
		return 0, err
	}

	res := db.Model(&Job{}).
		Where(nameCondition, nameArg).
		Where("job_status_id IN ? AND claimed = ?", waitingStatusIDs, false).
		Updates(map[string]interface{}{"job_status_id": cancelledStatus.ID})
	if res.Error != nil {
		return 0, res.Error
	}

	return res.RowsAffected, nil
}

func FetchJobsByStatus(status string, page int) ([]Job, *Paging, error) {
	const JOIN_QUERY = "INNER JOIN job_statuses ON job_statuses.id = jobs.job_status_id AND job_statuses.name = ?"

	var total int64
	jobs := []Job{}

	err := db.Joins(JOIN_QUERY, status).Model(&Job{}).Count(&total).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	err = db.Scopes(paginate(page, MAX_PAGE_SIZE)).
		Preload("JobStatus").Order("jobs.id desc").
		Joins(JOIN_QUERY, status).Find(&jobs).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	return jobs, newPaging(int64(page), MAX_PAGE_SIZE, total), nil
}

func FetchJobs(page int) ([]Job, *Paging, error) {
	var total int64
	jobs := []Job{}

	err := db.Model(&Job{}).Count(&total).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	err = db.Scopes(paginate(page, MAX_PAGE_SIZE)).
		Preload("JobStatus").Order("jobs.id desc").Find(&jobs).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	return jobs, newPaging(int64(page), MAX_PAGE_SIZE, total), nil
}

func CurrentJobsStats() (*JobsStats, error) {
	const JOIN_QUERY = "INNER JOIN job_statuses ON job_statuses.id = jobs.job_status_id AND job_statuses.name = ?"

	stats := JobsStats{}
	counts := map[string]*int64{
		ENQUEUED_JOB:    &stats.EnqueuedJobCount,
		SCHEDULED_JOB:   &stats.ScheduledJobCount,
		IN_PROGRESS_JOB: &stats.InProgressJobCount,
		SUCCESSFUL_JOB:  &stats.SuccessfulJobCount,
		DEAD_JOB:        &stats.DeadJobCount,
		CANCELLED_JOB:   &stats.CancelledJobCount,
	}

	for name, count := range counts {
		err := db.Joins(JOIN_QUERY, name).Model(&Job{}).Count(count).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return &stats, nil
}

// LastJobLastUpdated returns the last job of 'status' whose updated_at is at
// least 'minutesAgo' minutes old.
//
// WARNING: THIS QUERY IS UNIQUE TO SQLITE, REMEMBER TO UPDATE IT IF/WHEN
// OTHER SQL DATABASES ARE SUPPORTED
func LastJobLastUpdated(minutesAgo uint, status string) (*Job, error) {
	jobStatus, err := FindJobStatus(status)
	if err != nil {
		return nil, err
	}

	job := Job{}
	err = db.Where(
		fmt.Sprintf("job_status_id = ? AND datetime(updated_at, '+%v minute') <= datetime('now')", minutesAgo),
		jobStatus.ID,
	).Last(&job).Error
	if err != nil {
		return nil, err
	}

	return &job, nil
}
