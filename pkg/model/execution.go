package model

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Execution is a snapshot of a running job.
type Execution struct {
	ID        string    `json:"id"`
	JobName   string    `json:"job_name"`
	StartTime time.Time `json:"start_time"`
}

type ExecutionRepoManager interface {
	Add(job Job, cancelFunc context.CancelFunc) string
	List() []Execution
	// Close cancels the execution and forgets it. It reports whether id was
	// still running.
	Close(id string) bool
}

var ExecutionRepo ExecutionRepoManager = NewExecutionRepo()

func NewExecutionRepo() ExecutionRepoManager {
	return &executionRepo{
		runningJobs: make(map[string]*jobExecution),
	}
}

type executionRepo struct {
	runningJobs map[string]*jobExecution
	mutex       sync.RWMutex
}

func (e *executionRepo) Add(job Job, cancelFunc context.CancelFunc) string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	exec := newJobExecution(job, cancelFunc)
	e.runningJobs[exec.id] = exec
	return exec.id
}

// List returns the running executions, oldest first.
func (e *executionRepo) List() []Execution {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	execs := make([]Execution, 0, len(e.runningJobs))
	for _, exec := range e.runningJobs {
		execs = append(execs, Execution{
			ID:        exec.id,
			JobName:   exec.jobName,
			StartTime: exec.startTime,
		})
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].StartTime.Before(execs[j].StartTime)
	})
	return execs
}

func (e *executionRepo) Close(id string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	exec, exists := e.runningJobs[id]
	if !exists {
		return false
	}
	exec.cancel()
	delete(e.runningJobs, id)
	return true
}

func newJobExecution(job Job, cancelFunc context.CancelFunc) *jobExecution {
	return &jobExecution{
		id:        uuid.NewString(),
		startTime: time.Now(),
		jobName:   job.Name(),
		cancel:    cancelFunc,
	}
}

type jobExecution struct {
	id        string
	jobName   string
	startTime time.Time
	cancel    context.CancelFunc
}
