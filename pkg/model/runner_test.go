package model

import (
	"context"
	"errors"
	"testing"
	"time"
)

type blockingJob struct {
	timeout  time.Duration
	started  chan struct{}
	finished chan error
}

func newBlockingJob(timeout time.Duration) *blockingJob {
	return &blockingJob{
		timeout:  timeout,
		started:  make(chan struct{}),
		finished: make(chan error, 1),
	}
}

func (j *blockingJob) Name() string           { return "blocking" }
func (j *blockingJob) Timeout() time.Duration { return j.timeout }

func (j *blockingJob) Run(ctx context.Context) {
	close(j.started)
	<-ctx.Done()
	j.finished <- ctx.Err()
}

func waitFinished(t *testing.T, j *blockingJob) error {
	t.Helper()
	select {
	case err := <-j.finished:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for job to finish")
		return nil
	}
}

func waitGone(t *testing.T, repo ExecutionRepoManager, id string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		found := false
		for _, e := range repo.List() {
			if e.ID == id {
				found = true
			}
		}
		if !found {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("Execution %s still listed", id)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRunner_CancelThroughRepo(t *testing.T) {
	repo := NewExecutionRepo()
	job := newBlockingJob(time.Minute)

	id := NewRunner(repo).Start(context.Background(), job)
	<-job.started

	execs := repo.List()
	if len(execs) != 1 || execs[0].ID != id || execs[0].JobName != "blocking" {
		t.Fatalf("Unexpected executions: %+v", execs)
	}

	if !repo.Close(id) {
		t.Fatal("Expected Close to report a running execution")
	}
	if err := waitFinished(t, job); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected job context to be cancelled, got %v", err)
	}
	if repo.Close(id) {
		t.Error("Expected second Close to report nothing running")
	}
	if len(repo.List()) != 0 {
		t.Errorf("Expected no executions, got %+v", repo.List())
	}
}

func TestRunner_Timeout(t *testing.T) {
	repo := NewExecutionRepo()
	job := newBlockingJob(20 * time.Millisecond)

	id := NewRunner(repo).Start(context.Background(), job)

	if err := waitFinished(t, job); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	waitGone(t, repo, id)
}

func TestExecutionRepo_ListOrdered(t *testing.T) {
	repo := NewExecutionRepo()
	first := repo.Add(newBlockingJob(0), func() {})
	time.Sleep(time.Millisecond)
	second := repo.Add(newBlockingJob(0), func() {})

	execs := repo.List()
	if len(execs) != 2 || execs[0].ID != first || execs[1].ID != second {
		t.Errorf("Expected executions in start order, got %+v", execs)
	}
}
