package logger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type lokiRecorder struct {
	mu     sync.Mutex
	lines  []string
	pushed chan struct{}
}

func newLokiRecorder() *lokiRecorder {
	return &lokiRecorder{pushed: make(chan struct{}, 64)}
}

func (r *lokiRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var push lokiPushRequest
		if err := json.NewDecoder(req.Body).Decode(&push); err != nil {
			t.Errorf("Failed to decode push request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		for _, stream := range push.Streams {
			if stream.Stream["service"] != "fib-service" {
				t.Errorf("Unexpected stream labels: %v", stream.Stream)
			}
			for _, v := range stream.Values {
				r.lines = append(r.lines, v[1])
			}
		}
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

		select {
		case r.pushed <- struct{}{}:
		default:
		}
	}
}

// waitFor blocks until at least n lines were pushed or the timeout expires.
func (r *lokiRecorder) waitFor(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for r.count() < n {
		select {
		case <-r.pushed:
		case <-deadline:
			return r.count() >= n
		}
	}
	return true
}

func (r *lokiRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func TestLokiWriter_FlushOnClose(t *testing.T) {
	rec := newLokiRecorder()
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	w := NewLokiWriter(srv.URL, nil, 100, time.Hour)
	lines := []string{
		`{"level":"info","message":"computed"}`,
		`{"level":"debug","message":"dropped below min level"}`,
		`{"level":"warn","message":"too large"}`,
		`not json`,
	}
	for _, line := range lines {
		if _, err := w.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("Write returned error: %v", err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if got := rec.count(); got != 2 {
		t.Errorf("Expected 2 lines pushed, got %d", got)
	}
}

func TestLokiWriter_FlushOnBatchSize(t *testing.T) {
	rec := newLokiRecorder()
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	w := NewLokiWriter(srv.URL, nil, 2, time.Hour)
	defer w.Close()

	for i := 0; i < 2; i++ {
		if _, err := w.Write([]byte(`{"level":"error","message":"x"}`)); err != nil {
			t.Fatalf("Write returned error: %v", err)
		}
	}

	if !rec.waitFor(2, 5*time.Second) {
		t.Fatalf("Timed out waiting for batch push, got %d lines", rec.count())
	}
	if got := rec.count(); got != 2 {
		t.Errorf("Expected batch of 2 pushed before Close, got %d", got)
	}
}

func TestLokiWriter_WriteAfterClose(t *testing.T) {
	rec := newLokiRecorder()
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	w := NewLokiWriter(srv.URL, nil, 1, time.Hour)
	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}

	n, err := w.Write([]byte(`{"level":"info"}`))
	if err != nil || n == 0 {
		t.Fatalf("Write after Close = (%d, %v)", n, err)
	}
	if got := rec.count(); got != 0 {
		t.Errorf("Expected nothing pushed after Close, got %d", got)
	}
}
