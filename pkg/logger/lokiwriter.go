package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultLokiBatchSize     = 100
	defaultLokiFlushInterval = 2 * time.Second
)

// LokiWriter batches JSON log lines and pushes them to Loki's push API.
type LokiWriter struct {
	url       string
	labels    map[string]string
	client    *http.Client
	batchSize int
	minLevel  zerolog.Level

	mu      sync.Mutex
	buffer  []lokiLogEntry
	ticker  *time.Ticker
	done    chan struct{}
	stopped sync.WaitGroup
	sending sync.WaitGroup
	closed  bool
}

type lokiLogEntry struct {
	timestamp string
	line      string
}

type lokiPushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiPushRequest struct {
	Streams []lokiPushStream `json:"streams"`
}

func NewLokiWriter(url string, labels map[string]string, batchSize int, flushInterval time.Duration) *LokiWriter {
	if batchSize <= 0 {
		batchSize = defaultLokiBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultLokiFlushInterval
	}
	if labels == nil {
		labels = map[string]string{"service": "fib-service"}
	}

	w := &LokiWriter{
		url:       url,
		labels:    labels,
		client:    &http.Client{Timeout: 5 * time.Second},
		batchSize: batchSize,
		minLevel:  zerolog.InfoLevel,
		buffer:    make([]lokiLogEntry, 0, batchSize),
		ticker:    time.NewTicker(flushInterval),
		done:      make(chan struct{}),
	}

	w.stopped.Add(1)
	go w.flusher()

	return w
}

// Write implements io.Writer. Lines below the minimum level, or that are not
// JSON, are dropped silently.
func (w *LokiWriter) Write(p []byte) (int, error) {
	var fields struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return len(p), nil
	}
	if level, err := zerolog.ParseLevel(fields.Level); err == nil && level < w.minLevel {
		return len(p), nil
	}

	w.buffer = append(w.buffer, lokiLogEntry{
		timestamp: strconv.FormatInt(time.Now().UnixNano(), 10),
		line:      string(bytes.TrimSpace(p)),
	})

	if len(w.buffer) >= w.batchSize {
		w.flushLocked()
	}

	return len(p), nil
}

func (w *LokiWriter) flusher() {
	defer w.stopped.Done()
	for {
		select {
		case <-w.ticker.C:
			w.mu.Lock()
			w.flushLocked()
			w.mu.Unlock()
		case <-w.done:
			return
		}
	}
}

func (w *LokiWriter) flushLocked() {
	if len(w.buffer) == 0 {
		return
	}

	values := make([][]string, 0, len(w.buffer))
	for _, entry := range w.buffer {
		values = append(values, []string{entry.timestamp, entry.line})
	}
	w.buffer = w.buffer[:0]

	req := lokiPushRequest{
		Streams: []lokiPushStream{{Stream: w.labels, Values: values}},
	}

	w.sending.Add(1)
	go func() {
		defer w.sending.Done()
		if err := w.send(req); err != nil {
			// The logger itself may be writing here, so report on stderr only.
			fmt.Fprintf(os.Stderr, "loki push failed: %v\n", err)
		}
	}()
}

func (w *LokiWriter) send(req lokiPushRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("post to loki: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("loki responded with status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the background flusher, pushes what is buffered and waits for
// in-flight pushes to finish.
func (w *LokiWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.ticker.Stop()
	close(w.done)
	w.stopped.Wait()

	w.mu.Lock()
	w.flushLocked()
	w.mu.Unlock()

	w.sending.Wait()
	return nil
}
