package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LokiConfig contains configuration for the Loki writer.
type LokiConfig struct {
	Endpoint      string            // push endpoint, e.g. http://loki:3100/loki/api/v1/push
	Labels        map[string]string // stream labels; job defaults to "opte"
	BatchSize     int               // lines per push
	FlushInterval string            // e.g. "5s"
}

var errLokiClosed = errors.New("loki writer is closed")

// LokiWriter is an io.Writer that batches log lines and pushes them to
// Grafana Loki. A push failure drops the batch; logging never blocks on Loki.
type LokiWriter struct {
	endpoint  string
	labels    map[string]string
	batchSize int
	interval  time.Duration
	client    *http.Client

	mu      sync.Mutex
	pending [][2]string // {unix nanos, line}
	closed  bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// NewLokiWriter creates a writer and starts its background pusher.
func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	interval := 5 * time.Second
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid flush interval: %w", err)
		}
		interval = d
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "opte"
	}

	lw := &LokiWriter{
		endpoint:  cfg.Endpoint,
		labels:    labels,
		batchSize: batch,
		interval:  interval,
		client:    &http.Client{Timeout: 10 * time.Second},
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	lw.wg.Add(1)
	go lw.run()
	return lw, nil
}

// Write queues one log line.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return 0, errLokiClosed
	}
	lw.pending = append(lw.pending, [2]string{strconv.FormatInt(time.Now().UnixNano(), 10), line})
	full := len(lw.pending) >= lw.batchSize
	lw.mu.Unlock()

	if full {
		select {
		case lw.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Close pushes what is pending and stops the pusher.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	lw.mu.Unlock()

	close(lw.done)
	lw.wg.Wait()
	return lw.flush()
}

func (lw *LokiWriter) run() {
	defer lw.wg.Done()
	ticker := time.NewTicker(lw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-lw.kick:
		case <-lw.done:
			return
		}
		_ = lw.flush()
	}
}

func (lw *LokiWriter) take() [][2]string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	out := lw.pending
	lw.pending = nil
	return out
}

func (lw *LokiWriter) flush() error {
	values := lw.take()
	if len(values) == 0 {
		return nil
	}
	body, err := json.Marshal(lokiPush{Streams: []lokiStream{{Stream: lw.labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("failed to marshal loki request: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if lastErr = lw.push(body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after 3 attempts: %w", lastErr)
}

func (lw *LokiWriter) push(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
