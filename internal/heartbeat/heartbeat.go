// Package heartbeat maintains the gateway liveness file. A running gateway
// rewrites the file on an interval with its listen address, serving model and
// turn count; the info command reads it to tell whether a gateway is up.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the liveness verdict for a heartbeat file.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Beat is one liveness sample from a running gateway.
type Beat struct {
	PID       int       `json:"pid"`
	Address   string    `json:"address"`
	Model     string    `json:"model"`
	Turns     int64     `json:"turns"`
	StartedAt time.Time `json:"started_at"`
	BeatAt    time.Time `json:"beat_at"`
	Uptime    string    `json:"uptime"`
}

// Writer periodically writes the gateway's heartbeat file.
type Writer struct {
	path     string
	address  string
	model    string
	interval time.Duration
	started  time.Time
	turns    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a writer for the gateway at address serving model,
// beating every 30s.
func NewWriter(path, address, model string) *Writer {
	return &Writer{
		path:     path,
		address:  address,
		model:    model,
		interval: 30 * time.Second,
	}
}

// TurnServed bumps the turn counter carried in each beat. Safe to call from
// any goroutine.
func (w *Writer) TurnServed() {
	w.turns.Add(1)
}

// Start begins beating in a background goroutine.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return // already running
	}

	w.started = time.Now()
	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	// First beat lands before Start returns so info sees the gateway
	// as soon as serve is up.
	w.write()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.write()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops beating and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	os.Remove(w.path)
}

func (w *Writer) write() {
	beat := Beat{
		PID:       os.Getpid(),
		Address:   w.address,
		Model:     w.model,
		Turns:     w.turns.Load(),
		StartedAt: w.started,
		BeatAt:    time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
	}

	data, err := json.MarshalIndent(beat, "", "  ")
	if err != nil {
		return
	}

	// Atomic write: tmp + rename
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, w.path)
}

// Check reads a heartbeat file and judges it against maxAge. A missing file
// means no gateway is running on this machine.
func Check(path string, maxAge time.Duration) (Status, *Beat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var beat Beat
	if err := json.Unmarshal(data, &beat); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(beat.BeatAt) > maxAge {
		return StatusStale, &beat, nil
	}

	return StatusAlive, &beat, nil
}
