package heartbeat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.json")

	w := NewWriter(path, "127.0.0.1:8729", "gpt-4o")
	w.TurnServed()
	w.TurnServed()
	w.Start()
	defer w.Stop()

	status, beat, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusAlive {
		t.Errorf("expected alive, got %s", status)
	}
	if beat == nil {
		t.Fatal("expected a beat, got nil")
	}
	if beat.PID != os.Getpid() {
		t.Errorf("PID: got %d, want %d", beat.PID, os.Getpid())
	}
	if beat.Address != "127.0.0.1:8729" || beat.Model != "gpt-4o" {
		t.Errorf("unexpected gateway identity: %q %q", beat.Address, beat.Model)
	}
	if beat.Turns != 2 {
		t.Errorf("expected 2 turns in the first beat, got %d", beat.Turns)
	}
	if beat.Uptime == "" {
		t.Error("expected non-empty uptime")
	}
}

func TestStaleDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.json")

	// Write a beat with an old timestamp directly
	old := Beat{
		PID:       os.Getpid(),
		Address:   "127.0.0.1:8729",
		StartedAt: time.Now().Add(-2 * time.Hour),
		BeatAt:    time.Now().Add(-1 * time.Hour),
		Uptime:    "1h0m0s",
	}
	data, _ := json.Marshal(old)
	os.WriteFile(path, data, 0o644)

	status, beat, err := Check(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusStale {
		t.Errorf("expected stale, got %s", status)
	}
	if beat == nil {
		t.Fatal("expected a beat, got nil")
	}
}

func TestDeadDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.json")

	status, beat, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusDead {
		t.Errorf("expected dead, got %s", status)
	}
	if beat != nil {
		t.Errorf("expected nil beat, got %+v", beat)
	}
}

func TestStopRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.json")

	w := NewWriter(path, "127.0.0.1:8729", "gpt-4o")
	w.Start()
	w.Stop()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected heartbeat file to be removed after Stop")
	}
}
