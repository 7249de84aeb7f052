package history_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/companion-labs/gateway/history"
)

func TestFileRecorderWritesRows(t *testing.T) {
	dir := t.TempDir()
	rec, err := history.NewFileRecorder(dir)
	if err != nil {
		t.Fatalf("NewFileRecorder failed: %v", err)
	}

	rec.Record(history.Record{
		Channel:   history.ChannelHub,
		DeviceID:  "T1",
		UserID:    "42",
		Inbound:   "basic-empathy-starter",
		Outbound:  "is-typing",
		StartedAt: time.Now().Add(-time.Second),
	})
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log file, got %v (%v)", entries, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], "basic-empathy-starter") || !strings.Contains(lines[1], "T1") {
		t.Errorf("row missing fields: %s", lines[1])
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	dir := t.TempDir()
	rec, err := history.NewFileRecorder(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			rec.Record(history.Record{Channel: history.ChannelGateway})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked the caller")
	}
}
