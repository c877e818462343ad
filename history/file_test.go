package history

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFileSourceReadsSnapshot(t *testing.T) {
	dir := t.TempDir()
	src := NewFileSource(dir)

	records, err := src.HistoryRecords(context.Background())
	if err != nil {
		t.Fatalf("missing file should be empty history, got %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}

	raw := `[{"id":"srv-1","sender":"T1","content":"hello","timestamp":10,"outgoing":false,"status":"sent"},
{"id":"srv-2","sender":"self","content":"hi","timestamp":11,"outgoing":true,"status":"delivered"}]`
	if err := os.WriteFile(filepath.Join(dir, DefaultFileName), []byte(raw), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	records, err = src.HistoryRecords(context.Background())
	if err != nil {
		t.Fatalf("HistoryRecords failed: %v", err)
	}
	if len(records) != 2 || !records[1].Outgoing || records[0].Sender != "T1" {
		t.Fatalf("unexpected records %+v", records)
	}

	if err := src.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := src.Remove(); err != nil {
		t.Fatalf("second Remove should be a no-op, got %v", err)
	}
}

func TestFileSourceRejectsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultFileName), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if _, err := NewFileSource(dir).HistoryRecords(context.Background()); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWatcherReportsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)

	var changes int32
	watcher, err := Watch(path, 20*time.Millisecond, zerolog.Nop(), func() {
		atomic.AddInt32(&changes, 1)
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(filepath.Join(dir, "unrelated.json"), []byte("[]"), 0o600); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}
	if err := os.WriteFile(path, []byte("[]"), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&changes) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for change notification")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
