package debuglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func readEntries(t *testing.T, dir, sessionID, category string) []map[string]any {
	t.Helper()
	path := filepath.Join(dir, sessionID+"_"+category+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("expected log file %s to exist: %v", path, err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewWritesSessionStartWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	l := New(true, dir)

	entries := readEntries(t, dir, l.sessionID, "session")
	if len(entries) != 1 {
		t.Fatalf("expected exactly one session_start entry, got %d", len(entries))
	}
	if entries[0]["event"] != "session_start" {
		t.Fatalf("expected event=session_start, got %v", entries[0]["event"])
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(false, dir)
	l.LogError("test", "op", errors.New("boom"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("unexpected error reading dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected a disabled logger to create no files, found %d", len(entries))
	}
}

func TestLogReconciliationAppendsEntry(t *testing.T) {
	dir := t.TempDir()
	l := New(true, dir)
	l.LogReconciliation(3, 1, 2, []string{"o1"}, []string{"m1"}, true)

	entries := readEntries(t, dir, l.sessionID, "reconciliation")
	if len(entries) != 1 {
		t.Fatalf("expected 1 reconciliation entry, got %d", len(entries))
	}
	if entries[0]["total"].(float64) != 3 {
		t.Fatalf("expected total=3, got %v", entries[0]["total"])
	}
	if entries[0]["synced"] != true {
		t.Fatalf("expected synced=true, got %v", entries[0]["synced"])
	}
}

func TestLogCircuitBreakerTransitionAppendsEntry(t *testing.T) {
	dir := t.TempDir()
	l := New(true, dir)
	l.LogCircuitBreakerTransition("general", "closed", "open", 5)

	entries := readEntries(t, dir, l.sessionID, "circuit_breaker")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0]["to_state"] != "open" {
		t.Fatalf("expected to_state=open, got %v", entries[0]["to_state"])
	}
}

func TestEachWriteIncludesSessionMetadata(t *testing.T) {
	dir := t.TempDir()
	l := New(true, dir)
	l.LogStreamEvent("started", "s1", "e1")

	entries := readEntries(t, dir, l.sessionID, "streams")
	entry := entries[0]
	if entry["session_id"] != l.sessionID {
		t.Fatalf("expected session_id=%s, got %v", l.sessionID, entry["session_id"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("expected a timestamp field")
	}
	if _, ok := entry["elapsed_seconds"]; !ok {
		t.Fatal("expected an elapsed_seconds field")
	}
}

func TestGetReturnsDisabledLoggerWithoutInit(t *testing.T) {
	global = nil
	l := Get()
	if l.enabled {
		t.Fatal("expected a disabled logger when Init was never called")
	}
}

func TestInitInstallsProcessWideLogger(t *testing.T) {
	dir := t.TempDir()
	Init(true, dir)
	l := Get()
	if !l.enabled || l.logDir != dir {
		t.Fatalf("expected Get() to return the logger installed by Init, got enabled=%v logDir=%q", l.enabled, l.logDir)
	}
	// restore to avoid leaking an enabled global across other tests in this package.
	global = nil
}
