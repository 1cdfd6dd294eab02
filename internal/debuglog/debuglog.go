// Acexy - Copyright (C) 2024 - Javinator9889 <dev at javinator9889 dot com>
// This program comes with ABSOLUTELY NO WARRANTY; for details type `show w'.
// This is free software, and you are welcome to redistribute it
// under certain conditions; type `show c' for details.

// Package debuglog adapts lib/debug's per-category JSONL session logger
// to the orchestrator's domain events: reconciliation passes,
// circuit-breaker transitions, emergency-mode transitions, and
// provisioning attempts, in place of the original's HTTP-proxy-shaped
// categories (requests, engine selection, orchestrator health).
package debuglog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes structured JSONL debug events, one file per category per
// session, exactly like lib/debug.DebugLogger's writeLog.
type Logger struct {
	enabled      bool
	logDir       string
	sessionID    string
	sessionStart time.Time
	mu           sync.Mutex
}

// New creates a Logger. When enabled is false every logging call is a
// no-op, so callers need not guard calls with a config check.
func New(enabled bool, logDir string) *Logger {
	sessionID := time.Now().Format("20060102_150405")
	l := &Logger{enabled: enabled, logDir: logDir, sessionStart: time.Now(), sessionID: sessionID}

	if enabled {
		os.MkdirAll(logDir, 0755)
		l.write("session", map[string]any{"event": "session_start", "session_id": sessionID})
	}
	return l
}

func (l *Logger) write(category string, data map[string]any) {
	if !l.enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := map[string]any{
		"session_id":      l.sessionID,
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"elapsed_seconds": time.Since(l.sessionStart).Seconds(),
	}
	for k, v := range data {
		entry[k] = v
	}

	filename := filepath.Join(l.logDir, fmt.Sprintf("%s_%s.jsonl", l.sessionID, category))
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer file.Close()

	json.NewEncoder(file).Encode(entry)
}

// LogReconciliation records one ReplicaValidator pass.
func (l *Logger) LogReconciliation(total, used, free int, orphaned, missing []string, synced bool) {
	l.write("reconciliation", map[string]any{
		"total":    total,
		"used":     used,
		"free":     free,
		"orphaned": orphaned,
		"missing":  missing,
		"synced":   synced,
	})
}

// LogCircuitBreakerTransition records a circuit breaker state change.
func (l *Logger) LogCircuitBreakerTransition(class, fromState, toState string, failureCount int) {
	l.write("circuit_breaker", map[string]any{
		"class":         class,
		"from_state":    fromState,
		"to_state":      toState,
		"failure_count": failureCount,
	})
}

// LogModeTransition records an Emergency/Recovery/Reprovisioning mode
// entry or exit.
func (l *Logger) LogModeTransition(mode, action string, details map[string]any) {
	data := map[string]any{"mode": mode, "action": action}
	for k, v := range details {
		data[k] = v
	}
	l.write("mode_transitions", data)
}

// LogProvisioning records a single engine start or stop attempt.
func (l *Logger) LogProvisioning(operation string, duration time.Duration, success bool, errorMsg string) {
	l.write("provisioning", map[string]any{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
		"success":     success,
		"error":       errorMsg,
	})
}

// LogStreamEvent records a stream lifecycle event.
func (l *Logger) LogStreamEvent(eventType, streamID, engineID string) {
	l.write("streams", map[string]any{
		"event_type": eventType,
		"stream_id":  streamID,
		"engine_id":  engineID,
	})
}

// LogError records an error with component/operation context.
func (l *Logger) LogError(component, operation string, err error) {
	l.write("errors", map[string]any{
		"component":     component,
		"operation":     operation,
		"error_message": err.Error(),
	})
}

var global *Logger

// Init installs the process-wide Logger. Call once at startup.
func Init(enabled bool, logDir string) {
	global = New(enabled, logDir)
}

// Get returns the process-wide Logger, creating a disabled one if Init
// was never called (keeps tests that skip Init safe to run).
func Get() *Logger {
	if global == nil {
		global = New(false, "")
	}
	return global
}
