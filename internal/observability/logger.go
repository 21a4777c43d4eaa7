package observability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeDispatch    EventType = "dispatch"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeApproval    EventType = "approval"
	EventTypeStep        EventType = "step"
	EventTypeDeadLetter  EventType = "dead_letter"
	EventTypeHTTP        EventType = "http"
	EventTypeHeartbeat   EventType = "heartbeat"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	PlanID    string    `json:"plan_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. Step events are additionally appended
// to a size-bounded JSONL audit file.
type Logger struct {
	auditLogPath string
	maxSize      int64
}

func NewLogger() *Logger {
	return &Logger{
		auditLogPath: filepath.Join("logs", "steps.jsonl"),
		maxSize:      10 * 1024 * 1024, // 10MB
	}
}

// NewLoggerAt writes the audit file under dir instead of the default logs/.
func NewLoggerAt(dir string) *Logger {
	l := NewLogger()
	l.auditLogPath = filepath.Join(dir, "steps.jsonl")
	return l
}

// Log emits a structured JSON event to stdout.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Printf("{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Println(string(data))

	if evt.Type == EventTypeStep || evt.Type == EventTypeDeadLetter {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.auditLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.auditLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.auditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.auditLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.auditLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogPolicyCheck(planID, traceID, stepID, capability string, allowed bool, reasons []string) {
	l.Log(Event{
		Type:    EventTypePolicyCheck,
		PlanID:  planID,
		TraceID: traceID,
		Data: map[string]any{
			"step_id":    stepID,
			"capability": capability,
			"allowed":    allowed,
			"reasons":    reasons,
		},
	})
}

func (l *Logger) LogDispatch(planID, traceID, stepID, idempotencyKey string) {
	l.Log(Event{
		Type:    EventTypeDispatch,
		PlanID:  planID,
		TraceID: traceID,
		Data: map[string]string{
			"step_id":         stepID,
			"idempotency_key": idempotencyKey,
		},
	})
}

func (l *Logger) LogApproval(planID, stepID, capability string, approved bool) {
	l.Log(Event{
		Type:   EventTypeApproval,
		PlanID: planID,
		Data: map[string]any{
			"step_id":    stepID,
			"capability": capability,
			"approved":   approved,
		},
	})
}

func (l *Logger) LogDeadLetter(topic, idempotencyKey, reason string) {
	l.Log(Event{
		Type: EventTypeDeadLetter,
		Data: map[string]string{
			"topic":           topic,
			"idempotency_key": idempotencyKey,
			"reason":          reason,
		},
	})
}

func (l *Logger) LogHeartbeat(depths map[string]int) {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]any{"status": "alive", "queue_depths": depths},
	})
}
