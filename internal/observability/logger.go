package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeRun      EventType = "run"
	EventTypeStep     EventType = "step"
	EventTypeApproval EventType = "approval"
	EventTypeStore    EventType = "store"
	EventTypeHTTP     EventType = "http"
	EventTypeLLM      EventType = "llm"
	EventTypeError    EventType = "error"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Step      string    `json:"step,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger emits structured JSON events, one per line, to an output writer
// and optionally mirrors them into a JSONL file with simple rotation.
type Logger struct {
	out      io.Writer
	filePath string
	maxSize  int64
}

func NewLogger(filePath string) *Logger {
	return &Logger{
		out:      os.Stdout,
		filePath: filePath,
		maxSize:  10 * 1024 * 1024, // 10MB
	}
}

// NewQuietLogger logs only to the file, keeping stdout clean for
// full-screen UIs. With an empty path it discards everything.
func NewQuietLogger(filePath string) *Logger {
	return &Logger{
		out:      io.Discard,
		filePath: filePath,
		maxSize:  10 * 1024 * 1024,
	}
}

// NewTestLogger writes events to w and nowhere else.
func NewTestLogger(w io.Writer) *Logger {
	return &Logger{out: w}
}

func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Fprintf(l.out, "{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintln(l.out, string(data))

	if l.filePath != "" {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.filePath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.filePath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
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
	oldPath := l.filePath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.filePath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogRun(runID, status string) {
	l.Log(Event{
		Type:  EventTypeRun,
		RunID: runID,
		Data:  map[string]string{"status": status},
	})
}

func (l *Logger) LogStep(runID, step, status string) {
	l.Log(Event{
		Type:  EventTypeStep,
		RunID: runID,
		Step:  step,
		Data:  map[string]string{"status": status},
	})
}

func (l *Logger) LogApproval(runID, approvalID, outcome string) {
	l.Log(Event{
		Type:  EventTypeApproval,
		RunID: runID,
		Data: map[string]string{
			"approval_id": approvalID,
			"outcome":     outcome,
		},
	})
}

// LogStore records a persistence failure. The in-memory ledger stays
// authoritative, so these are reported rather than propagated.
func (l *Logger) LogStore(runID string, err error) {
	l.Log(Event{
		Type:  EventTypeStore,
		RunID: runID,
		Data:  map[string]string{"error": err.Error()},
	})
}

func (l *Logger) LogError(runID, step string, err error) {
	l.Log(Event{
		Type:  EventTypeError,
		RunID: runID,
		Step:  step,
		Data:  map[string]string{"error": err.Error()},
	})
}

func (l *Logger) LogLLM(runID, step, model string, promptChars, responseChars int) {
	l.Log(Event{
		Type:  EventTypeLLM,
		RunID: runID,
		Step:  step,
		Data: map[string]any{
			"model":          model,
			"prompt_chars":   promptChars,
			"response_chars": responseChars,
		},
	})
}
