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
	EventTypeState     EventType = "state"
	EventTypeStep      EventType = "step"
	EventTypeClaim     EventType = "claim"
	EventTypeChallenge EventType = "challenge"
	EventTypeNotify    EventType = "notify"
	EventTypeBrowser   EventType = "browser"
	EventTypeHeartbeat EventType = "heartbeat"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	PlanID    string    `json:"plan_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. Browser-interaction events also go to
// a rotating file sink, since they are the trail needed when a target site
// changes shape.
type Logger struct {
	browserLogPath string
	maxSize        int64
}

func NewLogger() *Logger {
	return &Logger{
		browserLogPath: filepath.Join("logs", "browser.jsonl"),
		maxSize:        10 * 1024 * 1024, // 10MB
	}
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

	if evt.Type == EventTypeBrowser {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.browserLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.browserLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.browserLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
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
	oldPath := l.browserLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.browserLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogState(planID, state, caller string) {
	SetStatus(PhaseExecuting, planID+" @ "+state)
	l.Log(Event{
		Type:   EventTypeState,
		PlanID: planID,
		Data:   map[string]string{"state": state, "caller": caller},
	})
}

func (l *Logger) LogStep(planID, step, detail string) {
	l.Log(Event{
		Type:   EventTypeStep,
		PlanID: planID,
		Data:   map[string]string{"step": step, "detail": detail},
	})
}

func (l *Logger) LogClaim(planID string, openTime time.Time) {
	l.Log(Event{
		Type:   EventTypeClaim,
		PlanID: planID,
		Data:   map[string]string{"open_time": openTime.Format(time.RFC3339)},
	})
}

func (l *Logger) LogChallenge(planID, token string, expires time.Time) {
	l.Log(Event{
		Type:   EventTypeChallenge,
		PlanID: planID,
		Data: map[string]string{
			"token":   token,
			"expires": expires.Format(time.RFC3339),
		},
	})
}

func (l *Logger) LogNotify(planID, chatID string) {
	l.Log(Event{
		Type:   EventTypeNotify,
		PlanID: planID,
		Data:   map[string]string{"chat_id": chatID},
	})
}

func (l *Logger) LogBrowser(planID, action, target string) {
	l.Log(Event{
		Type:   EventTypeBrowser,
		PlanID: planID,
		Data:   map[string]string{"action": action, "target": target},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}
