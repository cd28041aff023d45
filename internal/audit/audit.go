// Package audit records the lifecycle of execution jobs as structured events.
package audit

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventJobAcquired is logged when a job directory is created.
	EventJobAcquired EventType = "job_acquired"

	// EventExecutionStarted is logged before the interpreter is spawned.
	EventExecutionStarted EventType = "execution_started"

	// EventExecutionCompleted is logged when the program exits on its own.
	EventExecutionCompleted EventType = "execution_completed"

	// EventExecutionTimeout is logged when the program is killed at its deadline.
	EventExecutionTimeout EventType = "execution_timeout"

	// EventJobReleased is logged when a caller releases a job.
	EventJobReleased EventType = "job_released"

	// EventJobSwept is logged when the TTL sweep releases a job.
	EventJobSwept EventType = "job_swept"
)

// Event is one job lifecycle event.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  EventType      `json:"event_type"`
	JobID      string         `json:"job_id"`
	WorkDir    string         `json:"work_dir,omitempty"`
	Result     string         `json:"result"` // success, failure, retained
	ExitCode   *int           `json:"exit_code,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Artifacts  int            `json:"artifacts,omitempty"`
	ErrorMsg   string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Logger writes audit events.
type Logger struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewLogger creates a new audit logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Log writes an audit event.
func (l *Logger) Log(event *Event) {
	event.Timestamp = l.now().UTC()
	if event.Result == "" {
		event.Result = "success"
	}

	eventJSON, _ := json.Marshal(event)

	logEvent := l.logger.Info().
		Str("event_type", string(event.EventType)).
		Str("job_id", event.JobID).
		Str("result", event.Result)
	if event.ErrorMsg != "" {
		logEvent = logEvent.Str("error", event.ErrorMsg)
	}
	logEvent.RawJSON("audit_event", eventJSON).Msg("Audit event")
}

// JobAcquired logs the creation of a job directory.
func (l *Logger) JobAcquired(jobID, workDir string) {
	l.Log(&Event{EventType: EventJobAcquired, JobID: jobID, WorkDir: workDir})
}

// ExecutionStarted logs the spawn of a program.
func (l *Logger) ExecutionStarted(jobID, interpreter string) {
	l.Log(&Event{
		EventType: EventExecutionStarted,
		JobID:     jobID,
		Details:   map[string]any{"interpreter": interpreter},
	})
}

// ExecutionFinished logs the end of a program run. Timeouts are logged as
// their own event type.
func (l *Logger) ExecutionFinished(jobID string, exitCode int, duration time.Duration, timedOut bool, err error) {
	event := &Event{
		EventType:  EventExecutionCompleted,
		JobID:      jobID,
		ExitCode:   &exitCode,
		DurationMs: duration.Milliseconds(),
	}
	if timedOut {
		event.EventType = EventExecutionTimeout
		event.Result = "failure"
	}
	if err != nil {
		event.Result = "failure"
		event.ErrorMsg = err.Error()
	}
	l.Log(event)
}

// JobReleased logs a caller release.
func (l *Logger) JobReleased(jobID string, retained bool, archived int, err error) {
	l.Log(releaseEvent(EventJobReleased, jobID, retained, archived, err))
}

// JobSwept logs a release by the TTL sweep.
func (l *Logger) JobSwept(jobID string, age time.Duration, archived int, err error) {
	event := releaseEvent(EventJobSwept, jobID, false, archived, err)
	event.Details = map[string]any{"age_seconds": int64(age.Seconds())}
	l.Log(event)
}

func releaseEvent(t EventType, jobID string, retained bool, archived int, err error) *Event {
	event := &Event{EventType: t, JobID: jobID, Artifacts: archived}
	if retained {
		event.Result = "retained"
	}
	if err != nil {
		event.Result = "failure"
		event.ErrorMsg = err.Error()
	}
	return event
}
