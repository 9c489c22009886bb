// Package audit records run lifecycle events as JSON lines.
//
// Audit events complement the operational log: every queued, claimed,
// finished or failed run and every node health transition is appended to a
// file so an operator can reconstruct what happened to a run after the fact.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Run lifecycle
	EventRunEnqueued    EventType = "run_enqueued"
	EventRunClaimed     EventType = "run_claimed"
	EventRunRejected    EventType = "run_rejected"
	EventRunStarted     EventType = "run_started"
	EventPhaseCompleted EventType = "phase_completed"
	EventRunSucceeded   EventType = "run_succeeded"
	EventRunFailed      EventType = "run_failed"
	EventRunTimeout     EventType = "run_timeout"

	// Scheduling and nodes
	EventJobsScheduled     EventType = "jobs_scheduled"
	EventNodeHealthChanged EventType = "node_health_changed"

	// Worker lifecycle
	EventWorkerStart EventType = "worker_start"
	EventWorkerStop  EventType = "worker_stop"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARN"
	SeverityError   Severity = "ERROR"
)

// Event represents an audit event.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Instance  string                 `json:"instance,omitempty"`
	RunID     int64                  `json:"run_id,omitempty"`
	JobID     int64                  `json:"job_id,omitempty"`
	NodeID    int64                  `json:"node_id,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Recorder accepts audit events.
type Recorder interface {
	Log(event Event)
}

// Nop discards every event.
type Nop struct{}

// Log implements Recorder.
func (Nop) Log(Event) {}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// Instance identifies this process in every event.
	Instance string `yaml:"instance" json:"instance"`

	// LogFile is the path to the audit log file.
	// Default: ./data/audit.log
	LogFile string `yaml:"log_file" json:"log_file"`

	// BufferSize is the number of events to buffer before flushing.
	// Default: 100
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`

	// FlushInterval is how often to flush buffered events.
	// Default: 5 seconds
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`

	// Verbose echoes events to stdout.
	Verbose bool `yaml:"verbose" json:"verbose"`
}

// DefaultLoggerConfig returns sensible defaults.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		LogFile:       filepath.Join("data", "audit.log"),
		BufferSize:    100,
		FlushInterval: 5 * time.Second,
	}
}

// Logger is a buffered, file-backed Recorder.
type Logger struct {
	config *LoggerConfig
	file   *os.File
	mu     sync.Mutex

	buffer   []Event
	bufferMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLogger creates a new audit logger.
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLoggerConfig()
	}
	if config.LogFile == "" {
		config.LogFile = DefaultLoggerConfig().LogFile
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(config.LogFile), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		config: config,
		file:   file,
		buffer: make([]Event, 0, config.BufferSize),
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins background flushing.
func (l *Logger) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Stop stops background flushing, flushes remaining events and closes the file.
func (l *Logger) Stop() error {
	l.mu.Lock()
	if l.running {
		l.running = false
		close(l.stopCh)
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.Flush()
	return l.file.Close()
}

// Log records an audit event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Instance == "" {
		event.Instance = l.config.Instance
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, event)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if l.config.Verbose {
		printEvent(event)
	}
	if shouldFlush {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.Flush()
		}()
	}
}

// Flush writes buffered events to disk.
func (l *Logger) Flush() {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	events := l.buffer
	l.buffer = make([]Event, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = l.file.Write(append(data, '\n'))
	}
	_ = l.file.Sync()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

func printEvent(event Event) {
	fmt.Printf("[%s] [%s] %s: %s\n", event.Timestamp.Format("2006-01-02 15:04:05"), event.Severity, event.Type, event.Message)
	if event.Error != "" {
		fmt.Printf("  Error: %s\n", event.Error)
	}
}

// RunEvent builds an info event for a run.
func RunEvent(t EventType, runID, jobID int64, message string) Event {
	return Event{Type: t, Severity: SeverityInfo, RunID: runID, JobID: jobID, Message: message}
}

// RunError builds an error event for a run.
func RunError(t EventType, runID, jobID int64, err error) Event {
	e := Event{Type: t, Severity: SeverityError, RunID: runID, JobID: jobID, Message: "run failed"}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
