// Audit logging for pipeline runs. Audit events are structured JSONL
// records, one file per day, written regardless of debug mode so that
// accepted and exhausted jobs leave a durable trail.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Job lifecycle
	AuditJobStart     AuditEventType = "job_start"
	AuditJobAccepted  AuditEventType = "job_accepted"
	AuditJobExhausted AuditEventType = "job_exhausted"
	AuditJobFatal     AuditEventType = "job_fatal"

	// Iteration events
	AuditIteration AuditEventType = "iteration"

	// Library events
	AuditLibraryHit     AuditEventType = "library_hit"
	AuditLibraryMiss    AuditEventType = "library_miss"
	AuditPatternStored  AuditEventType = "pattern_stored"
	AuditPatternReplace AuditEventType = "pattern_replaced"

	// Generator events
	AuditGeneratorCall  AuditEventType = "generator_call"
	AuditGeneratorError AuditEventType = "generator_error"
)

// AuditEvent is one structured audit record.
type AuditEvent struct {
	Timestamp int64                  `json:"ts"`
	Type      AuditEventType         `json:"type"`
	JobID     string                 `json:"job_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// AuditLogger writes audit events as JSONL.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

var (
	auditLogger *AuditLogger
	auditMu     sync.Mutex
)

// InitializeAudit opens the audit log under the workspace. Safe to call
// more than once; later calls replace the active file.
func InitializeAudit(workspace string) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	dir := filepath.Join(workspace, ".datanerd", "audit")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	path := filepath.Join(dir, time.Now().Format("2006-01-02")+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	if auditLogger != nil && auditLogger.file != nil {
		auditLogger.file.Close()
	}
	auditLogger = &AuditLogger{file: file}
	return nil
}

// CloseAudit closes the audit log.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditLogger != nil && auditLogger.file != nil {
		auditLogger.file.Close()
		auditLogger = nil
	}
}

// Audit writes one audit event. A no-op before InitializeAudit.
func Audit(eventType AuditEventType, jobID string, fields map[string]interface{}) {
	auditMu.Lock()
	l := auditLogger
	auditMu.Unlock()
	if l == nil {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now().UnixMilli(),
		Type:      eventType,
		JobID:     jobID,
		Fields:    fields,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.file.Write(append(data, '\n'))
}
