package utils

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit severity levels
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "INFO"
	AuditWarn     AuditSeverity = "WARN"
	AuditError    AuditSeverity = "ERROR"
	AuditSecurity AuditSeverity = "SECURITY"
)

// Audit errors
var (
	ErrAuditLogClosed = errors.New("audit: log is closed")
)

// AuditConfig configures the audit logger
type AuditConfig struct {
	FilePath       string
	EnableRotation bool
	MaxSize        int // MB
	MaxBackups     int
	MaxAge         int // days
	Compress       bool

	EnableSigning bool
	SigningKey    []byte

	BufferSize    int
	FlushInterval time.Duration

	NodeID    string
	Component string
}

// DefaultAuditConfig returns secure defaults
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		EnableRotation: true,
		MaxSize:        100,
		MaxBackups:     30,
		MaxAge:         90,
		Compress:       true,
		EnableSigning:  true,
		BufferSize:     64 * 1024,
		FlushInterval:  5 * time.Second,
	}
}

// AuditRecord represents a single audit log entry. Records form a hash chain:
// each carries the hash of its predecessor so gaps and rewrites are detectable.
type AuditRecord struct {
	ID        string                 `json:"id"`
	Timestamp string                 `json:"ts"`
	Sequence  uint64                 `json:"seq"`
	Event     string                 `json:"event"`
	Severity  AuditSeverity          `json:"severity"`
	NodeID    string                 `json:"node_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Signature string                 `json:"sig,omitempty"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
}

// AuditLogger provides tamper-evident audit logging
type AuditLogger struct {
	config *AuditConfig
	writer io.Writer
	closer io.Closer

	sequence   uint64
	lastHash   string
	signingKey []byte

	buffer   *bufio.Writer
	bufferMu sync.Mutex

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}
	if config.FilePath == "" {
		return nil, errors.New("audit: file path is required")
	}

	var writer io.Writer
	var closer io.Closer
	if config.EnableRotation {
		rotator := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writer = rotator
		closer = rotator
	} else {
		f, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to open log: %w", err)
		}
		writer = f
		closer = f
	}

	a := &AuditLogger{
		config:     config,
		writer:     writer,
		closer:     closer,
		signingKey: config.SigningKey,
		buffer:     bufio.NewWriterSize(writer, config.BufferSize),
		stopCh:     make(chan struct{}),
	}

	if config.FlushInterval > 0 {
		a.wg.Add(1)
		go a.flushLoop()
	}

	return a, nil
}

// Info records an informational audit event
func (a *AuditLogger) Info(event string, fields map[string]interface{}) error {
	return a.record(event, AuditInfo, fields)
}

// Warn records a warning audit event
func (a *AuditLogger) Warn(event string, fields map[string]interface{}) error {
	return a.record(event, AuditWarn, fields)
}

// Error records an error audit event
func (a *AuditLogger) Error(event string, fields map[string]interface{}) error {
	return a.record(event, AuditError, fields)
}

// Security records a security-relevant audit event (slashing, equivocation)
func (a *AuditLogger) Security(event string, fields map[string]interface{}) error {
	return a.record(event, AuditSecurity, fields)
}

func (a *AuditLogger) record(event string, severity AuditSeverity, fields map[string]interface{}) error {
	if a.closed.Load() {
		return ErrAuditLogClosed
	}

	a.bufferMu.Lock()
	defer a.bufferMu.Unlock()

	a.sequence++
	rec := AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sequence:  a.sequence,
		Event:     event,
		Severity:  severity,
		NodeID:    a.config.NodeID,
		Component: a.config.Component,
		Fields:    fields,
		PrevHash:  a.lastHash,
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal failed: %w", err)
	}

	if a.config.EnableSigning && len(a.signingKey) > 0 {
		mac := hmac.New(sha256.New, a.signingKey)
		mac.Write(payload)
		rec.Signature = hex.EncodeToString(mac.Sum(nil))
		payload, err = json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("audit: marshal failed: %w", err)
		}
	}

	sum := sha256.Sum256(payload)
	a.lastHash = hex.EncodeToString(sum[:])

	if _, err := a.buffer.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("audit: write failed: %w", err)
	}
	return nil
}

// Flush forces buffered records to the underlying writer
func (a *AuditLogger) Flush() error {
	a.bufferMu.Lock()
	defer a.bufferMu.Unlock()
	return a.buffer.Flush()
}

// Close flushes and closes the audit log
func (a *AuditLogger) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	close(a.stopCh)
	a.wg.Wait()
	if err := a.Flush(); err != nil {
		return err
	}
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

func (a *AuditLogger) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			_ = a.Flush()
		}
	}
}
