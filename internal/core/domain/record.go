package domain

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrorKind classifies where a failure was observed.
type ErrorKind string

const (
	KindScript    ErrorKind = "script"
	KindPromise   ErrorKind = "promise"
	KindFramework ErrorKind = "framework"
	KindNetwork   ErrorKind = "network"
	KindAPI       ErrorKind = "api"
)

// Severity ranks how urgently a failure must be reported.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so callers can compare them.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// SourceLocation points at the code that raised the failure.
type SourceLocation struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

// ErrorRecord is a single observed failure.
// Only Reported changes after creation.
type ErrorRecord struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Kind      ErrorKind       `json:"type"`
	Message   string          `json:"message"`
	Stack     string          `json:"stack,omitempty"`
	Source    *SourceLocation `json:"source,omitempty"`
	Severity  Severity        `json:"severity"`
	Context   map[string]any  `json:"context,omitempty"`
	Reported  bool            `json:"reported"`
}

// NewErrorRecord creates a record stamped with a fresh ID and timestamp.
func NewErrorRecord(kind ErrorKind, message string, at time.Time) *ErrorRecord {
	return &ErrorRecord{
		ID:        uuid.New().String(),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Kind:      kind,
		Message:   message,
		Severity:  SeverityLow,
		Context:   make(map[string]any),
	}
}

// Clone returns a copy whose context map can be read without holding
// whatever lock guards the original.
func (r *ErrorRecord) Clone() ErrorRecord {
	c := *r
	if r.Context != nil {
		c.Context = maps.Clone(r.Context)
	}
	if r.Source != nil {
		src := *r.Source
		c.Source = &src
	}
	return c
}
