// Package audit stores the append-only system log: one entry per relay
// transition, rule change, and device log line.
//
// Entries are write-only from the point of view of the automation logic.
// They are listed for operators and broadcast as they are written, but never
// consulted when deciding what a relay should do.
package audit

import (
	"strings"
	"time"
)

// Level is the severity of a system log entry.
type Level string

// Supported levels.
const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Source identifies which part of the system produced an entry.
type Source string

// Known sources.
const (
	SourceDevice     Source = "esp32"
	SourceAPI        Source = "api"
	SourceSystem     Source = "system"
	SourceRuleEngine Source = "rule_engine"
)

// Entry is a single system log record.
type Entry struct {
	ID        string         `json:"id"`
	Level     Level          `json:"level"`
	Source    Source         `json:"source"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Filter controls which entries List returns.
type Filter struct {
	Level  Level  // optional
	Source Source // optional
	Limit  int    // default 50, max 500
}

// Limits for List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ParseLevel maps free-form level strings (as sent by devices) onto a Level.
// "warn" becomes warning; anything unrecognised becomes info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarning
	case "error", "err":
		return LevelError
	default:
		return LevelInfo
	}
}

// Valid reports whether l is one of the supported levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}
