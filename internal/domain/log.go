package domain

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a log record.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Levels lists every accepted level in ascending severity.
var Levels = []Level{LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical}

// ParseLevel normalises a level name. WARN is accepted as WARNING.
func ParseLevel(value string) (Level, error) {
	upper := strings.ToUpper(strings.TrimSpace(value))
	if upper == "WARN" {
		return LevelWarning, nil
	}
	for _, lvl := range Levels {
		if string(lvl) == upper {
			return lvl, nil
		}
	}
	return "", fmt.Errorf("unknown level %q", value)
}

// LogRecord is a single structured log event accepted by the processor.
type LogRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Service   string    `json:"service"`
	Message   string    `json:"message"`
	TraceID   string    `json:"trace_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}

// LogFilter selects records for a range query. Zero values mean "unset".
type LogFilter struct {
	Start   time.Time
	End     time.Time
	Level   Level
	Service string
	Limit   int
}
