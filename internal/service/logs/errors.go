package logs

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports a record rejected at ingestion.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid log record: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// UnavailableError lists the dependencies that failed a readiness probe.
type UnavailableError struct {
	Components map[string]error
}

func (e *UnavailableError) Error() string {
	names := make([]string, 0, len(e.Components))
	for name := range e.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Components[name]))
	}
	return "not ready: " + strings.Join(parts, "; ")
}

// Status renders per-component readiness. Components absent from the error
// are reported as connected.
func (e *UnavailableError) Status(components ...string) map[string]string {
	out := make(map[string]string, len(components))
	for _, name := range components {
		if err, ok := e.Components[name]; ok && err != nil {
			out[name] = "unavailable"
		} else {
			out[name] = "connected"
		}
	}
	return out
}
