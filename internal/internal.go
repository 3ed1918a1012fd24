// Package internal contains logger helpers: a no-op [NullLogger] and a
// capturing [TestLogger], both grounded on the teacher's
// internal/internal.go NullLogger. No package in this module imports it:
// cmd/pemi-mb has its own apex/log adapter, and pemi's tests cannot
// import it because it imports pemi.
package internal

import (
	"fmt"
	"sync"

	"github.com/ooni/pemi"
)

// NullLogger is a [pemi.Logger] that does not emit logs.
type NullLogger struct{}

var _ pemi.Logger = &NullLogger{}

func (nl *NullLogger) Debug(message string)          {}
func (nl *NullLogger) Debugf(format string, v ...any) {}
func (nl *NullLogger) Info(message string)            {}
func (nl *NullLogger) Infof(format string, v ...any)  {}
func (nl *NullLogger) Warn(message string)            {}
func (nl *NullLogger) Warnf(format string, v ...any)  {}

// TestLogger is a [pemi.Logger] that records every message so tests can
// assert on what was logged (e.g. that a malformed packet was never logged
// above Debug severity, per spec §7).
type TestLogger struct {
	mu       sync.Mutex
	Messages []string
}

var _ pemi.Logger = &TestLogger{}

func (tl *TestLogger) append(level, message string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.Messages = append(tl.Messages, level+": "+message)
}

func (tl *TestLogger) Debug(message string)            { tl.append("debug", message) }
func (tl *TestLogger) Debugf(format string, v ...any)   { tl.append("debug", fmt.Sprintf(format, v...)) }
func (tl *TestLogger) Info(message string)              { tl.append("info", message) }
func (tl *TestLogger) Infof(format string, v ...any)     { tl.append("info", fmt.Sprintf(format, v...)) }
func (tl *TestLogger) Warn(message string)              { tl.append("warn", message) }
func (tl *TestLogger) Warnf(format string, v ...any)     { tl.append("warn", fmt.Sprintf(format, v...)) }

// All returns a snapshot of every message recorded so far.
func (tl *TestLogger) All() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string{}, tl.Messages...)
}
