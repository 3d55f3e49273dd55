package runtime

import (
	"sync"

	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type capturingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *capturingLogger) record(e logEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *capturingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return l }

func (l *capturingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record(logEntry{level: "debug", msg: msg, fields: fields})
}

func (l *capturingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record(logEntry{level: "info", msg: msg, fields: fields})
}

func (l *capturingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record(logEntry{level: "error", msg: msg, err: err, fields: fields})
}

func (l *capturingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record(logEntry{level: "trace", msg: msg, fields: fields})
}

func (l *capturingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.msg)
	}
	return out
}
