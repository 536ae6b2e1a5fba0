// Package testutil はテストで共有する補助実装.
package testutil

import (
	"sync"

	"connector/internal/domain"
)

// Entry は記録されたログ.
type Entry struct {
	Level   string
	Message string
	Err     error
	Fields  map[string]interface{}
}

// Logger はログをメモリに記録するdomain.Logger.
type Logger struct {
	mu      sync.Mutex
	entries []Entry
}

var _ domain.Logger = (*Logger)(nil)

func (l *Logger) add(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.add(Entry{Level: "DEBUG", Message: msg, Fields: fields})
}

func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.add(Entry{Level: "INFO", Message: msg, Fields: fields})
}

func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.add(Entry{Level: "WARN", Message: msg, Fields: fields})
}

func (l *Logger) Error(msg string, err error, fields map[string]interface{}) {
	l.add(Entry{Level: "ERROR", Message: msg, Err: err, Fields: fields})
}

// Entries は記録されたログのコピー.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Count は指定レベルのログ件数.
func (l *Logger) Count(level string) int {
	n := 0
	for _, e := range l.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}
