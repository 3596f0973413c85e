// Package livelog keeps the per-session activity log: an in-memory window for
// incremental polling plus an append-only JSONL file for durability.
package livelog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"loopline/internal/domain"
)

// maxWindow bounds how many entries stay pollable in memory. The JSONL file
// keeps the full history.
const maxWindow = 4096

type Log struct {
	mu      sync.RWMutex
	entries []domain.LogEntry
	seq     int
	file    *os.File
}

// Open creates a log for the given session number, appending to
// sessions/session_NNN.jsonl under dir.
func Open(dir string, session int) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("session_%03d.jsonl", session))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// NewMemory returns a log without a backing file, for tests and early startup.
func NewMemory() *Log {
	return &Log{}
}

// Append records one entry with the next sequence number and returns it.
func (l *Log) Append(kind, payload string) domain.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e := domain.LogEntry{
		Seq:     l.seq,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Kind:    kind,
		Payload: payload,
	}
	l.entries = append(l.entries, e)
	if len(l.entries) > maxWindow {
		l.entries = l.entries[len(l.entries)-maxWindow:]
	}
	if l.file != nil {
		if data, err := json.Marshal(e); err == nil {
			l.file.Write(append(data, '\n'))
		}
	}
	return e
}

// Since returns every retained entry with Seq > seq, oldest first.
func (l *Log) Since(seq int) []domain.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.LogEntry
	for _, e := range l.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// ReadFile loads a session's JSONL file from disk. Lines that fail to parse
// are skipped; a partial trailing line after a crash must not block reading.
func ReadFile(dir string, session int) ([]domain.LogEntry, error) {
	path := filepath.Join(dir, fmt.Sprintf("session_%03d.jsonl", session))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []domain.LogEntry
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var e domain.LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
