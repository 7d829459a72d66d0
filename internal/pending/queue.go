// Package pending is the durable local queue behind the check-in write
// path's first fallback: entries appended here survive process restarts and
// are replayed by the resync worker.
package pending

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"schoolattend/internal/engine"
)

// Entry is one queued check-in awaiting resync.
type Entry struct {
	Record   engine.Record `json:"record"`
	Reason   string        `json:"reason"`
	Attempts int           `json:"attempts"`
	SavedAt  time.Time     `json:"saved_at"`
}

// Queue is the abstraction over pending-entry backends.
type Queue interface {
	Append(ctx context.Context, e Entry) error
	Drain(ctx context.Context, max int) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}

// InMemory is a slice-backed queue for dev/testing.
type InMemory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewInMemory creates an empty in-memory queue.
func NewInMemory() *InMemory { return &InMemory{} }

// Append enqueues an entry.
func (q *InMemory) Append(_ context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return nil
}

// Drain removes and returns up to max entries, oldest first.
func (q *InMemory) Drain(_ context.Context, max int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max > len(q.entries) {
		max = len(q.entries)
	}
	out := make([]Entry, max)
	copy(out, q.entries[:max])
	q.entries = q.entries[max:]
	return out, nil
}

// Len returns the number of queued entries.
func (q *InMemory) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// FileQueue persists entries as JSON lines in a single append-only file.
// Every append is synced to disk before returning; losing a check-in to a
// crash would defeat the point of the fallback.
type FileQueue struct {
	mu         sync.Mutex
	path       string
	deadLetter string
}

// NewFileQueue opens (or creates) a file-backed queue. deadLetter receives
// entries too old to retry automatically.
func NewFileQueue(path, deadLetter string) (*FileQueue, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pending: open queue %s: %w", path, err)
	}
	_ = f.Close()
	return &FileQueue{path: path, deadLetter: deadLetter}, nil
}

// Append durably enqueues an entry.
func (q *FileQueue) Append(_ context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return appendLine(q.path, e)
}

// Drain removes and returns up to max entries, oldest first. Entries beyond
// max stay queued for the next pass.
func (q *FileQueue) Drain(_ context.Context, max int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := readAll(q.path)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if max <= 0 || max > len(entries) {
		max = len(entries)
	}
	rest := entries[max:]

	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pending: rewrite queue: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range rest {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("pending: rewrite queue: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pending: rewrite queue: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pending: rewrite queue: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("pending: rewrite queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return nil, fmt.Errorf("pending: rewrite queue: %w", err)
	}
	return entries[:max], nil
}

// Len returns the number of queued entries.
func (q *FileQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := readAll(q.path)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// DeadLetter appends an entry to the manual-review file.
func (q *FileQueue) DeadLetter(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deadLetter == "" {
		return nil
	}
	return appendLine(q.deadLetter, e)
}

func appendLine(path string, e Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("pending: open %s: %w", path, err)
	}
	defer f.Close()
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pending: encode entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("pending: append %s: %w", path, err)
	}
	return f.Sync()
}

func readAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pending: read %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn final line from a crash mid-append; skip it rather
			// than poison the whole queue.
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("pending: scan %s: %w", path, err)
	}
	return entries, nil
}
