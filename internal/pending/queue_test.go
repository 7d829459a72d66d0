package pending

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolattend/internal/engine"
)

func entry(id string) Entry {
	return Entry{
		Record: engine.Record{
			ID: id, StudentID: "stu-1", Date: "2025-01-14",
			Status: engine.TagLate, Shift: "morning",
		},
		Reason:  "offline",
		SavedAt: time.Date(2025, 1, 14, 7, 30, 0, 0, time.UTC),
	}
}

func TestInMemoryQueue(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()

	require.NoError(t, q.Append(ctx, entry("a")))
	require.NoError(t, q.Append(ctx, entry("b")))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.Drain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Record.ID)

	got, err = q.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Record.ID)
}

func TestFileQueueAppendDrain(t *testing.T) {
	dir := t.TempDir()
	q, err := NewFileQueue(filepath.Join(dir, "pending.jsonl"), filepath.Join(dir, "dead.jsonl"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Append(ctx, entry("a")))
	require.NoError(t, q.Append(ctx, entry("b")))
	require.NoError(t, q.Append(ctx, entry("c")))

	got, err := q.Drain(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Record.ID)
	assert.Equal(t, "b", got[1].Record.ID)
	assert.Equal(t, "offline", got[0].Reason)

	// The rest survives for the next pass.
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = q.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Record.ID)

	got, err = q.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.jsonl")

	q, err := NewFileQueue(path, "")
	require.NoError(t, err)
	require.NoError(t, q.Append(context.Background(), entry("a")))

	q2, err := NewFileQueue(path, "")
	require.NoError(t, err)
	got, err := q2.Drain(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Record.ID)
	assert.Equal(t, entry("a").SavedAt, got[0].SavedAt.UTC())
}

func TestFileQueueSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.jsonl")

	q, err := NewFileQueue(path, "")
	require.NoError(t, err)
	require.NoError(t, q.Append(context.Background(), entry("a")))

	// Simulate a crash mid-append.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"record":{"id":"tor`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := q.Drain(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Record.ID)
}

func TestFileQueueDeadLetter(t *testing.T) {
	dir := t.TempDir()
	deadPath := filepath.Join(dir, "dead.jsonl")
	q, err := NewFileQueue(filepath.Join(dir, "pending.jsonl"), deadPath)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(entry("old")))

	dead, err := readAll(deadPath)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "old", dead[0].Record.ID)

	// Dead-lettering never touches the live queue.
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
