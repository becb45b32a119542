package checkpoint

import (
	"context"
	"sync"
)

// Log is the append-only list of checkpoints taken in a workspace.
type Log interface {
	Append(ctx context.Context, cp Checkpoint) error
	List(ctx context.Context) ([]Checkpoint, error)
}

// MemoryLog keeps checkpoints for the life of the process.
type MemoryLog struct {
	mu  sync.Mutex
	cps []Checkpoint
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, cp Checkpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cps = append(l.cps, cp)
	return nil
}

// List implements Log, oldest first.
func (l *MemoryLog) List(_ context.Context) ([]Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Checkpoint(nil), l.cps...), nil
}
