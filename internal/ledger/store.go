package ledger

import (
	"context"
	"sync"
)

// Store persists entries. Implementations must reject a second insert of the same Seq with
// ErrSeqConflict and return pages in ascending Seq order.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Last(ctx context.Context) (*Entry, error)
	Page(ctx context.Context, afterSeq int64, limit int) ([]Entry, error)
	ByJob(ctx context.Context, jobID string) ([]Entry, error)
	Cursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, seq int64) error
	Ping(ctx context.Context) error
}

// MemoryStore keeps the chain in process memory. Used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	cursors map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: map[string]int64{}}
}

func (m *MemoryStore) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Seq != int64(len(m.entries))+1 {
		return ErrSeqConflict
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) Last(context.Context) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	e := m.entries[len(m.entries)-1]
	return &e, nil
}

func (m *MemoryStore) Page(_ context.Context, afterSeq int64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(m.entries)) {
		return []Entry{}, nil
	}
	end := int64(len(m.entries))
	if limit > 0 && afterSeq+int64(limit) < end {
		end = afterSeq + int64(limit)
	}
	out := make([]Entry, end-afterSeq)
	copy(out, m.entries[afterSeq:end])
	return out, nil
}

func (m *MemoryStore) ByJob(_ context.Context, jobID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Entry{}
	for _, e := range m.entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) Cursor(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[name], nil
}

func (m *MemoryStore) SetCursor(_ context.Context, name string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = seq
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Tamper overwrites an entry in place. Only tests use it.
func (m *MemoryStore) Tamper(seq int64, fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq < 1 || seq > int64(len(m.entries)) {
		return
	}
	fn(&m.entries[seq-1])
}
