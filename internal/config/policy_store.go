package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// PolicyStore holds the active policy. Readers take a consistent snapshot with Current;
// Reload swaps the whole document or nothing.
type PolicyStore struct {
	current atomic.Pointer[Policy]

	mu        sync.Mutex
	listeners []func(*Policy)
}

func NewPolicyStore(initial *Policy) *PolicyStore {
	s := &PolicyStore{}
	if initial == nil {
		initial = DefaultPolicy()
	}
	s.current.Store(initial)
	return s
}

// LoadPolicyFile reads and parses path. An empty path yields the built-in policy.
func LoadPolicyFile(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(raw)
}

func (s *PolicyStore) Current() *Policy {
	return s.current.Load()
}

// OnChange registers fn to run after every applied reload.
func (s *PolicyStore) OnChange(fn func(*Policy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload parses raw and applies it atomically. It returns applied=false without error when
// the document is byte-identical to the active one. A document that reuses the active
// version with different content is rejected.
func (s *PolicyStore) Reload(raw []byte) (*Policy, bool, error) {
	next, err := ParsePolicy(raw)
	if err != nil {
		return s.Current(), false, err
	}
	return s.Apply(next)
}

func (s *PolicyStore) Apply(next *Policy) (*Policy, bool, error) {
	s.mu.Lock()
	cur := s.current.Load()
	if cur != nil && cur.Version == next.Version {
		s.mu.Unlock()
		if cur.Checksum == next.Checksum {
			return cur, false, nil
		}
		return cur, false, fmt.Errorf("%w: version %q already active with different content", ErrInvalidPolicy, next.Version)
	}
	s.current.Store(next)
	listeners := append([]func(*Policy){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return next, true, nil
}
