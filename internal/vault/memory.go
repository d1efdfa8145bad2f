package vault

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// MemoryStore implements Store with in-process maps.
// Used for dry runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][][]byte)}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Put(ctx context.Context, name string, value []byte) (Reference, error) {
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}
	cp := make([]byte, len(value))
	copy(cp, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[name] = append(s.versions[name], cp)
	return memoryRef(name, len(s.versions[name])), nil
}

func (s *MemoryStore) Reference(ctx context.Context, name string) (Reference, error) {
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.versions[name]
	if !ok {
		return Reference{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return memoryRef(name, len(versions)), nil
}

func (s *MemoryStore) Resolve(ctx context.Context, ref Reference) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.versions[ref.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, ref.Name)
	}
	idx := len(versions)
	if ref.Version != "" {
		n, err := strconv.Atoi(ref.Version)
		if err != nil || n < 1 || n > len(versions) {
			return nil, fmt.Errorf("%w: %q version %q", ErrNotFound, ref.Name, ref.Version)
		}
		idx = n
	}
	cp := make([]byte, len(versions[idx-1]))
	copy(cp, versions[idx-1])
	return cp, nil
}

// Versions returns how many versions exist for name.
func (s *MemoryStore) Versions(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions[name])
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func memoryRef(name string, version int) Reference {
	return Reference{
		Name:    name,
		URI:     "memory://" + name,
		Version: strconv.Itoa(version),
	}
}

// Compile-time checks.
var (
	_ Store  = (*MemoryStore)(nil)
	_ Pinger = (*MemoryStore)(nil)
)
