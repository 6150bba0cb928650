// Package memory implements ephemeral.Store in-process, grounded on the
// teacher's storage/memory memStorage pattern (mutex-guarded maps plus a
// sweep for expired entries), adapted here to a generic byte-value TTL map
// instead of dex's fixed set of typed collections. Intended for tests and
// single-process development deployments; a multi-instance deployment must
// use ephemeral/redis instead, since this store holds no state shared
// across processes.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/authrim/authrim/ephemeral"
)

type entry struct {
	value   []byte
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !e.expires.After(now)
}

// Store is an in-memory ephemeral.Store.
type Store struct {
	mu   sync.Mutex
	data map[string]entry
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, ephemeral.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{value: value, expires: expiryFor(ttl)}
	return nil
}

func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	s.data[key] = entry{value: value, expires: expiryFor(ttl)}
	return true, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, oldValue, newValue []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	present := ok && !e.expired(time.Now())

	if !present {
		if oldValue != nil {
			return false, nil
		}
		s.data[key] = entry{value: newValue, expires: expiryFor(ttl)}
		return true, nil
	}

	if !bytes.Equal(e.value, oldValue) {
		return false, nil
	}
	s.data[key] = entry{value: newValue, expires: expiryFor(ttl)}
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// GarbageCollect removes expired entries and reports how many were swept,
// mirroring the teacher's periodic GarbageCollect call from cmd/dex/serve.go.
func (s *Store) GarbageCollect(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
