package session

import (
	"slices"
	"sync"

	"github.com/companion-labs/gateway/core/protocol"
)

// DefaultRetention is how many turns a device session keeps. It equals the
// window supplied to content generation, so the backing store stays bounded
// across arbitrarily long conversations.
const DefaultRetention = 10

type memoryStore struct {
	retention int
	sessions  map[string][]protocol.Turn
	mu        sync.RWMutex
}

// NewMemoryStore creates a Store backed by in-memory per-device rings
// retaining at most retention turns. A retention of 0 uses DefaultRetention.
func NewMemoryStore(retention int) Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &memoryStore{
		retention: retention,
		sessions:  make(map[string][]protocol.Turn),
	}
}

func (s *memoryStore) Turns(deviceID string) []protocol.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sessions[deviceID])
}

func (s *memoryStore) Append(deviceID string, role protocol.Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.sessions[deviceID], protocol.NewTurn(role, content))
	if len(turns) > s.retention {
		turns = turns[len(turns)-s.retention:]
	}
	s.sessions[deviceID] = turns
}

func (s *memoryStore) Len(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[deviceID])
}

func (s *memoryStore) Clear(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, deviceID)
}
