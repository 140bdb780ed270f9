package transcript

import (
	"context"
	"sync"

	"github.com/yyup/voicebridge/pkg/llm"
)

// MemoryStore keeps transcripts in memory. Used in tests and local
// development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][][]llm.Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][][]llm.Turn)}
}

func (s *MemoryStore) Persist(ctx context.Context, callID string, turns []llm.Turn) error {
	copied := make([]llm.Turn, len(turns))
	copy(copied, turns)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[callID] = append(s.records[callID], copied)
	return nil
}

// PersistCount returns how many times Persist ran for a call.
func (s *MemoryStore) PersistCount(callID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[callID])
}

// Turns returns the last persisted transcript for a call.
func (s *MemoryStore) Turns(callID string) []llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[callID]
	if len(recs) == 0 {
		return nil
	}
	return recs[len(recs)-1]
}

var _ Store = (*MemoryStore)(nil)
