package transcript

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yyup/voicebridge/pkg/errorsx"
	"github.com/yyup/voicebridge/pkg/llm"
)

// JSONLStore appends one line per finished call to transcripts.jsonl in
// the artifacts directory. Audio payloads are not written, only whether
// a turn carried audio.
type JSONLStore struct {
	dir string
	mu  sync.Mutex
}

type jsonlTurn struct {
	Role     llm.Role `json:"role"`
	Text     string   `json:"text"`
	HasAudio bool     `json:"has_audio,omitempty"`
}

type jsonlRecord struct {
	CallID  string      `json:"call_id"`
	EndedAt time.Time   `json:"ended_at"`
	Turns   []jsonlTurn `json:"turns"`
}

func NewJSONLStore(dir string) *JSONLStore {
	return &JSONLStore{dir: dir}
}

func (s *JSONLStore) Persist(ctx context.Context, callID string, turns []llm.Turn) error {
	rec := jsonlRecord{
		CallID:  callID,
		EndedAt: time.Now().UTC(),
		Turns:   make([]jsonlTurn, 0, len(turns)),
	}
	for _, t := range turns {
		rec.Turns = append(rec.Turns, jsonlTurn{Role: t.Role, Text: t.Text, HasAudio: len(t.Audio) > 0})
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonPersist)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonPersist)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, "transcripts.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonPersist)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonPersist)
	}
	return nil
}

var _ Store = (*JSONLStore)(nil)
