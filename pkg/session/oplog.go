package session

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Operation is one atomic mutation of the shared document. Immutable once
// created; ID is globally unique and is the sole deduplication key.
type Operation struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	TargetID     string          `json:"targetObjectId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OriginPeerID string          `json:"originPeerId,omitempty"`
	SequenceHint int64           `json:"sequenceHint,omitempty"`
}

// NewOperation creates an operation with a fresh unique ID.
func NewOperation(kind, targetID string, payload json.RawMessage, originPeerID string) Operation {
	return Operation{
		ID:           uuid.NewString(),
		Kind:         kind,
		TargetID:     targetID,
		Payload:      payload,
		OriginPeerID: originPeerID,
	}
}

// Log is the append-only, deduplicating operation log. Operations are kept in
// local arrival order; there is no causal ordering across peers, so
// concurrent edits to the same object resolve last-writer-wins by arrival.
type Log struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	ordered []Operation
}

// NewLog creates an empty operation log.
func NewLog() *Log {
	return &Log{seen: make(map[string]struct{})}
}

// Merge appends every operation whose ID has not been seen before and returns
// those, in input order. Replays and duplicates come back empty.
func (l *Log) Merge(ops []Operation) []Operation {
	l.mu.Lock()
	defer l.mu.Unlock()

	var applied []Operation
	for _, op := range ops {
		if _, dup := l.seen[op.ID]; dup {
			continue
		}
		l.seen[op.ID] = struct{}{}
		l.ordered = append(l.ordered, op)
		applied = append(applied, op)
	}
	return applied
}

// Contains reports whether an operation ID has been merged.
func (l *Log) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// History returns a copy of the full ordered log, for replay to late joiners.
func (l *Log) History() []Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Operation, len(l.ordered))
	copy(out, l.ordered)
	return out
}

// Len returns the number of merged operations.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ordered)
}
