package collab

import "sync"

// OperationLog keeps the append-only history of applied operations per
// session. Insertion order is processing order; entries are never
// reordered or compacted. Storage is process memory only, so capacity is
// bounded by the heap rather than by the store itself.
type OperationLog struct {
	mu  sync.RWMutex
	ops map[string][]Operation
}

// NewOperationLog constructs an empty log store.
func NewOperationLog() *OperationLog {
	return &OperationLog{ops: make(map[string][]Operation)}
}

// Append adds the operation to the end of the session's history, creating
// the sequence on first use.
func (l *OperationLog) Append(sessionKey string, op Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ops[sessionKey] = append(l.ops[sessionKey], op)
}

// All returns a copy of the full history for the session, oldest first.
// Unknown session keys yield an empty slice, never an error.
func (l *OperationLog) All(sessionKey string) []Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	history := l.ops[sessionKey]
	out := make([]Operation, len(history))
	copy(out, history)
	return out
}

// ForUser returns the ordered subset of the session history whose
// operation was submitted by the user with the given id. Matching is by
// user identity, not by record equality, so a reconnected client with the
// same id still sees its own operations. Unknown sessions yield an empty
// slice.
func (l *OperationLog) ForUser(sessionKey, userID string) []Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Operation, 0)
	for _, op := range l.ops[sessionKey] {
		if op.User.ID == userID {
			out = append(out, op)
		}
	}
	return out
}

// Len reports the number of recorded operations for the session.
func (l *OperationLog) Len(sessionKey string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.ops[sessionKey])
}

// Reset clears the session's history. It is an explicit capability; normal
// traffic never invokes it. Safe to call concurrently with appends.
func (l *OperationLog) Reset(sessionKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.ops, sessionKey)
}
