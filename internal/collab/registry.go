package collab

import (
	"sort"
	"sync"
)

type registryEntry struct {
	user User
	seq  uint64
}

// Registry tracks which users belong to which session for the lifetime of
// their connection. Uniqueness is guaranteed on connection id only;
// display names may repeat.
type Registry struct {
	mu    sync.RWMutex
	users map[string]registryEntry
	seq   uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]registryEntry)}
}

// Join records a user in the session and returns the created record. A
// repeat join for the same connection id replaces the previous record.
func (r *Registry) Join(connID, username, sessionKey string) User {
	user := User{ID: connID, Username: username, Room: sessionKey}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.users[connID] = registryEntry{user: user, seq: r.seq}
	return user
}

// Get returns the user record for the connection id, if any.
func (r *Registry) Get(connID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[connID]
	return entry.user, ok
}

// Leave removes the user and reports the removed record. Removing an
// unknown connection id is a no-op, so disconnect cleanup is idempotent.
func (r *Registry) Leave(connID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[connID]
	if ok {
		delete(r.users, connID)
	}
	return entry.user, ok
}

// UsersIn returns the session's current roster in join order.
func (r *Registry) UsersIn(sessionKey string) []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]registryEntry, 0, len(r.users))
	for _, entry := range r.users {
		if entry.user.Room == sessionKey {
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	users := make([]User, len(entries))
	for i, entry := range entries {
		users[i] = entry.user
	}
	return users
}
