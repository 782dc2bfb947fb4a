package collab

import (
	"sync"
)

// fakeTransport records every delivery so tests can assert on audience and
// payloads. Optional per-room blocking simulates a stuck transport.
type fakeTransport struct {
	mu        sync.Mutex
	connected   map[string]bool
	sends       []fakeDelivery
	casts       []fakeBroadcast
	blocked     map[string]chan struct{}
	blockedOnce map[string]chan struct{}
}

type fakeDelivery struct {
	ConnID string
	Event  string
	Data   any
}

type fakeBroadcast struct {
	Room   string
	Except string
	Event  string
	Data   any
}

func newFakeTransport(connIDs ...string) *fakeTransport {
	ft := &fakeTransport{
		connected:   make(map[string]bool),
		blocked:     make(map[string]chan struct{}),
		blockedOnce: make(map[string]chan struct{}),
	}
	for _, id := range connIDs {
		ft.connected[id] = true
	}
	return ft
}

func (f *fakeTransport) setConnected(connID string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if up {
		f.connected[connID] = true
	} else {
		delete(f.connected, connID)
	}
}

// blockRoom makes broadcasts to the room hang until the returned channel
// is closed.
func (f *fakeTransport) blockRoom(room string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.blocked[room] = ch
	return ch
}

// blockRoomOnce makes only the next broadcast to the room hang until the
// returned channel is closed; later broadcasts pass through.
func (f *fakeTransport) blockRoomOnce(room string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.blockedOnce[room] = ch
	return ch
}

func (f *fakeTransport) Connected(connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[connID]
}

func (f *fakeTransport) JoinRoom(connID, room string) {}

func (f *fakeTransport) LeaveRoom(connID, room string) {}

func (f *fakeTransport) Send(connID, event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, fakeDelivery{ConnID: connID, Event: event, Data: data})
}

func (f *fakeTransport) BroadcastExcept(room, exceptConnID, event string, data any) {
	f.mu.Lock()
	gate := f.blocked[room]
	if gate == nil {
		if once := f.blockedOnce[room]; once != nil {
			gate = once
			delete(f.blockedOnce, room)
		}
	}
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.casts = append(f.casts, fakeBroadcast{Room: room, Except: exceptConnID, Event: event, Data: data})
}

func (f *fakeTransport) sentTo(connID string) []fakeDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeDelivery
	for _, d := range f.sends {
		if d.ConnID == connID {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeTransport) broadcasts() []fakeBroadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeBroadcast, len(f.casts))
	copy(out, f.casts)
	return out
}
