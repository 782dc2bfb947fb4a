package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/holonext/scenesync/pkg/logger"
	"github.com/holonext/scenesync/pkg/validator"
)

// WelcomeText greets a joining client.
const WelcomeText = "Welcome to holonext 3D collaborator!"

// ConnState is the lifecycle state of one realtime connection.
type ConnState uint8

const (
	// StateConnected means the transport is up but no session was joined.
	StateConnected ConnState = iota
	// StateJoined means the connection belongs to a session.
	StateJoined
	// StateClosed is terminal: the connection left its session or dropped.
	StateClosed
)

type connRecord struct {
	state ConnState
	user  User
}

// JoinRequest is the decoded join-session payload.
type JoinRequest struct {
	User struct {
		Username string `json:"username" validate:"required,max=64"`
	} `json:"user"`
	SessionID string `json:"sessionId" validate:"required,max=128"`
}

// SessionHistoryPayload answers a join with the full recorded history.
type SessionHistoryPayload struct {
	History []Operation `json:"history"`
}

// SessionUsersPayload carries the roster broadcast on membership changes.
type SessionUsersPayload struct {
	Room  string `json:"room"`
	Users []User `json:"users"`
}

// Lifecycle wires incoming realtime events to the session engine and runs
// the per-connection state machine. It implements the realtime layer's
// event handler interface.
type Lifecycle struct {
	mu    sync.Mutex
	conns map[string]*connRecord

	manager   *Manager
	transport Transport
	log       *zap.Logger
	timeNow   func() time.Time
}

// NewLifecycle constructs the connection lifecycle manager.
func NewLifecycle(manager *Manager, transport Transport) *Lifecycle {
	return &Lifecycle{
		conns:     make(map[string]*connRecord),
		manager:   manager,
		transport: transport,
		log:       logger.WithModule("lifecycle"),
		timeNow:   time.Now,
	}
}

// HandleConnect registers a fresh connection in the Connected state.
func (l *Lifecycle) HandleConnect(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.conns[connID] = &connRecord{state: StateConnected}
}

// HandleEvent routes one decoded wire event for the connection. Malformed
// or out-of-state events are ignored with a log entry; they never tear the
// connection down.
func (l *Lifecycle) HandleEvent(connID, event string, data json.RawMessage) {
	switch event {
	case WireJoinSession:
		l.handleJoin(connID, data)
	case WireLeaveSession:
		l.handleLeave(connID)
	default:
		kind, ok := ParseEventKind(event)
		if !ok {
			l.log.Warn("unsupported event", zap.String("conn", connID), zap.String("event", event))
			return
		}
		l.handleMutation(connID, kind, data)
	}
}

// HandleDisconnect runs transport-level cleanup: the user is removed from
// the registry and the remaining room members are notified. The session's
// queue and log are left untouched.
func (l *Lifecycle) HandleDisconnect(connID string) {
	l.mu.Lock()
	rec, ok := l.conns[connID]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.conns, connID)
	joined := rec.state == StateJoined
	user := rec.user
	l.mu.Unlock()

	if !joined {
		return
	}

	l.manager.Registry().Leave(connID)
	l.transport.LeaveRoom(connID, user.Room)

	note := FormatMessage(BotName, fmt.Sprintf("%s has left the session", user.Username), l.timeNow())
	l.transport.BroadcastExcept(user.Room, connID, WireMessage, note)

	l.manager.NoteMemberLeft(user.Room)
	l.log.Info("user disconnected", zap.String("conn", connID), zap.String("session", user.Room))
}

// State reports the connection's lifecycle state.
func (l *Lifecycle) State(connID string) ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.conns[connID]; ok {
		return rec.state
	}
	return StateClosed
}

func (l *Lifecycle) handleJoin(connID string, data json.RawMessage) {
	var req JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		l.log.Warn("invalid join payload", zap.String("conn", connID), zap.Error(err))
		return
	}
	req.User.Username = strings.TrimSpace(req.User.Username)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if err := validator.ValidateStruct(req); err != nil {
		l.log.Warn("join rejected", zap.String("conn", connID), zap.Error(err))
		return
	}

	l.mu.Lock()
	rec, ok := l.conns[connID]
	if !ok {
		rec = &connRecord{state: StateConnected}
		l.conns[connID] = rec
	}
	if rec.state != StateConnected {
		l.mu.Unlock()
		l.log.Warn("join ignored in current state", zap.String("conn", connID), zap.Uint8("state", uint8(rec.state)))
		return
	}

	user := l.manager.Registry().Join(connID, req.User.Username, req.SessionID)
	rec.state = StateJoined
	rec.user = user
	l.mu.Unlock()

	if err := l.manager.Ensure(req.SessionID); err != nil {
		l.log.Error("session setup failed", zap.String("session", req.SessionID), zap.Error(err))
		return
	}

	l.transport.JoinRoom(connID, req.SessionID)

	// Welcome the joiner, replay history, then tell the room.
	l.transport.Send(connID, WireMessage, FormatMessage(BotName, WelcomeText, l.timeNow()))
	l.transport.Send(connID, WireSessionHistory, SessionHistoryPayload{History: l.manager.Log().All(req.SessionID)})
	l.transport.BroadcastExcept(req.SessionID, connID, WireSessionUsers, SessionUsersPayload{
		Room:  req.SessionID,
		Users: l.manager.Registry().UsersIn(req.SessionID),
	})

	l.log.Info("user joined",
		zap.String("conn", connID),
		zap.String("username", user.Username),
		zap.String("session", req.SessionID),
	)
}

func (l *Lifecycle) handleLeave(connID string) {
	l.mu.Lock()
	rec, ok := l.conns[connID]
	if !ok || rec.state != StateJoined {
		l.mu.Unlock()
		return
	}
	rec.state = StateClosed
	user := rec.user
	l.mu.Unlock()

	l.manager.Registry().Leave(connID)
	l.transport.LeaveRoom(connID, user.Room)

	note := FormatMessage(BotName, fmt.Sprintf("%s has left the session", user.Username), l.timeNow())
	l.transport.BroadcastExcept(user.Room, connID, WireMessage, note)

	l.manager.NoteMemberLeft(user.Room)
	l.log.Info("user left", zap.String("conn", connID), zap.String("session", user.Room))
}

func (l *Lifecycle) handleMutation(connID string, kind EventKind, data json.RawMessage) {
	l.mu.Lock()
	rec, ok := l.conns[connID]
	if !ok || rec.state != StateJoined {
		l.mu.Unlock()
		// Mutations before a successful join are invalid input, not a crash.
		l.log.Debug("mutation ignored, not joined", zap.String("conn", connID), zap.Stringer("event", kind))
		return
	}
	user := rec.user
	l.mu.Unlock()

	payload, err := DecodePayload(kind, data)
	if err != nil {
		l.log.Warn("invalid mutation payload", zap.String("conn", connID), zap.Error(err))
		return
	}

	if err := l.manager.Enqueue(user.Room, Job{Kind: kind, Payload: payload, User: user}); err != nil {
		l.log.Warn("enqueue failed", zap.String("conn", connID), zap.String("session", user.Room), zap.Error(err))
	}
}
