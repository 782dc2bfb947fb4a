package collab

import (
	"errors"
	"fmt"
	"time"
)

// ErrStaleOriginator marks a job whose submitting connection disappeared
// before execution. The job fails and leaves no trace in the log.
var ErrStaleOriginator = errors.New("collab: originating connection is gone")

// Transport is the connection/room abstraction supplied by the realtime
// layer. Sends are best-effort: a failed delivery to one recipient never
// affects the others, and no send blocks the caller.
type Transport interface {
	// Connected reports whether the connection is still resolvable.
	Connected(connID string) bool
	// JoinRoom adds the connection to the session's broadcast audience.
	JoinRoom(connID, room string)
	// LeaveRoom removes the connection from the room.
	LeaveRoom(connID, room string)
	// Send delivers an event to a single connection.
	Send(connID, event string, data any)
	// BroadcastExcept delivers an event to every room member but one.
	BroadcastExcept(room, exceptConnID, event string, data any)
}

// Dispatcher fans an applied operation out to the rest of the session's
// room, plus the synthesized bot notification.
type Dispatcher struct {
	transport Transport
	timeNow   func() time.Time
}

// NewDispatcher constructs a dispatcher over the supplied transport.
func NewDispatcher(transport Transport) *Dispatcher {
	return &Dispatcher{transport: transport, timeNow: time.Now}
}

// Dispatch delivers the operation verbatim to every connection in the room
// except the originator, then the bot message to the same audience. An
// unresolvable originator fails the dispatch; the caller treats that as
// job failure.
func (d *Dispatcher) Dispatch(op Operation) error {
	if !d.transport.Connected(op.User.ID) {
		return fmt.Errorf("%w: %s", ErrStaleOriginator, op.User.ID)
	}

	d.transport.BroadcastExcept(op.User.Room, op.User.ID, op.Event.String(), op.Data)

	note := FormatMessage(BotName, fmt.Sprintf("%s has changed %s", op.User.Username, op.Event), d.timeNow())
	d.transport.BroadcastExcept(op.User.Room, op.User.ID, WireMessage, note)

	return nil
}
