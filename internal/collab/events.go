package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire event names shared with the browser client. Mutation kinds are
// modelled by EventKind; the remaining names cover lifecycle and server
// pushes.
const (
	WireJoinSession    = "join-session"
	WireLeaveSession   = "leave-session"
	WireSessionHistory = "session-history"
	WireSessionUsers   = "session-users"
	WireMessage        = "message"
)

// BotName is the fixed system identity used for synthesized notifications.
const BotName = "Holonext Bot"

// EventKind enumerates the scene mutations a client can submit. The set is
// closed; every switch over it must handle all kinds.
type EventKind uint8

const (
	EventAddModel EventKind = iota + 1
	EventRemoveModel
	EventPositionChange
	EventRotationChange
	EventScalingChange
)

var kindNames = map[EventKind]string{
	EventAddModel:       "add-model",
	EventRemoveModel:    "remove-model",
	EventPositionChange: "position-change",
	EventRotationChange: "rotation-change",
	EventScalingChange:  "scaling-change",
}

// String returns the wire name for the kind.
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Valid reports whether the kind is one of the known mutations.
func (k EventKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// MarshalJSON encodes the kind as its wire name.
func (k EventKind) MarshalJSON() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("collab: cannot marshal unknown event kind %d", uint8(k))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a wire name back into the kind.
func (k *EventKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	kind, ok := ParseEventKind(name)
	if !ok {
		return fmt.Errorf("collab: unknown event kind %q", name)
	}
	*k = kind
	return nil
}

// ParseEventKind maps a wire event name to its kind.
func ParseEventKind(name string) (EventKind, bool) {
	for kind, wire := range kindNames {
		if wire == name {
			return kind, true
		}
	}
	return 0, false
}

// Vector3 is a scene-space vector as exchanged with the 3D frontend.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Payload is the closed union of per-kind mutation payloads.
type Payload interface {
	Kind() EventKind
}

// AddModelPayload places a model on a spot.
type AddModelPayload struct {
	ModelID string `json:"modelId"`
	SpotID  string `json:"spotId"`
}

// RemoveModelPayload clears a spot.
type RemoveModelPayload struct {
	SpotID string `json:"spotId"`
}

// PositionPayload moves a mesh.
type PositionPayload struct {
	Position Vector3 `json:"position"`
	Mesh     string  `json:"mesh"`
}

// RotationPayload rotates a mesh.
type RotationPayload struct {
	Rotation Vector3 `json:"rotation"`
	Mesh     string  `json:"mesh"`
}

// ScalingPayload rescales a mesh.
type ScalingPayload struct {
	Scale Vector3 `json:"scale"`
	Mesh  string  `json:"mesh"`
}

func (AddModelPayload) Kind() EventKind    { return EventAddModel }
func (RemoveModelPayload) Kind() EventKind { return EventRemoveModel }
func (PositionPayload) Kind() EventKind    { return EventPositionChange }
func (RotationPayload) Kind() EventKind    { return EventRotationChange }
func (ScalingPayload) Kind() EventKind     { return EventScalingChange }

// DecodePayload is the single point where raw wire data becomes a typed
// payload. Everything downstream works with the closed union.
func DecodePayload(kind EventKind, data json.RawMessage) (Payload, error) {
	decode := func(dst Payload) (Payload, error) {
		if len(data) == 0 {
			return dst, nil
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, fmt.Errorf("collab: decode %s payload: %w", kind, err)
		}
		return dst, nil
	}

	switch kind {
	case EventAddModel:
		p, err := decode(&AddModelPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*AddModelPayload), nil
	case EventRemoveModel:
		p, err := decode(&RemoveModelPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*RemoveModelPayload), nil
	case EventPositionChange:
		p, err := decode(&PositionPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*PositionPayload), nil
	case EventRotationChange:
		p, err := decode(&RotationPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*RotationPayload), nil
	case EventScalingChange:
		p, err := decode(&ScalingPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*ScalingPayload), nil
	default:
		return nil, fmt.Errorf("collab: no payload type for kind %d", uint8(kind))
	}
}

// User identifies a participant. ID is the opaque connection id; Room is
// the session the user joined. Records are immutable after Join.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

// Operation is one successfully applied scene mutation, durably recorded
// for the process lifetime.
type Operation struct {
	Event EventKind `json:"event"`
	Data  Payload   `json:"data"`
	User  User      `json:"user"`
}

// UnmarshalJSON rebuilds the typed payload from the wire form. Used by
// clients replaying history and by tests.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Event EventKind       `json:"event"`
		Data  json.RawMessage `json:"data"`
		User  User            `json:"user"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := DecodePayload(raw.Event, raw.Data)
	if err != nil {
		return err
	}

	o.Event = raw.Event
	o.Data = payload
	o.User = raw.User
	return nil
}

// ChatMessage is the synthesized notification record pushed on the
// "message" event.
type ChatMessage struct {
	Username string `json:"username"`
	Text     string `json:"text"`
	Time     string `json:"time"`
}

// MessagePayload wraps a chat message the way the frontend expects it.
type MessagePayload struct {
	Message ChatMessage `json:"message"`
}

// FormatMessage builds a notification record with a wall-clock timestamp.
func FormatMessage(username, text string, now time.Time) MessagePayload {
	return MessagePayload{Message: ChatMessage{
		Username: username,
		Text:     text,
		Time:     now.Format("3:04 pm"),
	}}
}
