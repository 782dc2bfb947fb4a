package collab

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventKindWireNames(t *testing.T) {
	cases := map[EventKind]string{
		EventAddModel:       "add-model",
		EventRemoveModel:    "remove-model",
		EventPositionChange: "position-change",
		EventRotationChange: "rotation-change",
		EventScalingChange:  "scaling-change",
	}

	for kind, wire := range cases {
		require.Equal(t, wire, kind.String())
		require.True(t, kind.Valid())

		parsed, ok := ParseEventKind(wire)
		require.True(t, ok)
		require.Equal(t, kind, parsed)
	}

	_, ok := ParseEventKind("join-session")
	require.False(t, ok)
	require.False(t, EventKind(0).Valid())
}

func TestEventKindJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(EventPositionChange)
	require.NoError(t, err)
	require.Equal(t, `"position-change"`, string(data))

	var kind EventKind
	require.NoError(t, json.Unmarshal(data, &kind))
	require.Equal(t, EventPositionChange, kind)

	require.Error(t, json.Unmarshal([]byte(`"teleport"`), &kind))

	_, err = json.Marshal(EventKind(99))
	require.Error(t, err)
}

func TestDecodePayload(t *testing.T) {
	cases := []struct {
		kind EventKind
		raw  string
		want Payload
	}{
		{EventAddModel, `{"modelId":"m1","spotId":"s1"}`, AddModelPayload{ModelID: "m1", SpotID: "s1"}},
		{EventRemoveModel, `{"spotId":"s1"}`, RemoveModelPayload{SpotID: "s1"}},
		{EventPositionChange, `{"position":{"x":1,"y":2,"z":3},"mesh":"s1"}`, PositionPayload{Position: Vector3{X: 1, Y: 2, Z: 3}, Mesh: "s1"}},
		{EventRotationChange, `{"rotation":{"x":0.5,"y":0,"z":0},"mesh":"s1"}`, RotationPayload{Rotation: Vector3{X: 0.5}, Mesh: "s1"}},
		{EventScalingChange, `{"scale":{"x":2,"y":2,"z":2},"mesh":"s1"}`, ScalingPayload{Scale: Vector3{X: 2, Y: 2, Z: 2}, Mesh: "s1"}},
	}

	for _, tc := range cases {
		payload, err := DecodePayload(tc.kind, json.RawMessage(tc.raw))
		require.NoError(t, err, tc.kind.String())
		require.Equal(t, tc.want, payload)
		require.Equal(t, tc.kind, payload.Kind())
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	_, err := DecodePayload(EventAddModel, json.RawMessage(`"nope"`))
	require.Error(t, err)

	_, err = DecodePayload(EventKind(42), nil)
	require.Error(t, err)
}

func TestOperationJSONRoundTrip(t *testing.T) {
	op := Operation{
		Event: EventAddModel,
		Data:  AddModelPayload{ModelID: "m1", SpotID: "s1"},
		User:  User{ID: "conn-1", Username: "alice", Room: "abc"},
	}

	data, err := json.Marshal(op)
	require.NoError(t, err)

	var decoded Operation
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, op, decoded)
}

func TestFormatMessage(t *testing.T) {
	at := time.Date(2024, 6, 1, 15, 4, 0, 0, time.UTC)
	msg := FormatMessage(BotName, "hello", at)

	require.Equal(t, BotName, msg.Message.Username)
	require.Equal(t, "hello", msg.Message.Text)
	require.Equal(t, "3:04 pm", msg.Message.Time)
}
