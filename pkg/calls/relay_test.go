package calls

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindline-server/pkg/errors"
	"mindline-server/pkg/presence"
)

type recordedEvent struct {
	Event   string
	Payload interface{}
}

type fakeChannel struct {
	mutex  sync.Mutex
	events []recordedEvent
}

func (f *fakeChannel) Send(event string, payload interface{}) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.events = append(f.events, recordedEvent{Event: event, Payload: payload})
	return nil
}

func (f *fakeChannel) Close() {}

func (f *fakeChannel) received() []recordedEvent {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]recordedEvent(nil), f.events...)
}

func (f *fakeChannel) eventNames() []string {
	names := []string{}
	for _, e := range f.received() {
		names = append(names, e.Event)
	}
	return names
}

func newTestRelay(t *testing.T) (*Relay, *presence.Registry) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	registry := presence.NewRegistry(logger)
	return NewRelay(registry, logger), registry
}

func TestInitiateToOfflineUser(t *testing.T) {
	relay, registry := newTestRelay(t)
	registry.Connect("alice", presence.RoleUser, &fakeChannel{})

	err := relay.Initiate("call-1", "alice", "bob", "video")
	assert.True(t, errors.IsErrorType(err, errors.ErrUserOffline))
	assert.Equal(t, "user_offline", errors.GetErrorCode(err))

	// Failed initiate must not touch the caller's state
	state := registry.GetCallState("alice")
	assert.Equal(t, presence.AvailabilityAvailable, state.Availability)
	assert.Empty(t, state.CurrentCallID)
}

func TestInitiateToBusyUser(t *testing.T) {
	relay, registry := newTestRelay(t)
	registry.Connect("alice", presence.RoleUser, &fakeChannel{})
	registry.Connect("bob", presence.RoleUser, &fakeChannel{})
	registry.SetCallState("bob", presence.AvailabilityInCall, "other-call")

	err := relay.Initiate("call-1", "alice", "bob", "audio")
	assert.True(t, errors.IsErrorType(err, errors.ErrUserBusy))
	assert.Equal(t, "user_busy", errors.GetErrorCode(err))

	state := registry.GetCallState("alice")
	assert.Equal(t, presence.AvailabilityAvailable, state.Availability)
	assert.Empty(t, state.CurrentCallID)
}

func TestInitiateMarksCallerBusyAndNotifiesCallee(t *testing.T) {
	relay, registry := newTestRelay(t)
	bobCh := &fakeChannel{}
	registry.Connect("alice", presence.RoleUser, &fakeChannel{})
	registry.Connect("bob", presence.RoleUser, bobCh)

	require.NoError(t, relay.Initiate("call-1", "alice", "bob", "video"))

	state := registry.GetCallState("alice")
	assert.Equal(t, presence.AvailabilityBusy, state.Availability)
	assert.Equal(t, "call-1", state.CurrentCallID)

	events := bobCh.received()
	require.Len(t, events, 1)
	assert.Equal(t, EventIncomingCall, events[0].Event)
	payload := events[0].Payload.(map[string]interface{})
	assert.Equal(t, "call-1", payload["call_id"])
	assert.Equal(t, "alice", payload["from"])
	assert.Equal(t, "video", payload["call_type"])
}

func TestAcceptMarksBothInCall(t *testing.T) {
	relay, registry := newTestRelay(t)
	aliceCh := &fakeChannel{}
	registry.Connect("alice", presence.RoleUser, aliceCh)
	registry.Connect("bob", presence.RoleUser, &fakeChannel{})

	require.NoError(t, relay.Initiate("call-1", "alice", "bob", "video"))
	require.NoError(t, relay.Accept("call-1", "bob", "alice"))

	for _, user := range []string{"alice", "bob"} {
		state := registry.GetCallState(user)
		assert.Equal(t, presence.AvailabilityInCall, state.Availability, user)
		assert.Equal(t, "call-1", state.CurrentCallID, user)
	}
	assert.Contains(t, aliceCh.eventNames(), EventCallAccepted)
}

func TestRejectRestoresCaller(t *testing.T) {
	relay, registry := newTestRelay(t)
	aliceCh := &fakeChannel{}
	registry.Connect("alice", presence.RoleUser, aliceCh)
	registry.Connect("bob", presence.RoleUser, &fakeChannel{})

	require.NoError(t, relay.Initiate("call-1", "alice", "bob", "audio"))
	require.NoError(t, relay.Reject("call-1", "bob", "alice"))

	state := registry.GetCallState("alice")
	assert.Equal(t, presence.AvailabilityAvailable, state.Availability)
	assert.Empty(t, state.CurrentCallID)
	assert.Contains(t, aliceCh.eventNames(), EventCallRejected)
}

func TestJoinRoomCreatesAndNotifies(t *testing.T) {
	relay, registry := newTestRelay(t)
	aliceCh := &fakeChannel{}
	bobCh := &fakeChannel{}
	registry.Connect("alice", presence.RoleUser, aliceCh)
	registry.Connect("bob", presence.RoleUser, bobCh)

	require.NoError(t, relay.JoinRoom("room-1", "alice", "video"))
	assert.Equal(t, 1, relay.RoomCount())

	require.NoError(t, relay.JoinRoom("room-1", "bob", "video"))

	// Alice learns of bob; bob gets the full participant list
	assert.Contains(t, aliceCh.eventNames(), EventUserJoinedCall)
	events := bobCh.received()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventCallParticipants, last.Event)
	payload := last.Payload.(map[string]interface{})
	participants := payload["participants"].([]Participant)
	require.Len(t, participants, 2)

	room, ok := relay.GetRoom("room-1")
	require.True(t, ok)
	assert.Equal(t, "video", room.CallType)
	assert.Len(t, room.Participants, 2)
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	relay, registry := newTestRelay(t)
	registry.Connect("alice", presence.RoleUser, &fakeChannel{})

	require.NoError(t, relay.JoinRoom("room-1", "alice", "audio"))
	require.NoError(t, relay.JoinRoom("room-1", "alice", "audio"))

	room, ok := relay.GetRoom("room-1")
	require.True(t, ok)
	assert.Len(t, room.Participants, 1)
}

func TestRelaySignalBroadcastSkipsSender(t *testing.T) {
	relay, registry := newTestRelay(t)
	aliceCh := &fakeChannel{}
	bobCh := &fakeChannel{}
	carolCh := &fakeChannel{}
	registry.Connect("alice", presence.RoleUser, aliceCh)
	registry.Connect("bob", presence.RoleUser, bobCh)
	registry.Connect("carol", presence.RoleUser, carolCh)
	require.NoError(t, relay.JoinRoom("room-1", "alice", "video"))
	require.NoError(t, relay.JoinRoom("room-1", "bob", "video"))
	require.NoError(t, relay.JoinRoom("room-1", "carol", "video"))

	signal := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, relay.RelaySignal("room-1", signal, "alice", ""))

	assert.NotContains(t, aliceCh.eventNames(), EventReceiveSignal)
	assert.Contains(t, bobCh.eventNames(), EventReceiveSignal)
	assert.Contains(t, carolCh.eventNames(), EventReceiveSignal)

	// Payload passes through untouched
	for _, e := range bobCh.received() {
		if e.Event == EventReceiveSignal {
			payload := e.Payload.(map[string]interface{})
			assert.Equal(t, signal, payload["signal"])
			assert.Equal(t, "alice", payload["from"])
		}
	}
}

func TestRelaySignalTargeted(t *testing.T) {
	relay, registry := newTestRelay(t)
	bobCh := &fakeChannel{}
	carolCh := &fakeChannel{}
	registry.Connect("alice", presence.RoleUser, &fakeChannel{})
	registry.Connect("bob", presence.RoleUser, bobCh)
	registry.Connect("carol", presence.RoleUser, carolCh)
	require.NoError(t, relay.JoinRoom("room-1", "alice", "video"))
	require.NoError(t, relay.JoinRoom("room-1", "bob", "video"))
	require.NoError(t, relay.JoinRoom("room-1", "carol", "video"))

	require.NoError(t, relay.RelaySignal("room-1", json.RawMessage(`{}`), "alice", "bob"))

	assert.Contains(t, bobCh.eventNames(), EventReceiveSignal)
	assert.NotContains(t, carolCh.eventNames(), EventReceiveSignal)
}

func TestRelaySignalUnknownRoom(t *testing.T) {
	relay, _ := newTestRelay(t)
	err := relay.RelaySignal("no-room", json.RawMessage(`{}`), "alice", "")
	assert.True(t, errors.IsErrorType(err, errors.ErrRoomNotFound))
}

func TestLeaveRoomDestroysEmptyRoom(t *testing.T) {
	relay, registry := newTestRelay(t)
	bobCh := &fakeChannel{}
	registry.Connect("alice", presence.RoleUser, &fakeChannel{})
	registry.Connect("bob", presence.RoleUser, bobCh)
	require.NoError(t, relay.JoinRoom("room-1", "alice", "video"))
	require.NoError(t, relay.JoinRoom("room-1", "bob", "video"))

	require.NoError(t, relay.LeaveRoom("room-1", "alice"))

	assert.Contains(t, bobCh.eventNames(), EventUserLeftCall)
	room, ok := relay.GetRoom("room-1")
	require.True(t, ok)
	assert.Len(t, room.Participants, 1)
	assert.Equal(t, presence.AvailabilityAvailable, registry.GetCallState("alice").Availability)

	require.NoError(t, relay.LeaveRoom("room-1", "bob"))
	_, ok = relay.GetRoom("room-1")
	assert.False(t, ok, "empty room must be destroyed")
	assert.Equal(t, 0, relay.RoomCount())
}

func TestDisconnectCleansUpRooms(t *testing.T) {
	relay, registry := newTestRelay(t)
	bobCh := &fakeChannel{}
	registry.Connect("alice", presence.RoleUser, &fakeChannel{})
	registry.Connect("bob", presence.RoleUser, bobCh)
	require.NoError(t, relay.JoinRoom("room-1", "alice", "video"))
	require.NoError(t, relay.JoinRoom("room-1", "bob", "video"))

	registry.Disconnect("alice")

	room, ok := relay.GetRoom("room-1")
	require.True(t, ok)
	require.Len(t, room.Participants, 1)
	assert.Equal(t, "bob", room.Participants[0].UserID)

	// Peer learns the leave was a drop, not a hang-up
	var leftPayload map[string]interface{}
	for _, e := range bobCh.received() {
		if e.Event == EventUserLeftCall {
			leftPayload = e.Payload.(map[string]interface{})
		}
	}
	require.NotNil(t, leftPayload)
	assert.Equal(t, ReasonDisconnected, leftPayload["reason"])

	// Registry owns the final offline state
	assert.Equal(t, presence.AvailabilityOffline, registry.GetCallState("alice").Availability)
}

func TestDisconnectLastParticipantDestroysRoom(t *testing.T) {
	relay, registry := newTestRelay(t)
	registry.Connect("alice", presence.RoleUser, &fakeChannel{})
	require.NoError(t, relay.JoinRoom("room-1", "alice", "audio"))

	registry.Disconnect("alice")
	assert.Equal(t, 0, relay.RoomCount())
}
