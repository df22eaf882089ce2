package calls

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mindline-server/pkg/errors"
	"mindline-server/pkg/presence"
)

// Call event names, symmetric with the client surface
const (
	EventIncomingCall     = "incoming-call"
	EventCallAccepted     = "call-accepted"
	EventCallRejected     = "call-rejected"
	EventCallFailed       = "call-failed"
	EventUserJoinedCall   = "user-joined-call"
	EventUserLeftCall     = "user-left-call"
	EventReceiveSignal    = "receive-call-signal"
	EventCallParticipants = "call-participants"
)

// Leave reasons distinguish a graceful leave from a dropped connection
const (
	ReasonLeft         = "left"
	ReasonDisconnected = "disconnected"
)

// Participant is one member of a call room
type Participant struct {
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Room is an ephemeral group of participants exchanging signaling for one call
type Room struct {
	ID           string        `json:"id"`
	CallType     string        `json:"call_type"` // audio, video
	CreatedAt    time.Time     `json:"created_at"`
	Participants []Participant `json:"participants"`
}

func (r *Room) has(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Relay manages call invitations and forwards opaque WebRTC signaling between
// peers. No media server sits in the loop; payloads are never inspected or
// stored. Room membership mutation and destroy-on-empty share one lock so a
// room can neither linger empty nor be destroyed twice.
type Relay struct {
	logger   *logrus.Entry
	registry *presence.Registry

	mutex sync.Mutex
	rooms map[string]*Room
}

// NewRelay creates a call signaling relay and hooks call cleanup into the
// registry's disconnect path.
func NewRelay(registry *presence.Registry, logger *logrus.Logger) *Relay {
	relay := &Relay{
		logger:   logger.WithField("component", "call_relay"),
		registry: registry,
		rooms:    make(map[string]*Room),
	}
	registry.OnDisconnect(relay.handleDisconnect)
	return relay
}

// Initiate starts a call toward a callee. It fails fast without mutating any
// state when the callee is offline or not available.
func (r *Relay) Initiate(callID, fromUser, toUser, callType string) error {
	if callID == "" || fromUser == "" || toUser == "" {
		return errors.NewInvalidInput("missing call id or participant")
	}

	if !r.registry.IsOnline(toUser) {
		return errors.NewUserOffline(toUser)
	}
	calleeState := r.registry.GetCallState(toUser)
	if calleeState.Availability != presence.AvailabilityAvailable {
		return errors.NewUserBusy(toUser, calleeState.Availability)
	}

	r.registry.SetCallState(fromUser, presence.AvailabilityBusy, callID)

	if err := r.registry.SendToUser(toUser, EventIncomingCall, map[string]interface{}{
		"call_id":   callID,
		"from":      fromUser,
		"call_type": callType,
	}); err != nil {
		// Callee vanished between the check and the notify; roll the caller back
		r.registry.SetCallState(fromUser, presence.AvailabilityAvailable, "")
		return errors.NewUserOffline(toUser)
	}

	r.logger.WithFields(logrus.Fields{
		"call_id":   callID,
		"from":      fromUser,
		"to":        toUser,
		"call_type": callType,
	}).Info("Call initiated")
	return nil
}

// Accept marks both parties in_call on the shared call id and notifies the
// original caller.
func (r *Relay) Accept(callID, fromUser, toUser string) error {
	if callID == "" || fromUser == "" || toUser == "" {
		return errors.NewInvalidInput("missing call id or participant")
	}

	r.registry.SetCallState(fromUser, presence.AvailabilityInCall, callID)
	r.registry.SetCallState(toUser, presence.AvailabilityInCall, callID)

	if err := r.registry.SendToUser(toUser, EventCallAccepted, map[string]interface{}{
		"call_id": callID,
		"from":    fromUser,
	}); err != nil {
		r.logger.WithError(err).WithField("call_id", callID).Warning("Failed to notify caller of accept")
	}

	r.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"callee":  fromUser,
		"caller":  toUser,
	}).Info("Call accepted")
	return nil
}

// Reject resets the caller back to available and notifies them
func (r *Relay) Reject(callID, fromUser, toUser string) error {
	if callID == "" || fromUser == "" || toUser == "" {
		return errors.NewInvalidInput("missing call id or participant")
	}

	r.registry.SetCallState(toUser, presence.AvailabilityAvailable, "")

	if err := r.registry.SendToUser(toUser, EventCallRejected, map[string]interface{}{
		"call_id": callID,
		"from":    fromUser,
	}); err != nil {
		r.logger.WithError(err).WithField("call_id", callID).Warning("Failed to notify caller of reject")
	}

	r.logger.WithField("call_id", callID).Info("Call rejected")
	return nil
}

// JoinRoom adds a user to a call room, creating it on first join. Joining a
// room the user is already in is a no-op. Existing participants learn about
// the joiner; the joiner receives the current participant list.
func (r *Relay) JoinRoom(roomID, userID, callType string) error {
	if roomID == "" || userID == "" {
		return errors.NewInvalidInput("missing room id or user id")
	}

	r.mutex.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = &Room{
			ID:        roomID,
			CallType:  callType,
			CreatedAt: time.Now(),
		}
		r.rooms[roomID] = room
	}

	alreadyIn := room.has(userID)
	if !alreadyIn {
		room.Participants = append(room.Participants, Participant{
			UserID:   userID,
			JoinedAt: time.Now(),
		})
	}
	participants := append([]Participant(nil), room.Participants...)
	r.mutex.Unlock()

	r.registry.SetCallState(userID, presence.AvailabilityInCall, roomID)

	if !alreadyIn {
		for _, p := range participants {
			if p.UserID == userID {
				continue
			}
			if err := r.registry.SendToUser(p.UserID, EventUserJoinedCall, map[string]interface{}{
				"room_id": roomID,
				"user_id": userID,
			}); err != nil {
				r.logger.WithError(err).WithField("room_id", roomID).Debug("Failed to notify participant of join")
			}
		}
	}

	if err := r.registry.SendToUser(userID, EventCallParticipants, map[string]interface{}{
		"room_id":      roomID,
		"participants": participants,
	}); err != nil {
		r.logger.WithError(err).WithField("room_id", roomID).Debug("Failed to send participant list")
	}

	r.logger.WithFields(logrus.Fields{
		"room_id":      roomID,
		"user_id":      userID,
		"participants": len(participants),
	}).Info("User joined call room")
	return nil
}

// RelaySignal forwards an opaque signaling payload to one named peer or, when
// no target is given, to every room participant except the sender.
func (r *Relay) RelaySignal(roomID string, signal json.RawMessage, fromUser, toUser string) error {
	r.mutex.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mutex.Unlock()
		return errors.NewRoomNotFound(roomID)
	}
	participants := append([]Participant(nil), room.Participants...)
	r.mutex.Unlock()

	payload := map[string]interface{}{
		"room_id": roomID,
		"from":    fromUser,
		"signal":  signal,
	}

	if toUser != "" {
		if !r.registry.IsOnline(toUser) {
			return errors.NewUserOffline(toUser)
		}
		return r.registry.SendToUser(toUser, EventReceiveSignal, payload)
	}

	for _, p := range participants {
		if p.UserID == fromUser {
			continue
		}
		if err := r.registry.SendToUser(p.UserID, EventReceiveSignal, payload); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"room_id": roomID,
				"to":      p.UserID,
			}).Debug("Failed to relay signal")
		}
	}
	return nil
}

// LeaveRoom removes a participant, notifies the remaining members, destroys
// the room when it empties, and resets the leaver's availability.
func (r *Relay) LeaveRoom(roomID, userID string) error {
	return r.leave(roomID, userID, ReasonLeft)
}

func (r *Relay) leave(roomID, userID, reason string) error {
	r.mutex.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mutex.Unlock()
		return errors.NewRoomNotFound(roomID)
	}

	found := false
	for i, p := range room.Participants {
		if p.UserID == userID {
			room.Participants = append(room.Participants[:i], room.Participants[i+1:]...)
			found = true
			break
		}
	}

	var remaining []Participant
	destroyed := false
	if found {
		if len(room.Participants) == 0 {
			delete(r.rooms, roomID)
			destroyed = true
		} else {
			remaining = append([]Participant(nil), room.Participants...)
		}
	}
	r.mutex.Unlock()

	if !found {
		return nil
	}

	for _, p := range remaining {
		if err := r.registry.SendToUser(p.UserID, EventUserLeftCall, map[string]interface{}{
			"room_id": roomID,
			"user_id": userID,
			"reason":  reason,
		}); err != nil {
			r.logger.WithError(err).WithField("room_id", roomID).Debug("Failed to notify participant of leave")
		}
	}

	// A dropped connection's availability is owned by the registry, which
	// forces offline right after this cleanup
	if reason != ReasonDisconnected {
		r.registry.SetCallState(userID, presence.AvailabilityAvailable, "")
	}

	r.logger.WithFields(logrus.Fields{
		"room_id":   roomID,
		"user_id":   userID,
		"reason":    reason,
		"destroyed": destroyed,
	}).Info("User left call room")
	return nil
}

// handleDisconnect applies leave-room cleanup for every room the user was in,
// tagged with the disconnected reason so peers can tell a drop from a leave.
func (r *Relay) handleDisconnect(userID string) {
	r.mutex.Lock()
	var roomIDs []string
	for id, room := range r.rooms {
		if room.has(userID) {
			roomIDs = append(roomIDs, id)
		}
	}
	r.mutex.Unlock()

	for _, roomID := range roomIDs {
		if err := r.leave(roomID, userID, ReasonDisconnected); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"room_id": roomID,
				"user_id": userID,
			}).Warning("Disconnect cleanup failed")
		}
	}
}

// RoomCount returns the number of live call rooms
func (r *Relay) RoomCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.rooms)
}

// GetRoom returns a copy of a room, if it exists
func (r *Relay) GetRoom(roomID string) (*Room, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	copied := *room
	copied.Participants = append([]Participant(nil), room.Participants...)
	return &copied, true
}
