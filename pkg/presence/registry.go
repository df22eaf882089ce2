package presence

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mindline-server/pkg/errors"
)

// CounselorsRoom is the shared room all connected counselors and admins join
const CounselorsRoom = "counselors"

// Call availability states
const (
	AvailabilityAvailable = "available"
	AvailabilityBusy      = "busy"
	AvailabilityInCall    = "in_call"
	AvailabilityOffline   = "offline"
)

// User roles
const (
	RoleUser      = "user"
	RoleCounselor = "counselor"
	RoleAdmin     = "admin"
)

// Channel is the live-channel handle for one connected user
type Channel interface {
	Send(event string, payload interface{}) error
	Close()
}

// CallState is the authoritative per-user call aggregate: availability, the
// call the user is currently part of, and last activity. Keeping these in one
// place avoids drift between availability and room membership.
type CallState struct {
	Availability  string    `json:"availability"`
	CurrentCallID string    `json:"current_call_id,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
}

// ConnectionEntry tracks one connected user
type ConnectionEntry struct {
	UserID      string
	Role        string
	Channel     Channel
	ConnectedAt time.Time
	Sessions    map[string]bool // session room ids the user has joined
}

// Registry tracks live connections, room memberships and call state. All maps
// are guarded by one RWMutex; the raw maps are never exposed.
type Registry struct {
	logger *logrus.Entry

	mutex       sync.RWMutex
	connections map[string]*ConnectionEntry
	rooms       map[string]map[string]bool // room id -> member user ids
	callStates  map[string]*CallState

	disconnectHooks []func(userID string)
}

// NewRegistry creates a connection registry
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		logger:      logger.WithField("component", "presence_registry"),
		connections: make(map[string]*ConnectionEntry),
		rooms:       make(map[string]map[string]bool),
		callStates:  make(map[string]*CallState),
	}
}

// OnDisconnect registers a hook run whenever a user's connection goes away.
// Hooks run outside the registry lock.
func (r *Registry) OnDisconnect(hook func(userID string)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.disconnectHooks = append(r.disconnectHooks, hook)
}

// Connect registers a live channel for a user. A second connect from the same
// user replaces the previous entry rather than duplicating it. The user joins
// their personal room and, for counselor/admin roles, the counselors room.
func (r *Registry) Connect(userID, role string, ch Channel) {
	r.mutex.Lock()

	// A reconnect inherits the session-room memberships the old connection
	// held, so a later disconnect can still tear all of them down
	sessions := make(map[string]bool)
	if existing, ok := r.connections[userID]; ok {
		existing.Channel.Close()
		sessions = existing.Sessions
		r.logger.WithField("user_id", userID).Info("Replacing existing connection")
	}

	r.connections[userID] = &ConnectionEntry{
		UserID:      userID,
		Role:        role,
		Channel:     ch,
		ConnectedAt: time.Now(),
		Sessions:    sessions,
	}

	// Reconnecting mid-call keeps in_call; everyone else starts available
	state, ok := r.callStates[userID]
	if !ok || state.Availability != AvailabilityInCall {
		r.callStates[userID] = &CallState{
			Availability: AvailabilityAvailable,
			LastActivity: time.Now(),
		}
	} else {
		state.LastActivity = time.Now()
	}

	r.joinRoomLocked(personalRoom(userID), userID)
	if role == RoleCounselor || role == RoleAdmin {
		r.joinRoomLocked(CounselorsRoom, userID)
	}
	r.mutex.Unlock()

	r.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"role":    role,
	}).Info("User connected")
}

// Disconnect removes a user's registry entry: session rooms are left, the
// disconnect hooks fire (call-room cleanup), the call state is dropped so the
// user reads as offline.
func (r *Registry) Disconnect(userID string) {
	r.disconnect(userID, nil)
}

// DisconnectChannel disconnects the user only while ch is still their live
// channel. A dying connection that was already replaced by a reconnect must
// not tear down the new one.
func (r *Registry) DisconnectChannel(userID string, ch Channel) {
	r.disconnect(userID, ch)
}

func (r *Registry) disconnect(userID string, expected Channel) {
	r.mutex.Lock()
	entry, ok := r.connections[userID]
	if !ok || (expected != nil && entry.Channel != expected) {
		r.mutex.Unlock()
		return
	}

	for sessionID := range entry.Sessions {
		r.leaveRoomLocked(sessionID, userID)
	}
	r.leaveRoomLocked(personalRoom(userID), userID)
	if entry.Role == RoleCounselor || entry.Role == RoleAdmin {
		r.leaveRoomLocked(CounselorsRoom, userID)
	}
	delete(r.connections, userID)

	hooks := append([]func(string){}, r.disconnectHooks...)
	r.mutex.Unlock()

	entry.Channel.Close()

	// Call-room cleanup runs before the state is dropped so peers get the
	// disconnected reason from the relay. GetCallState reports unknown users
	// as offline, so deleting keeps the map from growing across churn.
	for _, hook := range hooks {
		hook(userID)
	}

	r.mutex.Lock()
	delete(r.callStates, userID)
	r.mutex.Unlock()

	r.logger.WithField("user_id", userID).Info("User disconnected")
}

// JoinSessionRoom adds the user to a session's room for mirrored delivery
func (r *Registry) JoinSessionRoom(userID, sessionID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, ok := r.connections[userID]
	if !ok {
		return
	}
	entry.Sessions[sessionID] = true
	r.joinRoomLocked(sessionID, userID)
}

// LeaveSessionRoom removes the user from a session's room
func (r *Registry) LeaveSessionRoom(userID, sessionID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if entry, ok := r.connections[userID]; ok {
		delete(entry.Sessions, sessionID)
	}
	r.leaveRoomLocked(sessionID, userID)
}

func (r *Registry) joinRoomLocked(roomID, userID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]bool)
		r.rooms[roomID] = members
	}
	members[userID] = true
}

func (r *Registry) leaveRoomLocked(roomID, userID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// Broadcast sends an event to every connected member of a room
func (r *Registry) Broadcast(roomID, event string, payload interface{}) {
	r.BroadcastExcept(roomID, "", event, payload)
}

// BroadcastExcept sends an event to every connected room member except one
func (r *Registry) BroadcastExcept(roomID, exceptUserID, event string, payload interface{}) {
	r.mutex.RLock()
	var channels []Channel
	for userID := range r.rooms[roomID] {
		if userID == exceptUserID {
			continue
		}
		if entry, ok := r.connections[userID]; ok {
			channels = append(channels, entry.Channel)
		}
	}
	r.mutex.RUnlock()

	for _, ch := range channels {
		if err := ch.Send(event, payload); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"room_id": roomID,
				"event":   event,
			}).Debug("Failed to deliver room event")
		}
	}
}

// SendToUser delivers an event to a single user's channel
func (r *Registry) SendToUser(userID, event string, payload interface{}) error {
	r.mutex.RLock()
	entry, ok := r.connections[userID]
	r.mutex.RUnlock()

	if !ok {
		return errors.NewUserOffline(userID)
	}
	return entry.Channel.Send(event, payload)
}

// IsOnline reports whether the user currently has a live channel
func (r *Registry) IsOnline(userID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.connections[userID]
	return ok
}

// OnlineCounselors returns the user ids currently in the counselors room
func (r *Registry) OnlineCounselors() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	counselors := make([]string, 0, len(r.rooms[CounselorsRoom]))
	for userID := range r.rooms[CounselorsRoom] {
		counselors = append(counselors, userID)
	}
	return counselors
}

// ConnectionCount returns the number of live connections
func (r *Registry) ConnectionCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.connections)
}

// GetCallState returns a copy of the user's call state. Users the registry has
// never seen are offline.
func (r *Registry) GetCallState(userID string) CallState {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if state, ok := r.callStates[userID]; ok {
		return *state
	}
	return CallState{Availability: AvailabilityOffline}
}

// SetCallState updates the user's availability and current call atomically
func (r *Registry) SetCallState(userID, availability, callID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.callStates[userID] = &CallState{
		Availability:  availability,
		CurrentCallID: callID,
		LastActivity:  time.Now(),
	}
}

func personalRoom(userID string) string {
	return "user:" + userID
}
