package hub

import "encoding/json"

// Envelope is the wire frame for every event in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names
const (
	EventStartChatSession = "start_chat_session"
	EventChatMessage      = "chat_message"
	EventEndChatSession   = "end_chat_session"
	EventTyping           = "typing"
	EventStopTyping       = "stop_typing"
	EventAnalyzeText      = "analyze_text"

	EventInitiateCall        = "initiate-call"
	EventAcceptCall          = "accept-call"
	EventRejectCall          = "reject-call"
	EventJoinCallRoom        = "join-call-room"
	EventSendCallSignal      = "send-call-signal"
	EventLeaveCallRoom       = "leave-call-room"
	EventGetUserStatus       = "get-user-status"
	EventGetOnlineCounselors = "get-online-counselors"
)

// Outbound event names
const (
	EventSessionStarted   = "session_started"
	EventSessionEnded     = "session_ended"
	EventMessageReceived  = "message_received"
	EventAITyping         = "ai_typing"
	EventAIStoppedTyping  = "ai_stopped_typing"
	EventAIResponse       = "ai_response"
	EventAnalysisResult   = "analysis_result"
	EventUserStatus       = "user-status"
	EventOnlineCounselors = "online-counselors-list"
	EventError            = "error"
)

// StartChatPayload opens a new conversation session
type StartChatPayload struct {
	SessionType string `json:"session_type"`
}

// ChatMessagePayload carries one user message into a session
type ChatMessagePayload struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// EndChatPayload closes a session, optionally with user feedback
type EndChatPayload struct {
	SessionID string `json:"session_id"`
	Feedback  string `json:"feedback,omitempty"`
}

// TypingPayload marks typing activity in a session
type TypingPayload struct {
	SessionID string `json:"session_id"`
}

// AnalyzeTextPayload requests a standalone analysis pass
type AnalyzeTextPayload struct {
	Text string `json:"text"`
}

// InitiateCallPayload starts a call toward another user
type InitiateCallPayload struct {
	CallID   string `json:"call_id"`
	To       string `json:"to"`
	CallType string `json:"call_type"`
}

// CallAnswerPayload accepts or rejects an incoming call
type CallAnswerPayload struct {
	CallID string `json:"call_id"`
	To     string `json:"to"`
}

// JoinCallPayload joins a call signaling room
type JoinCallPayload struct {
	RoomID   string `json:"room_id"`
	CallType string `json:"call_type"`
}

// CallSignalPayload relays an opaque signaling message through a room
type CallSignalPayload struct {
	RoomID string          `json:"room_id"`
	To     string          `json:"to,omitempty"`
	Signal json.RawMessage `json:"signal"`
}

// LeaveCallPayload leaves a call signaling room
type LeaveCallPayload struct {
	RoomID string `json:"room_id"`
}

// UserStatusPayload asks for another user's presence and availability
type UserStatusPayload struct {
	UserID string `json:"user_id"`
}
