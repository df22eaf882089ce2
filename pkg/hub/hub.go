package hub

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mindline-server/pkg/analysis"
	"mindline-server/pkg/calls"
	"mindline-server/pkg/conversation"
	"mindline-server/pkg/errors"
	"mindline-server/pkg/escalation"
	"mindline-server/pkg/metrics"
	"mindline-server/pkg/presence"
	"mindline-server/pkg/session"
)

const dispatchTimeout = 30 * time.Second

// pipelineStripes is the number of striped locks serializing chat pipelines
// per session. Must be a power of two.
const pipelineStripes = 64

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all connections
		return true
	},
}

// Hub is the event dispatcher: it upgrades connections, registers them with
// the presence registry, and routes every inbound event to the owning
// component. One goroutine per connection; components do their own locking.
type Hub struct {
	logger      *logrus.Entry
	registry    *presence.Registry
	sessions    *session.Manager
	analyzer    *analysis.Analyzer
	engine      *conversation.Engine
	relay       *calls.Relay
	coordinator *escalation.Coordinator
	users       escalation.UserStore

	// Serializes the whole append-escalate-respond chain per session
	pipelineLocks [pipelineStripes]sync.Mutex
}

// NewHub wires the event dispatcher to its components
func NewHub(
	registry *presence.Registry,
	sessions *session.Manager,
	analyzer *analysis.Analyzer,
	engine *conversation.Engine,
	relay *calls.Relay,
	coordinator *escalation.Coordinator,
	users escalation.UserStore,
	logger *logrus.Logger,
) *Hub {
	return &Hub{
		logger:      logger.WithField("component", "hub"),
		registry:    registry,
		sessions:    sessions,
		analyzer:    analyzer,
		engine:      engine,
		relay:       relay,
		coordinator: coordinator,
		users:       users,
	}
}

// ServeWs upgrades an HTTP request to a websocket connection and registers
// the user. user_id is required; role defaults to user.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	// The auth layer in front of the hub supplies the identity; header wins
	// over query parameter.
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		http.Error(w, "user identity is required", http.StatusBadRequest)
		return
	}
	role := r.Header.Get("X-User-Role")
	if role == "" {
		role = r.URL.Query().Get("role")
	}
	if role != presence.RoleCounselor && role != presence.RoleAdmin {
		role = presence.RoleUser
	}

	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	client := newClient(h, conn, userID, role)
	h.registry.Connect(userID, role, client)

	if metrics.IsMetricsEnabled() && metrics.ConnectionsTotal != nil {
		metrics.ConnectionsTotal.WithLabelValues(role).Inc()
		metrics.ConnectionsActive.Set(float64(h.registry.ConnectionCount()))
	}

	go client.writePump()
	go client.chatPump()
	go client.readPump()
}

// dispatch routes one inbound envelope to its handler
func (h *Hub) dispatch(c *Client, envelope Envelope) {
	if metrics.IsMetricsEnabled() && metrics.EventsReceived != nil {
		metrics.EventsReceived.WithLabelValues(envelope.Event).Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	var err error
	switch envelope.Event {
	case EventStartChatSession:
		err = h.handleStartChat(ctx, c, envelope)
	case EventChatMessage:
		err = h.handleChatMessage(ctx, c, envelope)
	case EventEndChatSession:
		err = h.handleEndChat(ctx, c, envelope)
	case EventTyping, EventStopTyping:
		err = h.handleTyping(c, envelope)
	case EventAnalyzeText:
		err = h.handleAnalyzeText(c, envelope)
	case EventInitiateCall:
		err = h.handleInitiateCall(c, envelope)
	case EventAcceptCall:
		err = h.handleAcceptCall(c, envelope)
	case EventRejectCall:
		err = h.handleRejectCall(c, envelope)
	case EventJoinCallRoom:
		err = h.handleJoinCallRoom(c, envelope)
	case EventSendCallSignal:
		err = h.handleCallSignal(c, envelope)
	case EventLeaveCallRoom:
		err = h.handleLeaveCallRoom(c, envelope)
	case EventGetUserStatus:
		err = h.handleGetUserStatus(c, envelope)
	case EventGetOnlineCounselors:
		err = h.handleGetOnlineCounselors(c)
	default:
		c.sendError("INVALID_INPUT", "unknown event: "+envelope.Event)
		return
	}

	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"event":   envelope.Event,
			"user_id": c.userID,
		}).Debug("Event handling failed")
		h.sendTypedError(c, err)
	}
}

// sendTypedError surfaces a structured error code to the client, falling back
// to a generic internal code.
func (h *Hub) sendTypedError(c *Client, err error) {
	code := errors.GetErrorCode(err)
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	c.sendError(code, err.Error())
}

func (h *Hub) handleStartChat(ctx context.Context, c *Client, envelope Envelope) error {
	var payload StartChatPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}
	if payload.SessionType == "" {
		payload.SessionType = "ai_chat"
	}

	s, err := h.sessions.Start(ctx, c.userID, payload.SessionType)
	if err != nil {
		return err
	}
	h.registry.JoinSessionRoom(c.userID, s.ID)

	if metrics.IsMetricsEnabled() && metrics.SessionsStarted != nil {
		metrics.SessionsStarted.Inc()
		metrics.SessionsActive.Set(float64(h.sessions.ActiveCount()))
	}

	return c.Send(EventSessionStarted, map[string]interface{}{
		"session_id":   s.ID,
		"session_type": s.SessionType,
		"started_at":   s.StartTime,
	})
}

func (h *Hub) sessionLock(sessionID string) *sync.Mutex {
	hash := fnv.New32a()
	hash.Write([]byte(sessionID))
	return &h.pipelineLocks[hash.Sum32()&(pipelineStripes-1)]
}

// handleChatMessage runs the full message pipeline: append, analyze,
// escalate when flagged, respond, append the reply, mirror both to the
// session room. The pipeline holds the session's stripe end to end so two
// in-flight messages for one session cannot interleave their replies.
func (h *Hub) handleChatMessage(ctx context.Context, c *Client, envelope Envelope) error {
	var payload ChatMessagePayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}
	if payload.SessionID == "" || payload.Content == "" {
		return errors.NewInvalidInput("session_id and content are required")
	}

	lock := h.sessionLock(payload.SessionID)
	lock.Lock()
	defer lock.Unlock()

	analysisStart := time.Now()
	result := h.analyzer.Analyze(payload.Content)
	if metrics.IsMetricsEnabled() && metrics.AnalysisLatency != nil {
		metrics.AnalysisLatency.Observe(time.Since(analysisStart).Seconds())
		if result.Crisis.IsCrisis {
			metrics.CrisisDetections.WithLabelValues(result.Crisis.RiskLevel).Inc()
		}
	}

	userMsg, err := h.sessions.Append(ctx, payload.SessionID, session.Message{
		Sender:    session.SenderUser,
		Content:   payload.Content,
		Sentiment: result.Sentiment.Label,
	})
	if err != nil {
		return err
	}
	if metrics.IsMetricsEnabled() && metrics.MessagesAppended != nil {
		metrics.MessagesAppended.WithLabelValues(session.SenderUser).Inc()
	}

	h.sessions.RecordAnalysis(ctx, payload.SessionID, result)
	h.registry.Broadcast(payload.SessionID, EventMessageReceived, userMsg)

	if result.Crisis.IsCrisis {
		h.coordinator.Handle(ctx, escalation.Event{
			SessionID: payload.SessionID,
			UserID:    c.userID,
			MessageID: userMsg.ID,
			Result:    result,
		})
	}

	h.registry.Broadcast(payload.SessionID, EventAITyping, map[string]string{"session_id": payload.SessionID})

	current, err := h.sessions.Get(ctx, payload.SessionID)
	if err != nil {
		return err
	}
	riskLevel, riskErr := h.users.GetRiskLevel(ctx, c.userID)
	if riskErr != nil {
		riskLevel = analysis.RiskLow
	}

	// The message just appended is passed separately, not as history
	history := historyFromSession(current)
	if n := len(history); n > 0 && history[n-1].Content == payload.Content {
		history = history[:n-1]
	}

	response := h.engine.Respond(ctx, payload.Content, history, conversation.Context{
		UserRiskLevel: riskLevel,
	})
	if metrics.IsMetricsEnabled() && metrics.ResponsesGenerated != nil {
		metrics.ResponsesGenerated.WithLabelValues(response.Kind).Inc()
	}

	aiMsg, err := h.sessions.Append(ctx, payload.SessionID, session.Message{
		Sender:      session.SenderAI,
		Content:     response.Text,
		MessageType: response.Kind,
	})
	if err != nil {
		return err
	}
	if metrics.IsMetricsEnabled() && metrics.MessagesAppended != nil {
		metrics.MessagesAppended.WithLabelValues(session.SenderAI).Inc()
	}

	h.registry.Broadcast(payload.SessionID, EventAIStoppedTyping, map[string]string{"session_id": payload.SessionID})
	h.registry.Broadcast(payload.SessionID, EventAIResponse, map[string]interface{}{
		"session_id": payload.SessionID,
		"message":    aiMsg,
		"kind":       response.Kind,
	})
	return nil
}

func (h *Hub) handleEndChat(ctx context.Context, c *Client, envelope Envelope) error {
	var payload EndChatPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}

	s, err := h.sessions.End(ctx, payload.SessionID, payload.Feedback)
	if err != nil {
		return err
	}
	h.registry.LeaveSessionRoom(c.userID, payload.SessionID)

	if metrics.IsMetricsEnabled() && metrics.SessionsEnded != nil {
		metrics.SessionsEnded.WithLabelValues("user").Inc()
		metrics.SessionsActive.Set(float64(h.sessions.ActiveCount()))
		metrics.SessionDuration.Observe(float64(s.DurationMins) * 60)
	}

	return c.Send(EventSessionEnded, map[string]interface{}{
		"session_id":    s.ID,
		"ended_at":      s.EndTime,
		"duration_mins": s.DurationMins,
	})
}

// handleTyping mirrors typing activity to everyone else in the session room
func (h *Hub) handleTyping(c *Client, envelope Envelope) error {
	var payload TypingPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}
	if payload.SessionID == "" {
		return errors.NewInvalidInput("session_id is required")
	}
	h.registry.BroadcastExcept(payload.SessionID, c.userID, envelope.Event, map[string]string{
		"session_id": payload.SessionID,
		"user_id":    c.userID,
	})
	return nil
}

func (h *Hub) handleAnalyzeText(c *Client, envelope Envelope) error {
	var payload AnalyzeTextPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}

	start := time.Now()
	result := h.analyzer.Analyze(payload.Text)
	if metrics.IsMetricsEnabled() && metrics.AnalysisLatency != nil {
		metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	}
	return c.Send(EventAnalysisResult, result)
}

func (h *Hub) handleInitiateCall(c *Client, envelope Envelope) error {
	var payload InitiateCallPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}

	err := h.relay.Initiate(payload.CallID, c.userID, payload.To, payload.CallType)
	if metrics.IsMetricsEnabled() && metrics.CallsInitiated != nil {
		outcome := "ok"
		if err != nil {
			outcome = errors.GetErrorCode(err)
		}
		metrics.CallsInitiated.WithLabelValues(payload.CallType, outcome).Inc()
	}

	// Offline and busy callees come back as a call-failed event, not an error
	if errors.IsErrorType(err, errors.ErrUserOffline) || errors.IsErrorType(err, errors.ErrUserBusy) {
		return c.Send(calls.EventCallFailed, map[string]interface{}{
			"call_id": payload.CallID,
			"to":      payload.To,
			"code":    errors.GetErrorCode(err),
		})
	}
	return err
}

func (h *Hub) handleAcceptCall(c *Client, envelope Envelope) error {
	var payload CallAnswerPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}
	return h.relay.Accept(payload.CallID, c.userID, payload.To)
}

func (h *Hub) handleRejectCall(c *Client, envelope Envelope) error {
	var payload CallAnswerPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}
	return h.relay.Reject(payload.CallID, c.userID, payload.To)
}

func (h *Hub) handleJoinCallRoom(c *Client, envelope Envelope) error {
	var payload JoinCallPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}
	err := h.relay.JoinRoom(payload.RoomID, c.userID, payload.CallType)
	if err == nil && metrics.IsMetricsEnabled() && metrics.CallRoomsOpen != nil {
		metrics.CallRoomsOpen.Set(float64(h.relay.RoomCount()))
	}
	return err
}

func (h *Hub) handleCallSignal(c *Client, envelope Envelope) error {
	var payload CallSignalPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}
	err := h.relay.RelaySignal(payload.RoomID, payload.Signal, c.userID, payload.To)
	if err == nil && metrics.IsMetricsEnabled() && metrics.SignalsRelayed != nil {
		metrics.SignalsRelayed.Inc()
	}
	return err
}

func (h *Hub) handleLeaveCallRoom(c *Client, envelope Envelope) error {
	var payload LeaveCallPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}
	err := h.relay.LeaveRoom(payload.RoomID, c.userID)
	if err == nil && metrics.IsMetricsEnabled() && metrics.CallRoomsOpen != nil {
		metrics.CallRoomsOpen.Set(float64(h.relay.RoomCount()))
	}
	return err
}

func (h *Hub) handleGetUserStatus(c *Client, envelope Envelope) error {
	var payload UserStatusPayload
	if err := unmarshalPayload(envelope, &payload); err != nil {
		return err
	}
	if payload.UserID == "" {
		return errors.NewInvalidInput("user_id is required")
	}

	state := h.registry.GetCallState(payload.UserID)
	return c.Send(EventUserStatus, map[string]interface{}{
		"user_id":      payload.UserID,
		"online":       h.registry.IsOnline(payload.UserID),
		"availability": state.Availability,
	})
}

func (h *Hub) handleGetOnlineCounselors(c *Client) error {
	return c.Send(EventOnlineCounselors, map[string]interface{}{
		"counselors": h.registry.OnlineCounselors(),
	})
}

func unmarshalPayload(envelope Envelope, target interface{}) error {
	if len(envelope.Data) == 0 {
		return errors.NewInvalidInput("missing event payload")
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return errors.NewInvalidInput("malformed event payload")
	}
	return nil
}

// historyFromSession converts the last stored messages into engine turns.
// The engine applies its own history window.
func historyFromSession(s *session.Session) []conversation.Turn {
	turns := make([]conversation.Turn, 0, len(s.Messages))
	for _, msg := range s.Messages {
		turns = append(turns, conversation.Turn{
			Sender:  msg.Sender,
			Content: msg.Content,
		})
	}
	return turns
}
