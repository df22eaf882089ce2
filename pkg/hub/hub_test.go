package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindline-server/pkg/analysis"
	"mindline-server/pkg/calls"
	"mindline-server/pkg/conversation"
	"mindline-server/pkg/escalation"
	"mindline-server/pkg/presence"
	"mindline-server/pkg/session"
)

type testEnv struct {
	hub      *Hub
	registry *presence.Registry
	sessions *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	registry := presence.NewRegistry(logger)
	sessions := session.NewManager(session.NewMemoryStore(), nil, logger)
	t.Cleanup(func() { _ = sessions.Shutdown() })

	analyzer := analysis.NewAnalyzer(logger)
	engine := conversation.NewEngine(logger, analyzer)
	relay := calls.NewRelay(registry, logger)
	users := escalation.NewMemoryUserStore()
	coordinator := escalation.NewCoordinator(analyzer, sessions, users, registry, nil, logger)

	return &testEnv{
		hub:      NewHub(registry, sessions, analyzer, engine, relay, coordinator, users, logger),
		registry: registry,
		sessions: sessions,
	}
}

// connect builds an in-process client with no underlying socket; handlers
// only ever touch the send queue.
func (e *testEnv) connect(userID, role string) *Client {
	c := &Client{
		hub:       e.hub,
		send:      make(chan []byte, sendBuffer),
		chatQueue: make(chan Envelope, chatBuffer),
		logger:    e.hub.logger.WithField("user_id", userID),
		userID:    userID,
		role:      role,
	}
	e.registry.Connect(userID, role, c)
	return c
}

func (c *Client) drain(t *testing.T) []Envelope {
	t.Helper()
	var envelopes []Envelope
	for {
		select {
		case frame := <-c.send:
			var envelope Envelope
			require.NoError(t, json.Unmarshal(frame, &envelope))
			envelopes = append(envelopes, envelope)
		default:
			return envelopes
		}
	}
}

func eventNames(envelopes []Envelope) []string {
	names := make([]string, 0, len(envelopes))
	for _, e := range envelopes {
		names = append(names, e.Event)
	}
	return names
}

func findEvent(envelopes []Envelope, name string) (Envelope, bool) {
	for _, e := range envelopes {
		if e.Event == name {
			return e, true
		}
	}
	return Envelope{}, false
}

func mustPayload(t *testing.T, data json.RawMessage) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &payload))
	return payload
}

func (e *testEnv) dispatchJSON(c *Client, event, payload string) {
	e.hub.dispatch(c, Envelope{Event: event, Data: json.RawMessage(payload)})
}

func (e *testEnv) startSession(t *testing.T, c *Client) string {
	t.Helper()
	e.dispatchJSON(c, EventStartChatSession, `{"session_type":"ai_chat"}`)
	started, ok := findEvent(c.drain(t), EventSessionStarted)
	require.True(t, ok, "expected session_started")
	return mustPayload(t, started.Data)["session_id"].(string)
}

func TestStartChatSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)

	sessionID := env.startSession(t, c)
	require.NotEmpty(t, sessionID)

	s, err := env.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Equal(t, "user-1", s.UserID)
}

func TestChatMessagePipeline(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)
	sessionID := env.startSession(t, c)

	env.dispatchJSON(c, EventChatMessage, fmt.Sprintf(`{"session_id":%q,"content":"I feel a bit anxious today"}`, sessionID))
	envelopes := c.drain(t)
	names := eventNames(envelopes)

	assert.Contains(t, names, EventMessageReceived)
	assert.Contains(t, names, EventAITyping)
	assert.Contains(t, names, EventAIStoppedTyping)
	assert.Contains(t, names, EventAIResponse)

	response, ok := findEvent(envelopes, EventAIResponse)
	require.True(t, ok)
	payload := mustPayload(t, response.Data)
	message := payload["message"].(map[string]interface{})
	assert.NotEmpty(t, message["content"])
	assert.Equal(t, "ai", message["sender"])

	s, err := env.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, session.SenderUser, s.Messages[0].Sender)
	assert.Equal(t, session.SenderAI, s.Messages[1].Sender)
	require.NotNil(t, s.LatestAnalysis)
}

func TestConcurrentChatMessagesSerialized(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)
	sessionID := env.startSession(t, c)

	var wg sync.WaitGroup
	for _, content := range []string{"I had a long day", "I am not sure what to do"} {
		wg.Add(1)
		go func(content string) {
			defer wg.Done()
			env.dispatchJSON(c, EventChatMessage, fmt.Sprintf(`{"session_id":%q,"content":%q}`, sessionID, content))
		}(content)
	}
	wg.Wait()

	s, err := env.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, s.Messages, 4)

	// Each reply lands directly after its message; the two pipelines must
	// not interleave
	assert.Equal(t, session.SenderUser, s.Messages[0].Sender)
	assert.Equal(t, session.SenderAI, s.Messages[1].Sender)
	assert.Equal(t, session.SenderUser, s.Messages[2].Sender)
	assert.Equal(t, session.SenderAI, s.Messages[3].Sender)
}

func TestChatPumpPreservesMessageOrder(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)
	sessionID := env.startSession(t, c)

	go c.chatPump()
	c.chatQueue <- Envelope{
		Event: EventChatMessage,
		Data:  json.RawMessage(fmt.Sprintf(`{"session_id":%q,"content":"first message"}`, sessionID)),
	}
	c.chatQueue <- Envelope{
		Event: EventChatMessage,
		Data:  json.RawMessage(fmt.Sprintf(`{"session_id":%q,"content":"second message"}`, sessionID)),
	}
	close(c.chatQueue)

	require.Eventually(t, func() bool {
		s, err := env.sessions.Get(context.Background(), sessionID)
		return err == nil && len(s.Messages) == 4
	}, 2*time.Second, 10*time.Millisecond)

	s, err := env.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "first message", s.Messages[0].Content)
	assert.Equal(t, "second message", s.Messages[2].Content)
}

func TestChatMessageCrisisEscalation(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)
	counselor := env.connect("carol", presence.RoleCounselor)
	sessionID := env.startSession(t, c)

	env.dispatchJSON(c, EventChatMessage, fmt.Sprintf(`{"session_id":%q,"content":"I want to end my life, I can't go on"}`, sessionID))
	envelopes := c.drain(t)

	_, ok := findEvent(envelopes, escalation.EventCrisisDetected)
	assert.True(t, ok, "user should receive crisis_detected")

	counselorEvents := counselor.drain(t)
	alert, ok := findEvent(counselorEvents, escalation.EventUserCrisisAlert)
	require.True(t, ok, "counselors should receive user_crisis_alert")
	alertPayload := mustPayload(t, alert.Data)
	assert.Equal(t, "user-1", alertPayload["user_id"])
	assert.NotContains(t, string(alert.Data), "end my life, I can't go on", "alert must not carry raw text")

	// The reply is the crisis template with hotline resources
	response, ok := findEvent(envelopes, EventAIResponse)
	require.True(t, ok)
	message := mustPayload(t, response.Data)["message"].(map[string]interface{})
	assert.Contains(t, message["content"], "988")

	s, err := env.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, s.CrisisFlags.IsCrisis)
	assert.Equal(t, escalation.CrisisTypeSuicidal, s.CrisisFlags.CrisisType)
	assert.Equal(t, session.PriorityCritical, s.Priority)
}

func TestEndChatSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)
	sessionID := env.startSession(t, c)

	env.dispatchJSON(c, EventEndChatSession, fmt.Sprintf(`{"session_id":%q,"feedback":"thanks"}`, sessionID))
	ended, ok := findEvent(c.drain(t), EventSessionEnded)
	require.True(t, ok)
	assert.Equal(t, sessionID, mustPayload(t, ended.Data)["session_id"])

	s, err := env.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, s.Status)
	assert.Equal(t, "thanks", s.Feedback)
}

func TestChatMessageUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)

	env.dispatchJSON(c, EventChatMessage, `{"session_id":"nope","content":"hello"}`)
	errEvent, ok := findEvent(c.drain(t), EventError)
	require.True(t, ok)
	assert.Equal(t, "SESSION_NOT_FOUND", mustPayload(t, errEvent.Data)["code"])
}

func TestAnalyzeTextPassthrough(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)

	env.dispatchJSON(c, EventAnalyzeText, `{"text":"I am happy and grateful"}`)
	result, ok := findEvent(c.drain(t), EventAnalysisResult)
	require.True(t, ok)

	var parsed analysis.Result
	require.NoError(t, json.Unmarshal(result.Data, &parsed))
	assert.Equal(t, "positive", parsed.Sentiment.Label)
}

func TestInitiateCallToOfflineUser(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)

	env.dispatchJSON(c, EventInitiateCall, `{"call_id":"call-1","to":"nobody","call_type":"video"}`)
	failed, ok := findEvent(c.drain(t), calls.EventCallFailed)
	require.True(t, ok)
	payload := mustPayload(t, failed.Data)
	assert.Equal(t, "user_offline", payload["code"])
	assert.Equal(t, "call-1", payload["call_id"])
}

func TestCallFlowThroughDispatch(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect("alice", presence.RoleUser)
	bob := env.connect("bob", presence.RoleUser)

	env.dispatchJSON(alice, EventInitiateCall, `{"call_id":"call-1","to":"bob","call_type":"video"}`)
	_, ok := findEvent(bob.drain(t), calls.EventIncomingCall)
	require.True(t, ok)

	env.dispatchJSON(bob, EventAcceptCall, `{"call_id":"call-1","to":"alice"}`)
	_, ok = findEvent(alice.drain(t), calls.EventCallAccepted)
	require.True(t, ok)

	env.dispatchJSON(alice, EventJoinCallRoom, `{"room_id":"call-1","call_type":"video"}`)
	env.dispatchJSON(bob, EventJoinCallRoom, `{"room_id":"call-1","call_type":"video"}`)

	env.dispatchJSON(alice, EventSendCallSignal, `{"room_id":"call-1","signal":{"type":"offer"}}`)
	signal, ok := findEvent(bob.drain(t), calls.EventReceiveSignal)
	require.True(t, ok)
	assert.Contains(t, string(signal.Data), `"offer"`)
}

func TestGetUserStatusAndCounselors(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)
	env.connect("carol", presence.RoleCounselor)

	env.dispatchJSON(c, EventGetUserStatus, `{"user_id":"carol"}`)
	status, ok := findEvent(c.drain(t), EventUserStatus)
	require.True(t, ok)
	payload := mustPayload(t, status.Data)
	assert.Equal(t, true, payload["online"])
	assert.Equal(t, presence.AvailabilityAvailable, payload["availability"])

	env.hub.dispatch(c, Envelope{Event: EventGetOnlineCounselors})
	list, ok := findEvent(c.drain(t), EventOnlineCounselors)
	require.True(t, ok)
	assert.Contains(t, string(list.Data), "carol")
}

func TestUnknownEventRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)

	env.hub.dispatch(c, Envelope{Event: "no_such_event"})
	errEvent, ok := findEvent(c.drain(t), EventError)
	require.True(t, ok)
	assert.Equal(t, "INVALID_INPUT", mustPayload(t, errEvent.Data)["code"])
}

func TestMalformedPayloadRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect("user-1", presence.RoleUser)

	env.dispatchJSON(c, EventChatMessage, `{"session_id":42}`)
	errEvent, ok := findEvent(c.drain(t), EventError)
	require.True(t, ok)
	assert.Equal(t, "INVALID_INPUT", mustPayload(t, errEvent.Data)["code"])
}
