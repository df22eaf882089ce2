package session

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mindline-server/pkg/analysis"
	"mindline-server/pkg/errors"
)

// lockStripes is the number of per-session lock stripes. Power of two for
// cheap masking.
const lockStripes = 64

// ManagerConfig holds session manager configuration
type ManagerConfig struct {
	IdleWindow    time.Duration // active sessions older than this are auto-ended
	SweepInterval time.Duration
}

// Manager owns the lifecycle of conversation sessions. All operations touching
// one session are serialized behind a lock striped by session id, so message
// order stays monotonic under concurrent senders without a global lock.
type Manager struct {
	logger *logrus.Entry
	store  Store
	config *ManagerConfig

	// live is authoritative for sessions this node is handling; the store is
	// the durable copy written after each mutation.
	live  map[string]*Session
	mutex sync.RWMutex

	locks [lockStripes]sync.Mutex

	sweepTicker *time.Ticker
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewManager creates a session manager and starts its idle sweep
func NewManager(store Store, config *ManagerConfig, logger *logrus.Logger) *Manager {
	if config == nil {
		config = &ManagerConfig{}
	}
	if config.IdleWindow <= 0 {
		config.IdleWindow = 4 * time.Hour
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}

	m := &Manager{
		logger:   logger.WithField("component", "session_manager"),
		store:    store,
		config:   config,
		live:     make(map[string]*Session),
		stopChan: make(chan struct{}),
	}

	m.sweepTicker = time.NewTicker(config.SweepInterval)
	go m.sweepLoop()

	m.logger.WithFields(logrus.Fields{
		"idle_window":    config.IdleWindow,
		"sweep_interval": config.SweepInterval,
	}).Info("Session manager initialized")

	return m
}

// Shutdown stops background work and closes the store
func (m *Manager) Shutdown() error {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.sweepTicker.Stop()
	})
	return m.store.Close()
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &m.locks[h.Sum32()&(lockStripes-1)]
}

// Start creates a new active session for a user
func (m *Manager) Start(ctx context.Context, userID, sessionType string) (*Session, error) {
	if userID == "" {
		return nil, errors.NewInvalidInput("missing user id")
	}
	if sessionType == "" {
		sessionType = "ai_chat"
	}

	session := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		SessionType: sessionType,
		Status:      StatusActive,
		Priority:    PriorityNormal,
		StartTime:   time.Now(),
		Messages:    []Message{},
	}

	m.mutex.Lock()
	m.live[session.ID] = session
	m.mutex.Unlock()

	if err := m.store.Create(ctx, session); err != nil {
		// The live copy stays authoritative for the conversation
		m.logger.WithError(err).WithField("session_id", session.ID).
			Warning("Failed to persist new session")
	}

	m.logger.WithFields(logrus.Fields{
		"session_id":   session.ID,
		"user_id":      userID,
		"session_type": sessionType,
	}).Info("Session started")

	return session.clone(), nil
}

// get returns the live session, adopting it from the store if this node has
// not seen it yet. Callers must hold the session's stripe lock.
func (m *Manager) get(ctx context.Context, sessionID string) (*Session, error) {
	m.mutex.RLock()
	session, ok := m.live[sessionID]
	m.mutex.RUnlock()
	if ok {
		return session, nil
	}

	stored, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return nil, errors.NewSessionNotFound(sessionID)
	}

	m.mutex.Lock()
	// Another goroutine may have adopted it while we hit the store
	if existing, ok := m.live[sessionID]; ok {
		stored = existing
	} else {
		m.live[sessionID] = stored
	}
	m.mutex.Unlock()

	return stored, nil
}

// save persists the session, degrading to log-and-continue on store failure
func (m *Manager) save(ctx context.Context, session *Session) {
	if err := m.store.Save(ctx, session); err != nil {
		m.logger.WithError(err).WithField("session_id", session.ID).
			Warning("Failed to persist session update")
	}
}

// Append adds a message to a session's history. Legal only while the session
// is active or paused. Timestamps are clamped to stay non-decreasing.
func (m *Manager) Append(ctx context.Context, sessionID string, msg Message) (Message, error) {
	if msg.Content == "" {
		return Message{}, errors.NewInvalidInput("empty message content")
	}

	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.get(ctx, sessionID)
	if err != nil {
		return Message{}, err
	}
	if !session.AcceptsMessages() {
		return Message{}, errors.Wrap(errors.ErrSessionNotWritable,
			"cannot append message",
			map[string]interface{}{"session_id": sessionID, "status": session.Status},
		).WithCode("SESSION_NOT_WRITABLE")
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if last := session.LastActivity(); msg.Timestamp.Before(last) {
		msg.Timestamp = last
	}

	session.Messages = append(session.Messages, msg)
	session.Metrics.MessageCount = len(session.Messages)

	m.save(ctx, session)
	return msg, nil
}

// Pause moves an active session to paused
func (m *Manager) Pause(ctx context.Context, sessionID string) (*Session, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive {
		return nil, errors.NewInvalidTransition(session.Status, StatusPaused,
			map[string]interface{}{"session_id": sessionID})
	}

	session.Status = StatusPaused
	m.save(ctx, session)

	m.logger.WithField("session_id", sessionID).Info("Session paused")
	return session.clone(), nil
}

// Resume moves a paused or ended session back to active. Resuming an ended
// session clears its end time and appends exactly one system welcome-back
// message. Emergency and cancelled sessions cannot resume.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*Session, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case StatusPaused:
		session.Status = StatusActive

	case StatusEnded:
		session.Status = StatusActive
		session.EndTime = nil
		session.DurationMins = 0

		welcome := Message{
			ID:          uuid.NewString(),
			Sender:      SenderSystem,
			Content:     "Welcome back. Your conversation has been resumed; take your time.",
			Timestamp:   time.Now(),
			MessageType: "system",
		}
		if last := session.LastActivity(); welcome.Timestamp.Before(last) {
			welcome.Timestamp = last
		}
		session.Messages = append(session.Messages, welcome)
		session.Metrics.MessageCount = len(session.Messages)

	default:
		return nil, errors.NewInvalidTransition(session.Status, StatusActive,
			map[string]interface{}{"session_id": sessionID})
	}

	m.save(ctx, session)
	m.logger.WithField("session_id", sessionID).Info("Session resumed")
	return session.clone(), nil
}

// End moves a session to ended, recording end time and whole-minute duration.
// Ending an already ended session is a no-op.
func (m *Manager) End(ctx context.Context, sessionID, feedback string) (*Session, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == StatusEnded {
		return session.clone(), nil
	}
	if session.IsTerminal() {
		return nil, errors.NewInvalidTransition(session.Status, StatusEnded,
			map[string]interface{}{"session_id": sessionID})
	}

	m.endLocked(ctx, session, time.Now())
	if feedback != "" {
		session.Feedback = feedback
		m.save(ctx, session)
	}

	m.logger.WithFields(logrus.Fields{
		"session_id":       sessionID,
		"duration_minutes": session.DurationMins,
	}).Info("Session ended")
	return session.clone(), nil
}

// endLocked applies the ended state. Callers hold the stripe lock.
func (m *Manager) endLocked(ctx context.Context, session *Session, endTime time.Time) {
	session.Status = StatusEnded
	session.EndTime = &endTime
	session.DurationMins = int(math.Round(endTime.Sub(session.StartTime).Minutes()))
	m.save(ctx, session)
}

// Cancel moves a session to the terminal cancelled state
func (m *Manager) Cancel(ctx context.Context, sessionID string) (*Session, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() || session.Status == StatusEnded {
		return nil, errors.NewInvalidTransition(session.Status, StatusCancelled,
			map[string]interface{}{"session_id": sessionID})
	}

	session.Status = StatusCancelled
	m.save(ctx, session)

	m.logger.WithField("session_id", sessionID).Info("Session cancelled")
	return session.clone(), nil
}

// MarkEmergency locks a session into the sticky emergency state. This is an
// explicit operation: crisis escalation flags and re-prioritizes a session but
// never moves it here on its own.
func (m *Manager) MarkEmergency(ctx context.Context, sessionID string) (*Session, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == StatusEmergency {
		return session.clone(), nil
	}
	if session.Status == StatusCancelled {
		return nil, errors.NewInvalidTransition(session.Status, StatusEmergency,
			map[string]interface{}{"session_id": sessionID})
	}

	session.Status = StatusEmergency
	session.Priority = PriorityCritical
	m.save(ctx, session)

	m.logger.WithField("session_id", sessionID).Warning("Session marked emergency")
	return session.clone(), nil
}

// Escalate flags a session as a crisis and raises its priority. Safe to call
// repeatedly; re-detection updates metadata without losing a suicidal
// classification.
func (m *Manager) Escalate(ctx context.Context, sessionID, crisisType string) (*Session, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session.CrisisFlags.IsCrisis = true
	if session.CrisisFlags.CrisisType != "suicidal" {
		session.CrisisFlags.CrisisType = crisisType
	}
	session.CrisisFlags.InterventionTaken = "crisis_protocol"
	session.Priority = PriorityCritical

	m.save(ctx, session)
	return session.clone(), nil
}

// RecordAnalysis caches the latest analyzer snapshot on the session for
// counselor review. Persistence failure is retried once and then only logged;
// this call never blocks or fails the reply path.
func (m *Manager) RecordAnalysis(ctx context.Context, sessionID string, result analysis.Result) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.get(ctx, sessionID)
	if err != nil {
		m.logger.WithError(err).WithField("session_id", sessionID).
			Debug("Dropping analysis snapshot for unknown session")
		return
	}

	session.LatestAnalysis = snapshotFromResult(result)

	if err := m.store.Save(ctx, session); err != nil {
		if retryErr := m.store.Save(ctx, session); retryErr != nil {
			m.logger.WithError(retryErr).WithField("session_id", sessionID).
				Warning("Failed to persist analysis snapshot")
		}
	}
}

// Get returns a copy of a session
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.clone(), nil
}

// ActiveCount returns the number of live non-terminal sessions on this node
func (m *Manager) ActiveCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	count := 0
	for _, session := range m.live {
		if session.Status == StatusActive || session.Status == StatusPaused {
			count++
		}
	}
	return count
}

func (m *Manager) sweepLoop() {
	for {
		select {
		case <-m.sweepTicker.C:
			m.sweepIdle()
		case <-m.stopChan:
			return
		}
	}
}

// sweepIdle ends active sessions whose last activity is older than the idle
// window. End time is the last message's timestamp, not sweep time. Each
// session is swept under its own stripe lock so the sweep is safe against
// concurrent appends.
func (m *Manager) sweepIdle() {
	m.mutex.RLock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mutex.RUnlock()

	threshold := time.Now().Add(-m.config.IdleWindow)
	ctx := context.Background()
	swept := 0

	for _, id := range ids {
		lock := m.lockFor(id)
		lock.Lock()

		m.mutex.RLock()
		session, ok := m.live[id]
		m.mutex.RUnlock()

		if ok && session.Status == StatusActive && session.LastActivity().Before(threshold) {
			m.endLocked(ctx, session, session.LastActivity())
			swept++
		}
		lock.Unlock()
	}

	if swept > 0 {
		m.logger.WithField("count", swept).Info("Auto-ended idle sessions")
	}
}
