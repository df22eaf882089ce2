package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mindline-server/pkg/analysis"
	"mindline-server/pkg/presence"
	"mindline-server/pkg/session"
)

// Crisis event names delivered over live channels
const (
	EventCrisisDetected  = "crisis_detected"
	EventUserCrisisAlert = "user_crisis_alert"
)

// Crisis types recorded on the session, ordered by severity
const (
	CrisisTypeSelfHarm = "self_harm"
	CrisisTypeSuicidal = "suicidal"
)

const seenLimit = 10000

// UserStore persists per-user risk levels across sessions
type UserStore interface {
	GetRiskLevel(ctx context.Context, userID string) (string, error)
	SetRiskLevel(ctx context.Context, userID, level string) error
}

// AlertPublisher pushes crisis alerts to an external broker for the
// on-call pipeline. Implementations must be safe to call when disabled.
type AlertPublisher interface {
	PublishCrisisAlert(ctx context.Context, alert Alert) error
}

// Alert is the broker-bound crisis notification. It carries indicators and
// risk metadata, never the message text itself.
type Alert struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	MessageID  string    `json:"message_id"`
	CrisisType string    `json:"crisis_type"`
	RiskLevel  string    `json:"risk_level"`
	Indicators []string  `json:"indicators"`
	DetectedAt time.Time `json:"detected_at"`
}

// Event is one crisis detection to coordinate, keyed by the message that
// triggered it.
type Event struct {
	SessionID string
	UserID    string
	MessageID string
	Result    analysis.Result
}

// Coordinator runs the crisis protocol when the analyzer flags a message:
// flag the session, raise the user's persisted risk level, notify the user
// and the counselors room, and publish a broker alert. The whole protocol is
// synchronous and idempotent per message; side-channel failures are logged
// and never block the conversational reply.
type Coordinator struct {
	logger    *logrus.Entry
	analyzer  *analysis.Analyzer
	sessions  *session.Manager
	users     UserStore
	registry  *presence.Registry
	publisher AlertPublisher

	mutex sync.Mutex
	seen  map[string]bool
}

// NewCoordinator creates a crisis escalation coordinator. publisher may be
// nil when no broker is configured.
func NewCoordinator(
	analyzer *analysis.Analyzer,
	sessions *session.Manager,
	users UserStore,
	registry *presence.Registry,
	publisher AlertPublisher,
	logger *logrus.Logger,
) *Coordinator {
	return &Coordinator{
		logger:    logger.WithField("component", "escalation"),
		analyzer:  analyzer,
		sessions:  sessions,
		users:     users,
		registry:  registry,
		publisher: publisher,
		seen:      make(map[string]bool),
	}
}

// Handle runs the escalation protocol for one flagged message. Repeat calls
// for the same message id are no-ops.
func (c *Coordinator) Handle(ctx context.Context, event Event) {
	if !event.Result.Crisis.IsCrisis {
		return
	}
	if !c.markSeen(event.MessageID) {
		return
	}

	crisisType := CrisisTypeSelfHarm
	if c.analyzer.HasSelfHarmIndicators(event.Result.Crisis.Indicators) {
		crisisType = CrisisTypeSuicidal
	}

	log := c.logger.WithFields(logrus.Fields{
		"session_id":  event.SessionID,
		"user_id":     event.UserID,
		"crisis_type": crisisType,
		"risk_level":  event.Result.Crisis.RiskLevel,
	})
	log.Warning("Crisis detected, running escalation protocol")

	if _, err := c.sessions.Escalate(ctx, event.SessionID, crisisType); err != nil {
		log.WithError(err).Error("Failed to flag session for crisis")
	}

	c.raiseUserRisk(ctx, event.UserID, event.Result.Crisis.RiskLevel, log)

	if err := c.registry.SendToUser(event.UserID, EventCrisisDetected, map[string]interface{}{
		"session_id":  event.SessionID,
		"crisis_type": crisisType,
		"risk_level":  event.Result.Crisis.RiskLevel,
		"resources":   true,
	}); err != nil {
		log.WithError(err).Debug("Could not deliver crisis notice to user")
	}

	// Counselors get indicators and risk, never the raw message
	c.registry.Broadcast(presence.CounselorsRoom, EventUserCrisisAlert, map[string]interface{}{
		"session_id":  event.SessionID,
		"user_id":     event.UserID,
		"crisis_type": crisisType,
		"risk_level":  event.Result.Crisis.RiskLevel,
		"indicators":  event.Result.Crisis.Indicators,
		"detected_at": time.Now().UTC(),
	})

	if c.publisher != nil {
		alert := Alert{
			SessionID:  event.SessionID,
			UserID:     event.UserID,
			MessageID:  event.MessageID,
			CrisisType: crisisType,
			RiskLevel:  event.Result.Crisis.RiskLevel,
			Indicators: event.Result.Crisis.Indicators,
			DetectedAt: time.Now().UTC(),
		}
		if err := c.publisher.PublishCrisisAlert(ctx, alert); err != nil {
			log.WithError(err).Error("Failed to publish crisis alert")
		}
	}
}

// raiseUserRisk persists the user's risk level: critical detections persist
// critical, everything else persists high. The stored level never goes down.
func (c *Coordinator) raiseUserRisk(ctx context.Context, userID, detected string, log *logrus.Entry) {
	target := analysis.RiskHigh
	if detected == analysis.RiskCritical {
		target = analysis.RiskCritical
	}

	current, err := c.users.GetRiskLevel(ctx, userID)
	if err != nil {
		log.WithError(err).Error("Failed to load user risk level")
		current = analysis.RiskLow
	}
	raised := analysis.MaxRisk(current, target)
	if raised == current {
		return
	}
	if err := c.users.SetRiskLevel(ctx, userID, raised); err != nil {
		log.WithError(err).Error("Failed to persist user risk level")
		return
	}
	log.WithFields(logrus.Fields{"from": current, "to": raised}).Info("User risk level raised")
}

func (c *Coordinator) markSeen(messageID string) bool {
	if messageID == "" {
		return true
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.seen[messageID] {
		return false
	}
	if len(c.seen) >= seenLimit {
		c.seen = make(map[string]bool)
	}
	c.seen[messageID] = true
	return true
}

// MemoryUserStore is an in-memory UserStore for tests and single-node runs
type MemoryUserStore struct {
	mutex  sync.RWMutex
	levels map[string]string
}

// NewMemoryUserStore creates an empty in-memory user risk store
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{levels: make(map[string]string)}
}

// GetRiskLevel returns the stored risk level, defaulting to low
func (s *MemoryUserStore) GetRiskLevel(_ context.Context, userID string) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if level, ok := s.levels[userID]; ok {
		return level, nil
	}
	return analysis.RiskLow, nil
}

// SetRiskLevel stores the user's risk level
func (s *MemoryUserStore) SetRiskLevel(_ context.Context, userID, level string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.levels[userID] = level
	return nil
}
