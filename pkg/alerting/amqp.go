package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"mindline-server/pkg/escalation"
	"mindline-server/pkg/metrics"
)

// AMQPConfig holds the crisis alert broker configuration. An empty URL or
// queue name disables publishing entirely.
type AMQPConfig struct {
	URL          string
	QueueName    string
	ExchangeName string
	RoutingKey   string
}

const (
	dialTimeout    = 5 * time.Second
	setupTimeout   = 3 * time.Second
	publishTimeout = 500 * time.Millisecond
)

// AMQPPublisher delivers crisis alerts to the on-call broker queue so the
// escalation pipeline outlives any single server process.
type AMQPPublisher struct {
	logger *logrus.Entry
	config AMQPConfig

	connMutex sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	stopChan  chan struct{}
}

// NewAMQPPublisher creates a crisis alert publisher. Call Connect before use.
func NewAMQPPublisher(config AMQPConfig, logger *logrus.Logger) *AMQPPublisher {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	return &AMQPPublisher{
		logger:   logger.WithField("component", "alert_publisher"),
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Enabled reports whether a broker is configured at all
func (p *AMQPPublisher) Enabled() bool {
	return p.config.URL != "" && p.config.QueueName != ""
}

// Connect dials the broker, declares the durable alert queue and starts the
// reconnect monitor. The dial is bounded so a dead broker cannot stall
// startup.
func (p *AMQPPublisher) Connect() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}
	if !p.Enabled() {
		p.logger.Warning("AMQP broker not configured, crisis alerts will only reach live counselors")
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	dialChan := make(chan struct {
		conn *amqp.Connection
		err  error
	}, 1)
	go func() {
		conn, err := amqp.Dial(p.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case dialChan <- struct {
			conn *amqp.Connection
			err  error
		}{conn, err}:
		}
	}()

	var conn *amqp.Connection
	select {
	case result := <-dialChan:
		if result.err != nil {
			return fmt.Errorf("failed to connect to AMQP broker: %w", result.err)
		}
		conn = result.conn
	case <-ctx.Done():
		return fmt.Errorf("connection to AMQP broker timed out after %s", dialTimeout)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	declareChan := make(chan error, 1)
	go func() {
		_, err := channel.QueueDeclare(
			p.config.QueueName,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		declareChan <- err
	}()
	select {
	case err = <-declareChan:
	case <-time.After(setupTimeout):
		err = fmt.Errorf("queue declaration timed out after %s", setupTimeout)
	}
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare alert queue: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	p.stopChan = make(chan struct{})
	go p.monitorConnection()

	if metrics.IsMetricsEnabled() && metrics.AMQPConnectionStatus != nil {
		metrics.AMQPConnectionStatus.Set(1)
	}

	p.logger.WithField("queue", p.config.QueueName).Info("Connected to AMQP broker")
	return nil
}

// Disconnect closes the broker connection and stops the monitor
func (p *AMQPPublisher) Disconnect() {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if !p.connected {
		return
	}
	close(p.stopChan)
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.connected = false
	if metrics.IsMetricsEnabled() && metrics.AMQPConnectionStatus != nil {
		metrics.AMQPConnectionStatus.Set(0)
	}
	p.logger.Info("Disconnected from AMQP broker")
}

// IsConnected reports the current broker connection status
func (p *AMQPPublisher) IsConnected() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connected
}

// PublishCrisisAlert pushes one alert to the durable queue. Publishing is
// bounded; a stuck broker returns an error instead of blocking the crisis
// protocol.
func (p *AMQPPublisher) PublishCrisisAlert(ctx context.Context, alert escalation.Alert) error {
	if !p.IsConnected() {
		return fmt.Errorf("not connected to AMQP broker")
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal crisis alert: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	publishChan := make(chan error, 1)
	go func() {
		p.connMutex.RLock()
		defer p.connMutex.RUnlock()

		if !p.connected || p.channel == nil {
			select {
			case publishChan <- fmt.Errorf("lost AMQP connection before publishing"):
			case <-pubCtx.Done():
			}
			return
		}

		err := p.channel.Publish(
			p.config.ExchangeName,
			p.config.RoutingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
			},
		)
		select {
		case publishChan <- err:
		case <-pubCtx.Done():
		}
	}()

	select {
	case err := <-publishChan:
		if err != nil {
			if metrics.IsMetricsEnabled() && metrics.AlertsPublished != nil {
				metrics.AlertsPublished.WithLabelValues("error").Inc()
			}
			return fmt.Errorf("failed to publish crisis alert: %w", err)
		}
	case <-pubCtx.Done():
		if metrics.IsMetricsEnabled() && metrics.AlertsPublished != nil {
			metrics.AlertsPublished.WithLabelValues("timeout").Inc()
		}
		return fmt.Errorf("publishing crisis alert timed out after %s", publishTimeout)
	}

	if metrics.IsMetricsEnabled() && metrics.AlertsPublished != nil {
		metrics.AlertsPublished.WithLabelValues("ok").Inc()
	}

	p.logger.WithFields(logrus.Fields{
		"session_id": alert.SessionID,
		"risk_level": alert.RiskLevel,
	}).Debug("Published crisis alert")
	return nil
}

// monitorConnection watches for broker closure and reconnects with backoff
func (p *AMQPPublisher) monitorConnection() {
	closeChan := make(chan *amqp.Error)

	p.connMutex.RLock()
	if p.conn != nil {
		p.conn.NotifyClose(closeChan)
	}
	p.connMutex.RUnlock()

	for {
		select {
		case <-p.stopChan:
			return
		case closeErr := <-closeChan:
			p.connMutex.Lock()
			p.connected = false
			p.connMutex.Unlock()
			if metrics.IsMetricsEnabled() && metrics.AMQPConnectionStatus != nil {
				metrics.AMQPConnectionStatus.Set(0)
			}

			p.logger.WithError(closeErr).Warning("AMQP connection closed, reconnecting")

			for attempt := 1; attempt <= 10; attempt++ {
				if err := p.Connect(); err == nil {
					p.logger.Info("Reconnected to AMQP broker")
					return
				}

				backoff := time.Duration(1<<uint(attempt-1)) * time.Second
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				select {
				case <-p.stopChan:
					return
				case <-time.After(backoff):
				}
			}
			p.logger.Error("Gave up reconnecting to AMQP broker")
			return
		}
	}
}
