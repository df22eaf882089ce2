package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"mindline-server/pkg/alerting"
	"mindline-server/pkg/analysis"
	"mindline-server/pkg/calls"
	"mindline-server/pkg/conversation"
	"mindline-server/pkg/escalation"
	http_server "mindline-server/pkg/http"
	"mindline-server/pkg/hub"
	"mindline-server/pkg/metrics"
	"mindline-server/pkg/presence"
	"mindline-server/pkg/session"
	"mindline-server/pkg/util"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	config, err := util.LoadConfig(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(config.LogLevel)

	metrics.StartMetrics(logger, config.HTTPEnableMetrics)

	// Session persistence: Redis when configured, in-memory otherwise
	var store session.Store
	if config.RedisAddress != "" {
		redisConfig := session.DefaultRedisConfig()
		redisConfig.Address = config.RedisAddress
		redisConfig.Password = config.RedisPassword
		redisConfig.Database = config.RedisDB
		redisConfig.TTL = config.SessionTTL

		redisStore, err := session.NewRedisStore(redisConfig, logger)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, falling back to in-memory session store")
			store = session.NewMemoryStore()
		} else {
			store = redisStore
		}
	} else {
		store = session.NewMemoryStore()
	}

	sessions := session.NewManager(store, &session.ManagerConfig{
		IdleWindow:    config.SessionIdleWindow,
		SweepInterval: config.SessionSweepInterval,
	}, logger)

	analyzer := analysis.NewAnalyzer(logger)

	var engineOpts []conversation.EngineOption
	if config.GenerativeAPIKey != "" {
		generator := conversation.NewHTTPGenerator(logger, conversation.HTTPGeneratorConfig{
			APIURL: config.GenerativeURL,
			APIKey: config.GenerativeAPIKey,
			Model:  config.GenerativeModel,
		})
		engineOpts = append(engineOpts, conversation.WithGenerator(generator))
	}
	engineOpts = append(engineOpts, conversation.WithGenerateTimeout(config.GenerativeTimeout))
	engine := conversation.NewEngine(logger, analyzer, engineOpts...)

	registry := presence.NewRegistry(logger)
	relay := calls.NewRelay(registry, logger)

	// Crisis alert broker is optional; live counselor alerts work without it
	var publisher escalation.AlertPublisher
	amqpPublisher := alerting.NewAMQPPublisher(alerting.AMQPConfig{
		URL:       config.AMQPUrl,
		QueueName: config.AMQPQueueName,
	}, logger)
	if amqpPublisher.Enabled() {
		if err := amqpPublisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP broker unreachable, will rely on reconnect")
		}
		publisher = amqpPublisher
	}

	users := escalation.NewMemoryUserStore()
	coordinator := escalation.NewCoordinator(analyzer, sessions, users, registry, publisher, logger)

	eventHub := hub.NewHub(registry, sessions, analyzer, engine, relay, coordinator, users, logger)

	httpConfig := http_server.DefaultConfig()
	httpConfig.Port = config.HTTPPort
	httpConfig.EnableMetrics = config.HTTPEnableMetrics
	server := http_server.NewServer(httpConfig, eventHub, registry, sessions, analyzer, logger)
	server.Start()

	logger.WithFields(logrus.Fields{
		"http_port":   config.HTTPPort,
		"idle_window": config.SessionIdleWindow.String(),
	}).Info("Server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	// Manager shutdown closes the underlying store
	if err := sessions.Shutdown(); err != nil {
		logger.WithError(err).Error("Session manager shutdown failed")
	}
	if amqpPublisher.Enabled() {
		amqpPublisher.Disconnect()
	}

	logger.Info("Shutdown complete")
}
