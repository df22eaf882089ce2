package util

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Configuration defines the structure for storing application configuration
type Configuration struct {
	// HTTP server configuration
	HTTPPort          int
	HTTPEnableMetrics bool

	// Session configuration
	SessionIdleWindow    time.Duration
	SessionSweepInterval time.Duration
	SessionTTL           time.Duration

	// Redis configuration; empty address keeps sessions in memory only
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	// Generative backend configuration
	GenerativeURL     string
	GenerativeAPIKey  string
	GenerativeModel   string
	GenerativeTimeout time.Duration

	// AMQP configuration
	AMQPUrl       string
	AMQPQueueName string

	// Logging
	LogLevel logrus.Level
}

// LoadConfig loads the application configuration from environment variables.
// A missing .env file is fine; the process environment still applies.
func LoadConfig(logger *logrus.Logger) (*Configuration, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, relying on process environment")
	}

	config := &Configuration{}
	var err error

	httpPortStr := os.Getenv("HTTP_PORT")
	if httpPortStr != "" {
		config.HTTPPort, err = strconv.Atoi(httpPortStr)
		if err != nil || config.HTTPPort <= 0 {
			logger.Warn("Invalid HTTP_PORT specified; using default port 8080")
			config.HTTPPort = 8080
		}
	} else {
		config.HTTPPort = 8080
	}

	config.HTTPEnableMetrics = os.Getenv("DISABLE_METRICS") != "true"

	idleHoursStr := os.Getenv("SESSION_IDLE_HOURS")
	if idleHoursStr != "" {
		hours, err := strconv.Atoi(idleHoursStr)
		if err != nil || hours <= 0 {
			logger.Warn("Invalid SESSION_IDLE_HOURS; setting default to 4")
			hours = 4
		}
		config.SessionIdleWindow = time.Duration(hours) * time.Hour
	} else {
		config.SessionIdleWindow = 4 * time.Hour
	}

	sweepMinutesStr := os.Getenv("SESSION_SWEEP_MINUTES")
	if sweepMinutesStr != "" {
		minutes, err := strconv.Atoi(sweepMinutesStr)
		if err != nil || minutes <= 0 {
			logger.Warn("Invalid SESSION_SWEEP_MINUTES; setting default to 5")
			minutes = 5
		}
		config.SessionSweepInterval = time.Duration(minutes) * time.Minute
	} else {
		config.SessionSweepInterval = 5 * time.Minute
	}

	ttlHoursStr := os.Getenv("SESSION_TTL_HOURS")
	if ttlHoursStr != "" {
		hours, err := strconv.Atoi(ttlHoursStr)
		if err != nil || hours <= 0 {
			logger.Warn("Invalid SESSION_TTL_HOURS; setting default to 24")
			hours = 24
		}
		config.SessionTTL = time.Duration(hours) * time.Hour
	} else {
		config.SessionTTL = 24 * time.Hour
	}

	config.RedisAddress = os.Getenv("REDIS_ADDRESS")
	if config.RedisAddress == "" {
		logger.Info("REDIS_ADDRESS not set, sessions will be kept in memory only")
	}
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")
	redisDBStr := os.Getenv("REDIS_DB")
	if redisDBStr != "" {
		config.RedisDB, err = strconv.Atoi(redisDBStr)
		if err != nil {
			logger.Warn("Invalid REDIS_DB specified; using database 0")
			config.RedisDB = 0
		}
	}

	config.GenerativeURL = os.Getenv("GENERATIVE_API_URL")
	config.GenerativeAPIKey = os.Getenv("GENERATIVE_API_KEY")
	config.GenerativeModel = os.Getenv("GENERATIVE_MODEL")
	if config.GenerativeAPIKey == "" {
		logger.Warn("GENERATIVE_API_KEY not set, responses will use deterministic fallbacks")
	}

	generativeTimeoutStr := os.Getenv("GENERATIVE_TIMEOUT_SECONDS")
	if generativeTimeoutStr != "" {
		seconds, err := strconv.Atoi(generativeTimeoutStr)
		if err != nil || seconds <= 0 {
			logger.Warn("Invalid GENERATIVE_TIMEOUT_SECONDS; setting default to 10")
			seconds = 10
		}
		config.GenerativeTimeout = time.Duration(seconds) * time.Second
	} else {
		config.GenerativeTimeout = 10 * time.Second
	}

	config.AMQPUrl = os.Getenv("AMQP_URL")
	config.AMQPQueueName = os.Getenv("AMQP_QUEUE_NAME")
	if config.AMQPUrl == "" || config.AMQPQueueName == "" {
		logger.Warn("AMQP_URL or AMQP_QUEUE_NAME not set, broker alerts will be disabled")
	}

	logLevelStr := os.Getenv("LOG_LEVEL")
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", logLevelStr)
		config.LogLevel = logrus.InfoLevel
	} else {
		config.LogLevel = level
	}

	return config, nil
}
