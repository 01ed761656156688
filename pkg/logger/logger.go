// Package logger provides structured logging functionality for the Agent
// Spend Gateway. Built on top of zerolog for high-performance structured
// logging with contextual fields. Supports dual output to console and
// structured log files with timestamped naming.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Global state for file logging
	logFileMutex        sync.Mutex
	sequenceCounter     = make(map[string]int)
	serviceLoggers      = make(map[ServiceType]*os.File)
	serviceMultiWriters = make(map[ServiceType]io.Writer)
)

// LogCategory represents different types of log events
type LogCategory string

const (
	Startup    LogCategory = "startup"
	Payment    LogCategory = "payment"
	Settlement LogCategory = "settlement"
	Delegation LogCategory = "delegation"
	Spend      LogCategory = "spend"
	Request    LogCategory = "request"
	Error      LogCategory = "error"
	General    LogCategory = "general"
)

// ServiceType represents the service generating the logs
type ServiceType string

const (
	Facilitator ServiceType = "facilitator"
)

// Init initializes the global logger with the specified log level.
// Sets up console output with pretty formatting for development use.
// Defaults to info level if an invalid level is provided.
func Init(level string) {
	setGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
}

// InitWithFileLogging initializes the logger with both console and file output.
// Creates timestamped log files in the logs/ directory with service information.
func InitWithFileLogging(level string, service ServiceType) {
	setGlobalLevel(level)

	logFileMutex.Lock()
	defer logFileMutex.Unlock()

	multiWriter := multiWriterForService(service)
	if multiWriter == nil {
		return
	}

	log.Logger = zerolog.New(multiWriter).With().Timestamp().Logger()
}

// NewCategoryLogger creates a new logger instance with file output for a
// specific category. All categories for the same service write to the same
// file, with category information in the log entry.
func NewCategoryLogger(level string, service ServiceType, category LogCategory) zerolog.Logger {
	logFileMutex.Lock()
	defer logFileMutex.Unlock()

	multiWriter := multiWriterForService(service)
	if multiWriter == nil {
		return log.Logger
	}

	return zerolog.New(multiWriter).With().
		Timestamp().
		Str("service", string(service)).
		Str("category", string(category)).
		Logger()
}

// multiWriterForService returns the console+file writer for a service,
// opening the log file on first use. Returns nil if the file cannot be
// created, in which case callers fall back to the global logger.
// Assumes logFileMutex is held.
func multiWriterForService(service ServiceType) io.Writer {
	if multiWriter, exists := serviceMultiWriters[service]; exists {
		return multiWriter
	}

	if err := os.MkdirAll("logs", 0755); err != nil {
		fmt.Printf("Failed to create logs directory: %v\n", err)
		return nil
	}

	logFilePath := filepath.Join("logs", generateLogFileName(service))

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Printf("Failed to open log file %s: %v\n", logFilePath, err)
		return nil
	}

	serviceLoggers[service] = logFile

	// Console gets pretty format, file gets JSON
	multiWriter := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		},
		logFile,
	)

	serviceMultiWriters[service] = multiWriter

	fmt.Printf("Logging for service %s to file: %s\n", service, logFilePath)
	return multiWriter
}

// setGlobalLevel maps a textual level to the zerolog global level.
func setGlobalLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// generateLogFileName creates a timestamped log file name with sequence number.
// Format: YYYYMMDD_HHMMSS_{service}_{sequence}.log
// Note: This function assumes the logFileMutex is already locked by the caller
func generateLogFileName(service ServiceType) string {
	now := time.Now()
	dateStr := now.Format("20060102")
	timeStr := now.Format("150405")

	key := fmt.Sprintf("%s_%s_%s", dateStr, timeStr, service)

	sequenceCounter[key]++
	sequence := sequenceCounter[key]

	return fmt.Sprintf("%s_%s_%s_%s.log",
		dateStr, timeStr, service, fmt.Sprintf("%03d", sequence))
}

// WithRequestID creates a logger with a request ID field.
// Used for tracing requests across service boundaries and operations.
func WithRequestID(requestID string) zerolog.Logger {
	return log.With().Str("request_id", requestID).Logger()
}

// WithChallengeID creates a logger with a challenge ID field.
// Used for tracking operations related to a specific payment challenge.
func WithChallengeID(challengeID string) zerolog.Logger {
	return log.With().Str("challenge_id", challengeID).Logger()
}

// WithReplayKey creates a logger with a replay key field.
// Used for tracing settlement attempts for one intended payment.
func WithReplayKey(replayKey string) zerolog.Logger {
	return log.With().Str("replay_key", replayKey).Logger()
}

// WithDelegationID creates a logger with a delegation ID field.
// Used for delegation and spend-authorization logging.
func WithDelegationID(delegationID string) zerolog.Logger {
	return log.With().Str("delegation_id", delegationID).Logger()
}

// CleanupOldLogs removes log files older than the specified number of days.
// Helps prevent logs directory from growing indefinitely.
func CleanupOldLogs(daysToKeep int) error {
	logsDir := "logs"
	if _, err := os.Stat(logsDir); os.IsNotExist(err) {
		return nil // No logs directory, nothing to clean
	}

	return filepath.Walk(logsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		if !strings.HasSuffix(info.Name(), ".log") {
			return nil
		}

		age := time.Since(info.ModTime())
		if age > time.Duration(daysToKeep)*24*time.Hour {
			fmt.Printf("Removing old log file: %s\n", path)
			return os.Remove(path)
		}

		return nil
	})
}
