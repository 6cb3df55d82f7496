package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LoggingConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out, err := output(cfg)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(formatter(cfg.Format))
	logger.SetOutput(out)
	return logger, nil
}

func formatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		}
	}
	return &logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	}
}

// output picks stdout, a rotated file, or both.
func output(cfg *config.LoggingConfig) (io.Writer, error) {
	switch cfg.Output {
	case "file", "both":
	default:
		return os.Stdout, nil
	}

	if cfg.File.Path == "" {
		return nil, fmt.Errorf("logging output %q needs a file path", cfg.Output)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0755); err != nil {
		return nil, err
	}
	rotating := &lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    cfg.File.MaxSize, // megabytes
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAge, // days
		Compress:   true,
	}
	if cfg.Output == "both" {
		return io.MultiWriter(os.Stdout, rotating), nil
	}
	return rotating, nil
}

// WithChatter adds the channel and chatter fields used across chat handling.
func WithChatter(logger *logrus.Logger, channel, user string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"channel": channel,
		"user":    user,
	})
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
