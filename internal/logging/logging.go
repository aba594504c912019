// Package logging configures the process-wide logrus logger: a nested
// formatter on stderr plus an optional rotating log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/andresmejia3/firm/internal/config"
)

type Fields = logrus.Fields

// New builds a logger from the logging section of the config. startedAt is
// stamped into the file name when logging.timestamp is set, so every run gets
// its own file.
func New(cfg config.LoggingConfig, startedAt time.Time) (*logrus.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(toLogrus(level))
	logger.SetFormatter(&formatter.Formatter{
		NoColors:        false,
		TimestampFormat: "2006-01-02 15:04:05",
		HideKeys:        false,
		CallerFirst:     true,
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			return fmt.Sprintf(" \x1b[%dm[%s:%d][%s()]", 34, path.Base(f.File), f.Line, funcName)
		},
	})
	logger.SetReportCaller(true)

	writers := []io.Writer{os.Stderr}
	if cfg.Enabled && cfg.File != "" {
		file := FileName(cfg.File, cfg.Timestamp, startedAt)
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   file,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}
	logger.SetOutput(io.MultiWriter(writers...))

	return logger, nil
}

// FileName inserts the unix start time before the extension: log/app.log -> log/app.1700000000.log
func FileName(file string, stamp bool, startedAt time.Time) string {
	if !stamp {
		return file
	}
	ext := filepath.Ext(file)
	return fmt.Sprintf("%s.%d%s", strings.TrimSuffix(file, ext), startedAt.Unix(), ext)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func toLogrus(l config.Level) logrus.Level {
	switch l {
	case config.LevelDebug:
		return logrus.DebugLevel
	case config.LevelWarning:
		return logrus.WarnLevel
	case config.LevelError:
		return logrus.ErrorLevel
	case config.LevelCritical:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}
