package support

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process logger. Filename enables a rotated log file
// next to stderr output.
type LogConfig struct {
	Level      string
	Filename   string
	MaxSize    int // MB before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

func LogConfigFromEnv(defaultLevel string) LogConfig {
	return LogConfig{
		Level:      GetEnv("LOG_LEVEL", defaultLevel),
		Filename:   GetEnv("LOG_FILE", ""),
		MaxSize:    GetEnvInt("LOG_MAX_SIZE_MB", 50),
		MaxBackups: GetEnvInt("LOG_MAX_BACKUPS", 3),
		MaxAge:     GetEnvInt("LOG_MAX_AGE_DAYS", 28),
		Compress:   GetEnvBool("LOG_COMPRESS", true),
	}
}

// SetupLogging applies cfg to the package-level logger and returns a closer
// for the rotated file, if any.
func SetupLogging(cfg LogConfig) io.Closer {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	if cfg.Filename == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}

	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 50
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 28
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	log.Info("Log rotation enabled", "file", cfg.Filename, "max_size_mb", cfg.MaxSize, "max_backups", cfg.MaxBackups)
	return rotator
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
