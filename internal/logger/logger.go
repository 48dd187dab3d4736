package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with the daemon's output plumbing: console and/or a
// size-rotated file, both behind the secret redactor when enabled.
type Logger struct {
	logger   zerolog.Logger
	sink     io.Closer
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	File      string // log file path; empty disables file output
	Console   bool   // enable console output
	Pretty    bool   // pretty format for console
	Redaction bool   // redact secrets before they reach any writer
	MaxSize   int    // rotate the file past this many MB; 0 disables rotation
	MaxAge    int    // prune rotated files older than this many days
	Compress  bool   // gzip rotated files
}

// New creates a logger from cfg and installs it as zerolog's global logger.
// The file writer rotates in place when MaxSize is set, so a long-running
// daemon never needs external logrotate.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	writer, sink, err := assembleWriter(cfg)
	if err != nil {
		return nil, err
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	zl := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	log.Logger = zl

	return &Logger{logger: zl, sink: sink, redactor: redactor}, nil
}

// assembleWriter builds the output stack: console, rotated file, or both.
func assembleWriter(cfg Config) (io.Writer, io.Closer, error) {
	var writers []io.Writer
	var sink io.Closer

	if cfg.Console {
		var console io.Writer = os.Stdout
		if cfg.Pretty {
			console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}
		writers = append(writers, console)
	}

	if cfg.File != "" {
		rf, err := openRollingFile(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, rf)
		sink = rf
	}

	switch len(writers) {
	case 0:
		return os.Stdout, nil, nil
	case 1:
		return writers[0], sink, nil
	default:
		return io.MultiWriter(writers...), sink, nil
	}
}

// Close closes the file sink, if any.
func (l *Logger) Close() error {
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal() *zerolog.Event { return l.logger.Fatal() }

// With creates a child logger with additional context
func (l *Logger) With() zerolog.Context { return l.logger.With() }

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger { return l.logger }

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
