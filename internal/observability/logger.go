package observability

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// LogFileOptions configures a rotated log file.
type LogFileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// RotatingWriter returns a writer that rotates the log file by size.
func RotatingWriter(opts LogFileOptions) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}, nil
}

// SetLevel sets the minimum level; unknown names leave it unchanged.
func (l *Logger) SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return
	}
	l.logger = l.logger.Level(lvl)
}

// WithComponent adds a component name to logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", name).Logger(),
	}
}

// WithBundle adds bundle_id context to logger.
func (l *Logger) WithBundle(bundleID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("bundle_id", bundleID).Logger(),
	}
}

// WithPeer adds peer context to logger.
func (l *Logger) WithPeer(peer string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer", peer).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// BundleAdded logs a locally authored bundle.
func (l *Logger) BundleAdded(bundleID string, version, fileSize int64, name string) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Int64("version", version).
		Int64("file_size", fileSize).
		Str("name", name).
		Msg("bundle added")
}

// BundleImported logs a bundle received from a peer.
func (l *Logger) BundleImported(bundleID string, version, fileSize int64, peer string) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Int64("version", version).
		Int64("file_size", fileSize).
		Str("peer", peer).
		Msg("bundle imported")
}

// FetchSuggested logs the decision taken for an advertised manifest.
func (l *Logger) FetchSuggested(bundleID string, version, fileSize int64, peer, outcome string) {
	l.logger.Debug().
		Str("bundle_id", bundleID).
		Int64("version", version).
		Int64("file_size", fileSize).
		Str("peer", peer).
		Str("outcome", outcome).
		Msg("manifest considered for import")
}

// FetchStarted logs the start of a payload fetch.
func (l *Logger) FetchStarted(bundleID string, fileSize int64, peer string, slot int) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Int64("file_size", fileSize).
		Str("peer", peer).
		Int("slot", slot).
		Msg("fetch started")
}

// FetchCompleted logs a finished payload fetch.
func (l *Logger) FetchCompleted(bundleID string, fileSize int64, duration time.Duration) {
	var rate float64
	if duration > 0 {
		rate = float64(fileSize) / duration.Seconds()
	}
	l.logger.Info().
		Str("bundle_id", bundleID).
		Int64("file_size", fileSize).
		Float64("duration_seconds", duration.Seconds()).
		Float64("bytes_per_second", rate).
		Msg("fetch completed")
}

// FetchFailed logs an abandoned fetch.
func (l *Logger) FetchFailed(bundleID, peer string, err error) {
	l.logger.Warn().
		Str("bundle_id", bundleID).
		Str("peer", peer).
		Err(err).
		Msg("fetch failed")
}

// AdvertReceived logs manifests advertised by a peer.
func (l *Logger) AdvertReceived(peer string, manifests int) {
	l.logger.Debug().
		Str("peer", peer).
		Int("manifests", manifests).
		Msg("advert received")
}

// ConnectionEstablished logs a QUIC connection; sid is the peer's
// certificate identity, empty when it sent none.
func (l *Logger) ConnectionEstablished(remoteAddr, direction, sid string) {
	l.logger.Debug().
		Str("remote_addr", remoteAddr).
		Str("direction", direction).
		Str("peer_sid", sid).
		Msg("QUIC connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("QUIC connection failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
