package credentials

import (
	"context"
	"log/slog"
	"time"
)

// CredentialLogger provides structured logging for credential events
type CredentialLogger struct {
	logger *slog.Logger
}

// NewCredentialLogger creates a new credential logger
func NewCredentialLogger(logger *slog.Logger) *CredentialLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &CredentialLogger{
		logger: logger.With("component", "credentials"),
	}
}

// LogHandleCreated logs the creation of a credential handle
func (l *CredentialLogger) LogHandleCreated(ctx context.Context, handleID string, clientCert, hasVerifier bool) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "credential handle created",
		slog.String("event", "handle_created"),
		slog.String("handle_id", handleID),
		slog.Bool("client_cert", clientCert),
		slog.Bool("verify_callback", hasVerifier),
	)
}

// LogHandleReleased logs the release of a credential handle
func (l *CredentialLogger) LogHandleReleased(ctx context.Context, handleID string) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "credential handle released",
		slog.String("event", "handle_released"),
		slog.String("handle_id", handleID),
	)
}

// LogComposition logs a successful composition of channel and call credentials
func (l *CredentialLogger) LogComposition(ctx context.Context, baseID, resultID string, steps int) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "composed channel and call credentials",
		slog.String("event", "composition"),
		slog.String("base_handle_id", baseID),
		slog.String("result_handle_id", resultID),
		slog.Int("steps", steps),
	)
}

// LogVerifyDecision logs the outcome of one peer verification dispatch
func (l *CredentialLogger) LogVerifyDecision(ctx context.Context, serverName string, verdict int, reason string, duration time.Duration) {
	level := slog.LevelDebug
	if verdict != VerdictAccept {
		level = slog.LevelWarn
	}

	l.logger.LogAttrs(ctx, level, "peer verification decision",
		slog.String("event", "verify_decision"),
		slog.String("server_name", serverName),
		slog.Int("verdict", verdict),
		slog.String("reason", reason),
		slog.Duration("duration", duration),
	)
}

// LogVerifyFault logs a fault inside the verification path. Faults are
// downgraded to reject decisions and never propagate; the log entry is the
// only place the underlying error surfaces.
func (l *CredentialLogger) LogVerifyFault(ctx context.Context, serverName string, err error) {
	l.logger.LogAttrs(ctx, slog.LevelError, "peer verification callback fault",
		slog.String("event", "verify_fault"),
		slog.String("server_name", serverName),
		slog.Any("error", err),
	)
}

// LogRootsOverrideSet logs an update of the process-wide default roots
func (l *CredentialLogger) LogRootsOverrideSet(ctx context.Context, sizeBytes int, source string) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "default root certificates updated",
		slog.String("event", "roots_override_set"),
		slog.Int("size_bytes", sizeBytes),
		slog.String("source", source),
	)
}
