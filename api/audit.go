package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of signing-relevant action being logged.
type AuditEvent string

const (
	AuditFileCreated       AuditEvent = "file_created"
	AuditEnvelopeCreated   AuditEvent = "envelope_created"
	AuditFileDeleted       AuditEvent = "file_deleted"
	AuditSignersAdded      AuditEvent = "signers_added"
	AuditSignersRejected   AuditEvent = "signers_rejected"
	AuditSignRequested     AuditEvent = "sign_requested"
	AuditSignCanceled      AuditEvent = "sign_canceled"
	AuditCertRevoked       AuditEvent = "cert_revoked"
	AuditCRLDownloaded     AuditEvent = "crl_downloaded"
	AuditUserDeleted       AuditEvent = "user_deleted"
	AuditCredentialsStored AuditEvent = "credentials_stored"
	AuditRateLimited       AuditEvent = "rate_limited"
)

// auditLogger wraps slog.Logger for structured audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Passwords and document bytes
// never appear in the attributes.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logEvent is a convenience for events performed on behalf of a user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.logger.LogAttrs(r.Context(), slog.LevelWarn, "audit",
		append([]slog.Attr{slog.String("event", string(event)), slog.String("remote_addr", r.RemoteAddr)}, attrs...)...)
}
