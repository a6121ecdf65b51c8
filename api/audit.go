package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/medseal/internal/uuid"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditConfigServed      AuditEvent = "config_served"
	AuditConfigIncomplete  AuditEvent = "config_incomplete"
	AuditEnvelopePinned    AuditEvent = "envelope_pinned"
	AuditEnvelopeRejected  AuditEvent = "envelope_rejected"
	AuditFilePinned        AuditEvent = "file_pinned"
	AuditFileRejected      AuditEvent = "file_rejected"
	AuditPinFailed         AuditEvent = "pin_failed"
	AuditUploadRateLimited AuditEvent = "upload_rate_limited"
	AuditOriginRejected    AuditEvent = "origin_rejected"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Key material and envelope
// contents are never passed here.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("event_id", uuid.New()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logPin records a successful pin.
func (al *auditLogger) logPin(event AuditEvent, r *http.Request, cid string, size int64, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("cid", cid),
		slog.Int64("size", size),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure records a rejected or failed request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
