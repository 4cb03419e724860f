package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCardIssued       AuditEvent = "card_issued"
	AuditIssuanceFailed   AuditEvent = "issuance_failed"
	AuditCardActivated    AuditEvent = "card_activated"
	AuditCardBlocked      AuditEvent = "card_blocked"
	AuditCardUnblocked    AuditEvent = "card_unblocked"
	AuditCardReplaced     AuditEvent = "card_replaced"
	AuditPinChanged       AuditEvent = "pin_changed"
	AuditPinVerifySuccess AuditEvent = "pin_verify_success"
	AuditPinVerifyFailure AuditEvent = "pin_verify_failure"
	AuditPinRateLimited   AuditEvent = "pin_rate_limited"
	AuditPinReset         AuditEvent = "pin_attempts_reset"
	AuditLimitsUpdated    AuditEvent = "limits_updated"
	AuditKeysRotated      AuditEvent = "keys_rotated"
	AuditLogChainVerified AuditEvent = "log_chain_verified"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Card numbers must already be
// masked by the caller; full PANs never reach the logger.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.send(event, r.RemoteAddr, baseAttrs)
	}
}

// logCard is a convenience for events tied to a masked card number and
// the operator who performed the action.
func (al *auditLogger) logCard(event AuditEvent, r *http.Request, maskedPAN, operatorID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("card_number", maskedPAN),
		slog.String("operator_id", operatorID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected or failed operation.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
