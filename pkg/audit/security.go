// Package audit provides security audit logging for SIEM consumption.
// Events are logged as structured JSON under the "security_audit" logger so
// they can be filtered out of the application log.
package audit

import (
	"context"
	"encoding/json"
	"time"

	libinjection "github.com/corazawaf/libinjection-go"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/logging"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when a rejected SQL source input
	// matches a libinjection pattern.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventSQLSourceRejected is logged when a table name or query is refused.
	EventSQLSourceRejected SecurityEventType = "sql_source_rejected"
	// EventSQLSourceRead is logged for every successful read of a SQL source.
	EventSQLSourceRead SecurityEventType = "sql_source_read"
)

// SecurityEvent is one auditable event.
type SecurityEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  SecurityEventType `json:"event_type"`
	UserID     string            `json:"user_id,omitempty"`
	Connection string            `json:"connection"`
	Details    any               `json:"details"`
	Severity   string            `json:"severity"` // info, warning, critical
}

// RejectionDetails describes a refused table name or query.
type RejectionDetails struct {
	Field       string `json:"field"` // "table" or "query"
	Value       string `json:"value"`
	Reason      string `json:"reason"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewSecurityAuditor creates an auditor on the "security_audit" namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit"), now: time.Now}
}

// LogRejectedSource records a SQL source input the engine refused to run.
// Inputs that look like injection are logged at ERROR with critical
// severity; the rest are user mistakes and go out at WARN.
func (a *SecurityAuditor) LogRejectedSource(ctx context.Context, connection, field, value, reason string) {
	details := RejectionDetails{
		Field:  field,
		Value:  logging.SanitizeQuery(value),
		Reason: reason,
	}
	event := SecurityEvent{
		Timestamp:  a.now().UTC(),
		EventType:  EventSQLSourceRejected,
		UserID:     auth.GetUserIDFromContext(ctx),
		Connection: connection,
		Severity:   "warning",
	}
	if isSQLi, fingerprint := libinjection.IsSQLi(value); isSQLi {
		details.Fingerprint = fingerprint
		event.EventType = EventSQLInjectionAttempt
		event.Severity = "critical"
	}
	event.Details = details

	eventJSON, _ := json.Marshal(event)
	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("connection", connection),
		zap.String("field", field),
		zap.String("user_id", event.UserID),
		zap.String("severity", event.Severity),
	}
	if event.Severity == "critical" {
		a.logger.Error("SQL injection attempt detected", append(fields, zap.String("fingerprint", details.Fingerprint))...)
		return
	}
	a.logger.Warn("SQL source input rejected", append(fields, zap.String("reason", reason))...)
}

// LogSourceRead records a successful read of a SQL source.
func (a *SecurityAuditor) LogSourceRead(ctx context.Context, connection, table, query string, rows int) {
	event := SecurityEvent{
		Timestamp:  a.now().UTC(),
		EventType:  EventSQLSourceRead,
		UserID:     auth.GetUserIDFromContext(ctx),
		Connection: connection,
		Details: map[string]any{
			"table": table,
			"query": logging.SanitizeQuery(query),
			"rows":  rows,
		},
		Severity: "info",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Info("SQL source read",
		zap.String("event_json", string(eventJSON)),
		zap.String("connection", connection),
		zap.String("user_id", event.UserID),
		zap.Int("rows", rows),
		zap.String("severity", "info"),
	)
}
