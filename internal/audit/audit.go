package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hqnguyen/devguard/model"
)

var auditRepo AuditEventRepository
var accessRepo AccessLogRepository
var initOnce sync.Once

func Initialize(events AuditEventRepository, access AccessLogRepository) {
	initOnce.Do(func() {
		auditRepo = events
		accessRepo = access
	})
}

const (
	EventTypeEnrolled             = "ENROLLED"
	EventTypeMFAPassed            = "MFA_PASSED"
	EventTypeMFAFailed            = "MFA_FAILED"
	EventTypeActivated            = "ACTIVATED"
	EventTypeRevoked              = "REVOKED"
	EventTypeSuspended            = "SUSPENDED"
	EventTypeExpired              = "EXPIRED"
	EventTypeRevalidated          = "REVALIDATED"
	EventTypeRevalidationRequired = "REVALIDATION_REQUIRED"
	EventTypeLockedOut            = "LOCKED_OUT"
	EventTypeLockCleared          = "LOCK_CLEARED"
	EventTypeTokenRotated         = "TOKEN_ROTATED"
	EventTypeRiskUpdated          = "RISK_UPDATED"
	EventTypeIPAnomaly            = "IP_ANOMALY"
	EventTypeAuthSuccess          = "AUTH_SUCCESS"
	EventTypeAuthDenied           = "AUTH_DENIED"
)

// EventRecord captures one device lifecycle transition. Actor is empty
// for automated events such as expiry.
type EventRecord struct {
	DeviceID  uint
	EventType string
	Actor     string
	Notes     string
	IP        string
	Metadata  map[string]string
}

// RecordEvent appends one immutable audit row. Failures are best-effort:
// they are logged and never surfaced to the authorization path.
func RecordEvent(ctx context.Context, record EventRecord) {
	if auditRepo == nil {
		return
	}
	err := auditRepo.RecordEvent(ctx, &model.AuditEvent{
		DeviceID:  record.DeviceID,
		EventType: record.EventType,
		Actor:     record.Actor,
		Notes:     record.Notes,
		IP:        record.IP,
		Metadata:  record.Metadata,
	})
	if err != nil {
		slog.Error("Failed to record audit event", "device", record.DeviceID, "type", record.EventType, "error", err)
	}
}

// RecordAccess appends one forensic access-log row for an evaluated
// request on a non-exempt path.
func RecordAccess(ctx context.Context, entry *model.AccessLogEntry) {
	if accessRepo == nil {
		return
	}
	if err := accessRepo.RecordAccess(ctx, entry); err != nil {
		slog.Error("Failed to record access log entry", "path", entry.Path, "error", err)
	}
}
