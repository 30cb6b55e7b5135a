package authz

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hqnguyen/devguard/model"
)

const (
	ReasonAuthorized           = "authorized"
	ReasonTokenNotRegistered   = "device_token_not_registered"
	ReasonLockedOut            = "device_locked_out"
	ReasonPendingMFA           = "device_pending_mfa"
	ReasonPendingApproval      = "device_pending_approval"
	ReasonAuthorizationExpired = "device_authorization_expired"
	ReasonRevoked              = "device_revoked"
	ReasonSuspended            = "device_suspended"
	ReasonNotActive            = "device_not_active"
	ReasonIPBindingMismatch    = "ip_binding_mismatch"
	ReasonOutsideActiveHours   = "outside_active_hours"
	ReasonRevalidationRequired = "revalidation_required"
	ReasonUserNotAuthorized    = "user_not_authorized_for_device"
)

// Decide is the pure authorization decision: device state, required tier
// and risk combined into allow/deny plus one enumerated reason. Checks
// run in fixed order and the first failure short-circuits.
func Decide(device *model.Device, ip string, requiredTier model.SecurityTier, user string, roles []string, riskThreshold int, now time.Time) (bool, string) {
	if device == nil {
		return false, ReasonTokenNotRegistered
	}
	if device.IsLocked(now) {
		return false, ReasonLockedOut
	}
	if reason := statusReason(device, now); reason != "" {
		return false, reason
	}
	if device.SecurityTier.Rank() < requiredTier.Rank() {
		return false, fmt.Sprintf("insufficient_tier_%s_for_%s", device.SecurityTier, requiredTier)
	}
	if device.BoundIP != "" && device.BoundIP != ip {
		return false, ReasonIPBindingMismatch
	}
	if !withinActiveHours(device.ActiveHoursStart, device.ActiveHoursEnd, now) {
		return false, ReasonOutsideActiveHours
	}
	if device.RevalidationRequired {
		return false, ReasonRevalidationRequired
	}
	if device.RiskScore >= riskThreshold {
		return false, fmt.Sprintf("risk_score_too_high_%d", device.RiskScore)
	}
	if !userAuthorized(device, user, roles) {
		return false, ReasonUserNotAuthorized
	}
	return true, ReasonAuthorized
}

func statusReason(device *model.Device, now time.Time) string {
	switch device.Status {
	case model.StatusActive:
		if device.IsExpired(now) {
			return ReasonAuthorizationExpired
		}
		return ""
	case model.StatusPendingMFA:
		return ReasonPendingMFA
	case model.StatusPending:
		return ReasonPendingApproval
	case model.StatusExpired:
		return ReasonAuthorizationExpired
	case model.StatusRevoked:
		return ReasonRevoked
	case model.StatusSuspended:
		return ReasonSuspended
	default:
		return ReasonNotActive
	}
}

// withinActiveHours checks the optional per-device usage window. A start
// later than the end denotes an overnight window wrapping midnight.
func withinActiveHours(start, end string, now time.Time) bool {
	startMin, okStart := parseClock(start)
	endMin, okEnd := parseClock(end)
	if !okStart || !okEnd {
		return true // unrestricted or unparseable window
	}
	nowMin := now.Hour()*60 + now.Minute()
	if startMin == endMin {
		return true
	}
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	return nowMin >= startMin || nowMin < endMin
}

func parseClock(value string) (int, bool) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

// userAuthorized applies the optional role binding: the user's role set
// must intersect the device's allowed roles, or the username itself must
// be explicitly allowlisted.
func userAuthorized(device *model.Device, user string, roles []string) bool {
	if len(device.AuthorizedRoles) == 0 {
		return true
	}
	for _, allowed := range device.AllowedUsers {
		if allowed == user {
			return true
		}
	}
	for _, role := range roles {
		for _, allowed := range device.AuthorizedRoles {
			if role == allowed {
				return true
			}
		}
	}
	return false
}

// CountsTowardLockout reports whether a denial reason is a genuine
// identity/credential failure. Workflow and policy denials never feed
// the lockout counter.
func CountsTowardLockout(reason string) bool {
	return reason == ReasonIPBindingMismatch || reason == ReasonUserNotAuthorized
}
