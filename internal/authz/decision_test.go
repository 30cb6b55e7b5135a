package authz

import (
	"testing"
	"time"

	"github.com/hqnguyen/devguard/model"
	"github.com/hqnguyen/devguard/params"
)

func activeDevice() *model.Device {
	expires := time.Now().Add(30 * 24 * time.Hour)
	return &model.Device{
		ID:           1,
		Username:     "alice",
		Status:       model.StatusActive,
		SecurityTier: model.TierHighSecurity,
		ExpiresAt:    &expires,
	}
}

func decide(t *testing.T, device *model.Device, ip string, tier model.SecurityTier, user string, roles []string) (bool, string) {
	t.Helper()
	return Decide(device, ip, tier, user, roles, params.DefaultRiskThreshold, time.Now())
}

func TestDecideUnregistered(t *testing.T) {
	allowed, reason := decide(t, nil, "10.0.0.1", model.TierStandard, "alice", nil)
	if allowed || reason != ReasonTokenNotRegistered {
		t.Fatalf("got allowed=%v reason=%q", allowed, reason)
	}
}

func TestDecideAllowed(t *testing.T) {
	allowed, reason := decide(t, activeDevice(), "10.0.0.1", model.TierHighSecurity, "alice", nil)
	if !allowed || reason != ReasonAuthorized {
		t.Fatalf("got allowed=%v reason=%q", allowed, reason)
	}
}

// TestDecideStatusReasons walks every non-ACTIVE status through the
// engine and checks the enumerated reason code.
func TestDecideStatusReasons(t *testing.T) {
	cases := []struct {
		status model.DeviceStatus
		want   string
	}{
		{model.StatusPendingMFA, ReasonPendingMFA},
		{model.StatusPending, ReasonPendingApproval},
		{model.StatusExpired, ReasonAuthorizationExpired},
		{model.StatusRevoked, ReasonRevoked},
		{model.StatusSuspended, ReasonSuspended},
		{model.DeviceStatus("BOGUS"), ReasonNotActive},
	}
	for _, tc := range cases {
		device := activeDevice()
		device.Status = tc.status
		allowed, reason := decide(t, device, "10.0.0.1", model.TierStandard, "alice", nil)
		if allowed || reason != tc.want {
			t.Errorf("status %s: got allowed=%v reason=%q, want %q", tc.status, allowed, reason, tc.want)
		}
	}
}

// TestDecideActiveButExpired verifies that a device the sweeper has not
// yet reached is still denied once past its expiry timestamp.
func TestDecideActiveButExpired(t *testing.T) {
	device := activeDevice()
	past := time.Now().Add(-time.Hour)
	device.ExpiresAt = &past
	allowed, reason := decide(t, device, "10.0.0.1", model.TierStandard, "alice", nil)
	if allowed || reason != ReasonAuthorizationExpired {
		t.Fatalf("got allowed=%v reason=%q", allowed, reason)
	}
}

func TestDecideLockedOut(t *testing.T) {
	device := activeDevice()
	until := time.Now().Add(10 * time.Minute)
	device.LockedUntil = &until
	allowed, reason := decide(t, device, "10.0.0.1", model.TierStandard, "alice", nil)
	if allowed || reason != ReasonLockedOut {
		t.Fatalf("got allowed=%v reason=%q", allowed, reason)
	}

	// an elapsed lockout window no longer blocks
	past := time.Now().Add(-time.Minute)
	device.LockedUntil = &past
	allowed, _ = decide(t, device, "10.0.0.1", model.TierStandard, "alice", nil)
	if !allowed {
		t.Fatal("expired lockout should not deny")
	}
}

func TestDecideInsufficientTier(t *testing.T) {
	device := activeDevice()
	device.SecurityTier = model.TierStandard
	allowed, reason := decide(t, device, "10.0.0.1", model.TierHighSecurity, "alice", nil)
	if allowed {
		t.Fatal("expected denial")
	}
	want := "insufficient_tier_STANDARD_for_HIGH_SECURITY"
	if reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}

	// MILITARY ranks alongside HIGH_SECURITY and satisfies it
	device.SecurityTier = model.TierMilitary
	allowed, _ = decide(t, device, "10.0.0.1", model.TierHighSecurity, "alice", nil)
	if !allowed {
		t.Fatal("MILITARY device should satisfy a HIGH_SECURITY path")
	}
}

func TestDecideIPBinding(t *testing.T) {
	device := activeDevice()
	device.BoundIP = "192.168.1.10"
	allowed, reason := decide(t, device, "10.0.0.1", model.TierStandard, "alice", nil)
	if allowed || reason != ReasonIPBindingMismatch {
		t.Fatalf("got allowed=%v reason=%q", allowed, reason)
	}
	allowed, _ = decide(t, device, "192.168.1.10", model.TierStandard, "alice", nil)
	if !allowed {
		t.Fatal("matching bound IP should pass")
	}
}

// TestDecideActiveHoursOvernight verifies the wraparound window: a
// 22:00-06:00 device works at 23:30 and is blocked at noon.
func TestDecideActiveHoursOvernight(t *testing.T) {
	device := activeDevice()
	device.ActiveHoursStart = "22:00"
	device.ActiveHoursEnd = "06:00"

	lateNight := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	allowed, _ := Decide(device, "10.0.0.1", model.TierStandard, "alice", nil, params.DefaultRiskThreshold, lateNight)
	if !allowed {
		t.Fatal("23:30 should fall inside a 22:00-06:00 window")
	}

	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	allowed, reason := Decide(device, "10.0.0.1", model.TierStandard, "alice", nil, params.DefaultRiskThreshold, noon)
	if allowed || reason != ReasonOutsideActiveHours {
		t.Fatalf("got allowed=%v reason=%q", allowed, reason)
	}
}

func TestDecideActiveHoursDegenerate(t *testing.T) {
	device := activeDevice()

	// identical bounds mean unrestricted
	device.ActiveHoursStart = "09:00"
	device.ActiveHoursEnd = "09:00"
	if allowed, _ := decide(t, device, "10.0.0.1", model.TierStandard, "alice", nil); !allowed {
		t.Fatal("equal start and end should not restrict")
	}

	// unparseable windows never deny
	device.ActiveHoursStart = "9am"
	device.ActiveHoursEnd = "5pm"
	if allowed, _ := decide(t, device, "10.0.0.1", model.TierStandard, "alice", nil); !allowed {
		t.Fatal("malformed window should not restrict")
	}
}

func TestDecideRevalidationRequired(t *testing.T) {
	device := activeDevice()
	device.RevalidationRequired = true
	allowed, reason := decide(t, device, "10.0.0.1", model.TierStandard, "alice", nil)
	if allowed || reason != ReasonRevalidationRequired {
		t.Fatalf("got allowed=%v reason=%q", allowed, reason)
	}
}

func TestDecideRiskThreshold(t *testing.T) {
	device := activeDevice()
	device.RiskScore = params.DefaultRiskThreshold
	allowed, reason := decide(t, device, "10.0.0.1", model.TierStandard, "alice", nil)
	if allowed {
		t.Fatal("score at threshold must deny")
	}
	if reason != "risk_score_too_high_75" {
		t.Fatalf("reason = %q", reason)
	}

	device.RiskScore = params.DefaultRiskThreshold - 1
	if allowed, _ = decide(t, device, "10.0.0.1", model.TierStandard, "alice", nil); !allowed {
		t.Fatal("score below threshold must pass")
	}
}

func TestDecideUserBinding(t *testing.T) {
	device := activeDevice()
	device.AuthorizedRoles = []string{"ops", "sre"}

	allowed, reason := decide(t, device, "10.0.0.1", model.TierStandard, "bob", []string{"dev"})
	if allowed || reason != ReasonUserNotAuthorized {
		t.Fatalf("got allowed=%v reason=%q", allowed, reason)
	}
	if allowed, _ = decide(t, device, "10.0.0.1", model.TierStandard, "bob", []string{"dev", "sre"}); !allowed {
		t.Fatal("role intersection should pass")
	}

	device.AllowedUsers = []string{"bob"}
	if allowed, _ = decide(t, device, "10.0.0.1", model.TierStandard, "bob", nil); !allowed {
		t.Fatal("allowlisted user should pass without a matching role")
	}

	// no role restriction at all means any user
	device.AuthorizedRoles = nil
	if allowed, _ = decide(t, device, "10.0.0.1", model.TierStandard, "nobody", nil); !allowed {
		t.Fatal("unrestricted device should accept any principal")
	}
}

// TestCountsTowardLockout pins down which denials feed the failure
// counter: identity failures yes, workflow and policy denials no.
func TestCountsTowardLockout(t *testing.T) {
	counting := []string{ReasonIPBindingMismatch, ReasonUserNotAuthorized}
	for _, reason := range counting {
		if !CountsTowardLockout(reason) {
			t.Errorf("%q should count toward lockout", reason)
		}
	}
	exempt := []string{
		ReasonAuthorized,
		ReasonTokenNotRegistered,
		ReasonPendingMFA,
		ReasonPendingApproval,
		ReasonAuthorizationExpired,
		ReasonRevoked,
		ReasonSuspended,
		ReasonOutsideActiveHours,
		ReasonRevalidationRequired,
		"risk_score_too_high_80",
		"insufficient_tier_STANDARD_for_HIGH_SECURITY",
	}
	for _, reason := range exempt {
		if CountsTowardLockout(reason) {
			t.Errorf("%q must not count toward lockout", reason)
		}
	}
}
