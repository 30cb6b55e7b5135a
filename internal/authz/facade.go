package authz

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hqnguyen/devguard/internal/audit"
	"github.com/hqnguyen/devguard/internal/devices"
	"github.com/hqnguyen/devguard/internal/metrics"
	"github.com/hqnguyen/devguard/internal/risk"
	"github.com/hqnguyen/devguard/model"
	"github.com/hqnguyen/devguard/params"
)

// Request is the per-request context the HTTP adapter hands to the
// facade. The user and roles come from the external identity layer.
type Request struct {
	Path      string
	Method    string
	IP        string
	UserAgent string
	Token     string
	Username  string
	Roles     []string
}

// Decision is the facade's verdict. When NewToken is set the adapter
// must attach it as the device-identity cookie on the response.
type Decision struct {
	Allowed   bool
	Reason    string
	Tier      model.SecurityTier
	RiskScore int
	NewToken  string
}

type FacadeConfig struct {
	RiskThreshold int
}

// Facade is the single entry point evaluated once per request:
// classify → resolve → risk → decide → lifecycle side-effects → record.
type Facade struct {
	classifier *Classifier
	repo       devices.DeviceRepository
	lifecycle  *devices.LifecycleService
	evaluator  *risk.Evaluator
	config     FacadeConfig
}

func NewFacade(
	classifier *Classifier,
	repo devices.DeviceRepository,
	lifecycle *devices.LifecycleService,
	evaluator *risk.Evaluator,
	config FacadeConfig,
) *Facade {
	if config.RiskThreshold == 0 {
		config.RiskThreshold = params.DefaultRiskThreshold
	}
	return &Facade{
		classifier: classifier,
		repo:       repo,
		lifecycle:  lifecycle,
		evaluator:  evaluator,
		config:     config,
	}
}

func (f *Facade) Authorize(ctx context.Context, req Request) Decision {
	tier := f.classifier.Classify(req.Path)
	if tier == model.TierExempt {
		return Decision{Allowed: true, Reason: ReasonAuthorized, Tier: tier}
	}

	token, minted, err := ResolveToken(req.Token)
	if err != nil {
		// CSPRNG failure; proceed as an unregistered device with no cookie
		slog.Error("Failed to mint device token", "error", err)
		minted = false
	}

	var device *model.Device
	if !minted {
		device, err = f.repo.GetByToken(ctx, token)
		if err != nil && !errors.Is(err, devices.ErrDeviceNotFound) {
			slog.Error("Device lookup failed", "error", err)
			device = nil
		}
	}

	if device != nil && f.evaluator != nil {
		f.evaluator.Evaluate(ctx, device, req.IP, req.Path, req.UserAgent)
	}

	now := time.Now()
	allowed, reason := Decide(device, req.IP, tier, req.Username, req.Roles, f.config.RiskThreshold, now)

	f.applySideEffects(ctx, device, req, allowed, reason, tier)

	decision := Decision{
		Allowed: allowed,
		Reason:  reason,
		Tier:    tier,
	}
	if device != nil {
		decision.RiskScore = device.RiskScore
	}
	if minted {
		decision.NewToken = token
	}

	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	metrics.DecisionsTotal.WithLabelValues(outcome, reason).Inc()

	f.recordAccess(ctx, device, req, decision)
	return decision
}

// applySideEffects performs the lifecycle bookkeeping attached to a
// decision. Only genuine identity failures feed the lockout counter.
func (f *Facade) applySideEffects(ctx context.Context, device *model.Device, req Request, allowed bool, reason string, tier model.SecurityTier) {
	if device == nil {
		return
	}
	if allowed {
		if err := f.lifecycle.RecordUse(ctx, device.ID, req.IP); err != nil {
			slog.Error("Failed to record device use", "device", device.ID, "error", err)
		}
		if tier.Rank() >= model.TierHighSecurity.Rank() {
			audit.RecordEvent(ctx, audit.EventRecord{
				DeviceID:  device.ID,
				EventType: audit.EventTypeAuthSuccess,
				Actor:     req.Username,
				IP:        req.IP,
				Metadata:  map[string]string{"path": req.Path},
			})
		}
		return
	}
	if CountsTowardLockout(reason) {
		if err := f.lifecycle.RecordFailedAttempt(ctx, device.ID, req.IP); err != nil {
			slog.Error("Failed to record auth failure", "device", device.ID, "error", err)
		}
	}
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  device.ID,
		EventType: audit.EventTypeAuthDenied,
		Actor:     req.Username,
		Notes:     reason,
		IP:        req.IP,
		Metadata:  map[string]string{"path": req.Path},
	})
}

func (f *Facade) recordAccess(ctx context.Context, device *model.Device, req Request, decision Decision) {
	// Status reflects the authorization verdict, 200 allowed and 403
	// denied; handler statuses downstream of an allow are not visible
	// here.
	entry := &model.AccessLogEntry{
		Username:    req.Username,
		Path:        req.Path,
		Method:      req.Method,
		IP:          req.IP,
		TokenPrefix: TokenPrefix(req.Token),
		UserAgent:   req.UserAgent,
		Tier:        decision.Tier,
		Allowed:     decision.Allowed,
		Status:      http.StatusOK,
		RiskScore:   decision.RiskScore,
	}
	if !decision.Allowed {
		entry.DenyReason = decision.Reason
		entry.Status = http.StatusForbidden
	}
	if device != nil {
		id := device.ID
		entry.DeviceID = &id
	}
	audit.RecordAccess(ctx, entry)
}
