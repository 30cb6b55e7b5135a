package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hqnguyen/devguard/internal/audit"
	"github.com/hqnguyen/devguard/internal/common"
	"github.com/hqnguyen/devguard/internal/devices"
	"github.com/hqnguyen/devguard/internal/metrics"
	"github.com/hqnguyen/devguard/internal/store"
	"github.com/hqnguyen/devguard/model"
	"github.com/hqnguyen/devguard/params"
)

type EvaluatorConfig struct {
	VelocityLimit int // requests per velocity window before HIGH_VELOCITY fires
}

// Evaluator inspects each resolved device request for behavioral
// anomalies and accumulates the device risk score. Counting is
// best-effort: a counter-store failure degrades to "no additional
// signal" and never blocks the authorization decision.
type Evaluator struct {
	knownIPs   store.Store[struct{}]
	velocity   store.Store[struct{}]
	concurrent store.Store[struct{}]
	lifecycle  *devices.LifecycleService
	repo       devices.DeviceRepository
	events     devices.RiskEventRepository
	config     EvaluatorConfig
}

func NewEvaluator(
	storage store.Storage,
	lifecycle *devices.LifecycleService,
	repo devices.DeviceRepository,
	events devices.RiskEventRepository,
	config EvaluatorConfig,
) *Evaluator {
	if config.VelocityLimit == 0 {
		config.VelocityLimit = params.DefaultVelocityLimit
	}
	return &Evaluator{
		knownIPs:   store.New[struct{}](storage, params.KnownIPKeyPrefix),
		velocity:   store.New[struct{}](storage, params.VelocityKeyPrefix),
		concurrent: store.New[struct{}](storage, params.ConcurrentKeyPrefix),
		lifecycle:  lifecycle,
		repo:       repo,
		events:     events,
		config:     config,
	}
}

// Evaluate runs the four anomaly checks for one request from a resolved
// device and returns human-readable alert strings for any that fired.
func (e *Evaluator) Evaluate(ctx context.Context, device *model.Device, ip string, path string, userAgent string) []string {
	var alerts []string
	if alert := e.checkNewIP(ctx, device, ip); alert != "" {
		alerts = append(alerts, alert)
	}
	if alert := e.checkUAChange(ctx, device, userAgent, ip); alert != "" {
		alerts = append(alerts, alert)
	}
	if alert := e.checkVelocity(ctx, device, ip, path); alert != "" {
		alerts = append(alerts, alert)
	}
	if alert := e.checkConcurrentIPs(ctx, device, ip); alert != "" {
		alerts = append(alerts, alert)
	}
	return alerts
}

func (e *Evaluator) deviceKey(device *model.Device) string {
	return fmt.Sprint(device.ID)
}

func (e *Evaluator) checkNewIP(ctx context.Context, device *model.Device, ip string) string {
	key := e.deviceKey(device)
	var seen int64
	err := e.knownIPs.GetAttr(ctx, key, ip, &seen)
	known := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Debug("Known-IP store unavailable", "device", device.ID, "error", err)
		return ""
	}
	if setErr := e.knownIPs.SetAttrEx(ctx, key, ip, time.Now().Unix(), params.KnownIPWindow); setErr != nil {
		slog.Debug("Known-IP store unavailable", "device", device.ID, "error", setErr)
	}
	if known || ip == device.IPFirstSeen {
		return ""
	}
	detail := fmt.Sprintf("request from previously unseen IP %s", ip)
	e.raise(ctx, device, model.RiskNewIP, params.RiskDeltaNewIP, detail, ip)
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  device.ID,
		EventType: audit.EventTypeIPAnomaly,
		Notes:     detail,
		IP:        ip,
	})
	return detail
}

func (e *Evaluator) checkUAChange(ctx context.Context, device *model.Device, userAgent string, ip string) string {
	if device.UAHash == "" || userAgent == "" {
		return ""
	}
	currentHash := common.HashUserAgent(userAgent)
	if currentHash == device.UAHash {
		return ""
	}
	// store the new fingerprint so one drift fires one signal
	if err := e.repo.Updates(ctx, device.ID, map[string]interface{}{"ua_hash": currentHash}); err != nil {
		slog.Debug("Failed to update UA fingerprint", "device", device.ID, "error", err)
	}
	detail := "user-agent fingerprint changed"
	e.raise(ctx, device, model.RiskUAChange, params.RiskDeltaUAChange, detail, ip)
	return detail
}

func (e *Evaluator) checkVelocity(ctx context.Context, device *model.Device, ip string, path string) string {
	key := e.deviceKey(device)
	count, err := e.velocity.IncrAttr(ctx, key, "count", 1)
	if err != nil {
		slog.Debug("Velocity counter unavailable", "device", device.ID, "error", err)
		return ""
	}
	if count == 1 {
		e.velocity.ExpireAttr(ctx, key, time.Now().Add(params.VelocityWindow), "count")
	}
	// fire once per breach, at the crossing, not on every request past it
	if count != int64(e.config.VelocityLimit)+1 {
		return ""
	}
	detail := fmt.Sprintf("request velocity exceeded %d/min at %s", e.config.VelocityLimit, path)
	e.raise(ctx, device, model.RiskHighVelocity, params.RiskDeltaVelocity, detail, ip)
	return detail
}

func (e *Evaluator) checkConcurrentIPs(ctx context.Context, device *model.Device, ip string) string {
	key := e.deviceKey(device)
	var seen int64
	err := e.concurrent.GetAttr(ctx, key, ip, &seen)
	known := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Debug("Concurrent-IP store unavailable", "device", device.ID, "error", err)
		return ""
	}
	if setErr := e.concurrent.SetAttrEx(ctx, key, ip, time.Now().Unix(), params.ConcurrentIPWindow); setErr != nil {
		slog.Debug("Concurrent-IP store unavailable", "device", device.ID, "error", setErr)
		return ""
	}
	if known {
		return ""
	}
	count, err := e.concurrent.AttrCount(ctx, key)
	if err != nil || count <= 1 {
		return ""
	}
	detail := fmt.Sprintf("%d distinct IPs within %s", count, params.ConcurrentIPWindow)
	e.raise(ctx, device, model.RiskConcurrentIP, params.RiskDeltaMultiIP, detail, ip)
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  device.ID,
		EventType: audit.EventTypeIPAnomaly,
		Notes:     detail,
		IP:        ip,
	})
	return detail
}

// raise records the RiskEvent row and bumps the clamped device score.
func (e *Evaluator) raise(ctx context.Context, device *model.Device, riskType model.RiskType, severity int, detail string, ip string) {
	metrics.RiskEventsTotal.WithLabelValues(string(riskType)).Inc()
	err := e.events.Record(ctx, &model.RiskEvent{
		DeviceID: device.ID,
		RiskType: riskType,
		Severity: severity,
		Detail:   detail,
		IP:       ip,
	})
	if err != nil {
		slog.Error("Failed to record risk event", "device", device.ID, "type", riskType, "error", err)
	}
	score, err := e.lifecycle.BumpRisk(ctx, device.ID, severity, string(riskType))
	if err != nil {
		slog.Error("Failed to update risk score", "device", device.ID, "error", err)
		return
	}
	device.RiskScore = score
}
