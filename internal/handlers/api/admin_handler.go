package api

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/hqnguyen/devguard/internal/audit"
	"github.com/hqnguyen/devguard/internal/certs"
	"github.com/hqnguyen/devguard/internal/devices"
	"github.com/hqnguyen/devguard/internal/middlewares/principal"
	"github.com/hqnguyen/devguard/model"
)

const defaultListLimit = 100

// AdminHandler is the review console: approving, suspending and revoking
// devices, plus the audit and risk trails behind each decision.
type AdminHandler struct {
	deviceService DeviceService
	deviceRepo    devices.DeviceRepository
	riskRepo      devices.RiskEventRepository
	auditRepo     audit.AuditEventRepository
	accessRepo    audit.AccessLogRepository
}

func NewAdminHandler(
	deviceService DeviceService,
	deviceRepo devices.DeviceRepository,
	riskRepo devices.RiskEventRepository,
	auditRepo audit.AuditEventRepository,
	accessRepo audit.AccessLogRepository,
) *AdminHandler {
	return &AdminHandler{
		deviceService: deviceService,
		deviceRepo:    deviceRepo,
		riskRepo:      riskRepo,
		auditRepo:     auditRepo,
		accessRepo:    accessRepo,
	}
}

func deviceIDParam(ctx *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(ctx.Params("id"), 10, 64)
	return uint(id), err
}

func (h *AdminHandler) deviceError(ctx *fiber.Ctx, err error) error {
	var issueErr *certs.IssueError
	switch {
	case errors.Is(err, devices.ErrDeviceNotFound):
		return ctx.Status(fiber.StatusNotFound).JSON(
			NewErrorResponse(fiber.StatusNotFound, "Device not found"),
		)
	case errors.Is(err, devices.ErrDeviceRevoked):
		return ctx.Status(fiber.StatusConflict).JSON(
			NewErrorResponse(fiber.StatusConflict, "Device is revoked"),
		)
	case errors.Is(err, devices.ErrInvalidTransition):
		return ctx.Status(fiber.StatusConflict).JSON(
			NewErrorResponse(fiber.StatusConflict, "Transition not allowed from current state"),
		)
	case errors.As(err, &issueErr):
		return ctx.Status(fiber.StatusBadGateway).JSON(
			NewReasonResponse(fiber.StatusBadGateway, "Certificate issuance failed", issueErr.Reason),
		)
	default:
		slog.Error("Device admin operation failed", "error", err)
		return ctx.Status(fiber.StatusInternalServerError).JSON(
			NewErrorResponse(fiber.StatusInternalServerError, "Internal server error"),
		)
	}
}

func (h *AdminHandler) GetDevices(ctx *fiber.Ctx) error {
	var (
		list []*model.Device
		err  error
	)
	if username := ctx.Query("username"); username != "" {
		list, err = h.deviceRepo.ListByUser(ctx.Context(), username)
	} else {
		status := model.DeviceStatus(ctx.Query("status", string(model.StatusPending)))
		list, err = h.deviceRepo.ListByStatus(ctx.Context(), status)
	}
	if err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(newDeviceListResponse(list)))
}

func (h *AdminHandler) GetDevice(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	device, err := h.deviceRepo.GetByID(ctx.Context(), id)
	if err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(newDeviceResponse(device)))
}

type activateRequest struct {
	Tier   string `json:"tier"`
	Notes  string `json:"notes"`
	CSRPEM string `json:"csrPem"`
}

func (h *AdminHandler) PostActivate(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	var req activateRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(fiber.StatusBadRequest, "Malformed request body"),
		)
	}
	tier := model.SecurityTier(req.Tier)
	if tier != "" && tier.Rank() == 0 {
		return ctx.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(fiber.StatusBadRequest, "Unknown security tier"),
		)
	}
	device, err := h.deviceService.Activate(ctx.Context(), id, devices.ActivateParams{
		Reviewer: principal.FromContext(ctx).Username,
		Tier:     tier,
		Notes:    req.Notes,
		CSRPEM:   req.CSRPEM,
	})
	if err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(newDeviceResponse(device)))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) PostRevoke(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	var req reasonRequest
	if err := ctx.BodyParser(&req); err != nil || req.Reason == "" {
		return ctx.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(fiber.StatusBadRequest, "A revocation reason is required"),
		)
	}
	actor := principal.FromContext(ctx).Username
	if err := h.deviceService.Revoke(ctx.Context(), id, actor, req.Reason); err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"status": model.StatusRevoked}))
}

func (h *AdminHandler) PostSuspend(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	var req reasonRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(fiber.StatusBadRequest, "Malformed request body"),
		)
	}
	actor := principal.FromContext(ctx).Username
	if err := h.deviceService.Suspend(ctx.Context(), id, actor, req.Reason); err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"status": model.StatusSuspended}))
}

func (h *AdminHandler) PostRevalidate(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	actor := principal.FromContext(ctx).Username
	device, err := h.deviceService.Revalidate(ctx.Context(), id, actor)
	if err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(newDeviceResponse(device)))
}

func (h *AdminHandler) PostRequireRevalidation(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	var req reasonRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(fiber.StatusBadRequest, "Malformed request body"),
		)
	}
	actor := principal.FromContext(ctx).Username
	if err := h.deviceService.RequireRevalidation(ctx.Context(), id, actor, req.Reason); err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"revalidationRequired": true}))
}

func (h *AdminHandler) PostRotateToken(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	actor := principal.FromContext(ctx).Username
	device, err := h.deviceService.RotateToken(ctx.Context(), id, actor)
	if err != nil {
		return h.deviceError(ctx, err)
	}
	// the full token is returned exactly once so it can be delivered to
	// the device out of band
	return ctx.JSON(NewDataResponse(fiber.Map{
		"device": newDeviceResponse(device),
		"token":  device.Token,
	}))
}

func (h *AdminHandler) PostClearLockout(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	actor := principal.FromContext(ctx).Username
	if err := h.deviceService.ClearLockout(ctx.Context(), id, actor); err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"cleared": true}))
}

func listLimit(ctx *fiber.Ctx) int {
	limit := ctx.QueryInt("limit", defaultListLimit)
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	return limit
}

func (h *AdminHandler) GetDeviceAudit(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	events, err := h.auditRepo.FindByDevice(ctx.Context(), id, listLimit(ctx))
	if err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(events))
}

func (h *AdminHandler) GetDeviceAccessLog(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	entries, err := h.accessRepo.FindByDevice(ctx.Context(), id, listLimit(ctx))
	if err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(entries))
}

func (h *AdminHandler) GetDeviceRisks(ctx *fiber.Ctx) error {
	id, err := deviceIDParam(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	events, err := h.riskRepo.FindByDevice(ctx.Context(), id, listLimit(ctx))
	if err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(events))
}

func (h *AdminHandler) PostAcknowledgeRisk(ctx *fiber.Ctx) error {
	id, err := strconv.ParseUint(ctx.Params("id"), 10, 64)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	if err := h.riskRepo.Acknowledge(ctx.Context(), id); err != nil {
		return h.deviceError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"acknowledged": true}))
}
