package deviceguard

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hqnguyen/devguard/internal/authz"
	"github.com/hqnguyen/devguard/internal/middlewares/principal"
	"github.com/hqnguyen/devguard/params"
)

type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) authz.Decision
}

type Config struct {
	Authorizer   Authorizer
	CookieName   string
	CookieSecure bool
	EnrollPath   string
}

// New evaluates the device authorization facade once per request.
// Exempt paths pass straight through; denied requests get a JSON 403 on
// API routes and a redirect to the enrollment page elsewhere.
func New(config Config) fiber.Handler {
	cookieName := config.CookieName
	if cookieName == "" {
		cookieName = params.DeviceTokenCookieName
	}
	return func(ctx *fiber.Ctx) error {
		user := principal.FromContext(ctx)
		decision := config.Authorizer.Authorize(ctx.UserContext(), authz.Request{
			Path:      ctx.Path(),
			Method:    ctx.Method(),
			IP:        clientIP(ctx),
			UserAgent: ctx.Get(fiber.HeaderUserAgent),
			Token:     ctx.Cookies(cookieName),
			Username:  user.Username,
			Roles:     user.Roles,
		})
		if decision.NewToken != "" {
			setDeviceCookie(ctx, cookieName, decision.NewToken, config.CookieSecure)
		}
		if decision.Allowed {
			return ctx.Next()
		}
		if wantsJSON(ctx) {
			return ctx.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":  "device not authorized",
				"reason": decision.Reason,
				"tier":   decision.Tier,
			})
		}
		return ctx.Redirect(config.EnrollPath, fiber.StatusSeeOther)
	}
}

// clientIP prefers the first hop of the forwarded chain, which fiber
// only populates when the proxy is trusted.
func clientIP(ctx *fiber.Ctx) string {
	if ips := ctx.IPs(); len(ips) > 0 {
		return ips[0]
	}
	return ctx.IP()
}

func wantsJSON(ctx *fiber.Ctx) bool {
	if strings.HasPrefix(ctx.Path(), "/api/") {
		return true
	}
	return strings.Contains(ctx.Get(fiber.HeaderAccept), fiber.MIMEApplicationJSON)
}

func setDeviceCookie(ctx *fiber.Ctx, name, token string, secure bool) {
	ctx.Cookie(&fiber.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(params.DeviceTokenMaxAge / time.Second),
		Secure:   secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

// SetDeviceCookie exposes the cookie write for handlers that bind a
// freshly enrolled or rotated token to the caller.
func SetDeviceCookie(ctx *fiber.Ctx, name, token string, secure bool) {
	setDeviceCookie(ctx, name, token, secure)
}
