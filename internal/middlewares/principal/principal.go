package principal

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const localsKey = "principal"

// Principal is the authenticated user as asserted by the external
// identity layer. Devices are authorized on top of it, never instead of
// it.
type Principal struct {
	Username string
	Roles    []string
}

type Config struct {
	JWTSecret  string
	HeaderName string // defaults to Authorization
}

type sessionClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// New parses the upstream session JWT into a Principal. A missing or
// invalid token leaves the request anonymous; rejecting it is the
// decision engine's job, not this middleware's.
func New(config Config) fiber.Handler {
	headerName := config.HeaderName
	if headerName == "" {
		headerName = fiber.HeaderAuthorization
	}
	return func(ctx *fiber.Ctx) error {
		raw := strings.TrimPrefix(ctx.Get(headerName), "Bearer ")
		if raw == "" {
			return ctx.Next()
		}
		var claims sessionClaims
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(config.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			return ctx.Next()
		}
		ctx.Locals(localsKey, &Principal{
			Username: claims.Subject,
			Roles:    claims.Roles,
		})
		return ctx.Next()
	}
}

// FromContext returns the request principal, or an anonymous one.
func FromContext(ctx *fiber.Ctx) *Principal {
	if p, ok := ctx.Locals(localsKey).(*Principal); ok {
		return p
	}
	return &Principal{}
}

// HasRole reports membership in a single role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireRole guards a route group behind a role claim. An empty role
// leaves the group open.
func RequireRole(role string) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if role != "" && !FromContext(ctx).HasRole(role) {
			return ctx.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "insufficient role",
			})
		}
		return ctx.Next()
	}
}
