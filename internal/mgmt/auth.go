package mgmt

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Supported auth modes. "none" is meant for loopback-only setups;
// "api-key" checks a single shared bearer key; "jwt" validates HS256
// tokens minted by the UI shell.
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "api-key"
	AuthModeJWT    = "jwt"
)

// Role defines the access level granted to an authenticated caller.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReadOnly Role = "readonly"
)

var roleLevel = map[Role]int{
	RoleReadOnly: 1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// AuthConfig holds authentication settings for the management API.
type AuthConfig struct {
	Mode      string
	APIKey    string
	JWTSecret string
}

// NewAuthMiddleware returns a Fiber middleware that validates the
// Authorization header according to the configured mode. Probe
// endpoints are always reachable without credentials.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isProbePath(c.Path()) {
			return c.Next()
		}

		if cfg.Mode == "" || cfg.Mode == AuthModeNone {
			c.Locals("role", RoleAdmin)
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")

		switch cfg.Mode {
		case AuthModeAPIKey:
			if cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) == 1 {
				c.Locals("role", RoleAdmin)
				return c.Next()
			}
			logger.Warn().
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unauthorized request: invalid API key")
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_api_key", "Unauthorized",
				"Invalid API key")

		case AuthModeJWT:
			role, err := validateJWT(token, cfg.JWTSecret)
			if err != nil {
				logger.Warn().
					Str("path", c.Path()).
					Str("method", c.Method()).
					Err(err).
					Msg("unauthorized request: JWT rejected")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_token", "Unauthorized",
					"Token validation failed")
			}
			c.Locals("role", role)
			return c.Next()

		default:
			return problemResponse(c, fiber.StatusInternalServerError,
				"auth_misconfigured", "Internal Server Error",
				"Unknown auth mode")
		}
	}
}

// validateJWT checks signature and expiry, then maps the role claim to
// an access level. Tokens without a role claim act as operator.
func validateJWT(token, secret string) (Role, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}

	role := RoleOperator
	if r, ok := claims["role"].(string); ok {
		if _, known := roleLevel[Role(r)]; known {
			role = Role(r)
		}
	}
	return role, nil
}

// requireRole returns a middleware that enforces a minimum role level.
func requireRole(minRole Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("role").(Role)
		if roleLevel[role] < roleLevel[minRole] {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_role", "Forbidden",
				"Insufficient permissions for this operation")
		}
		return c.Next()
	}
}

func isProbePath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
