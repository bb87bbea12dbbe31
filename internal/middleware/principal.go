package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleConsumer = "consumer"
	RoleOperator = "operator"
)

// PrincipalClaims are the claims an upstream identity provider issues. The
// wallet trusts sub as the account id.
type PrincipalClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// SignPrincipal issues an HS256 token for subject. Used by tooling and tests.
func SignPrincipal(subject, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := PrincipalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign principal: %w", err)
	}
	return signed, nil
}

func parsePrincipal(token, secret string) (*PrincipalClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &PrincipalClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*PrincipalClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid principal claims")
	}
	return claims, nil
}

// Principal validates the bearer token and stores the caller's id and role
// in the user_id and role locals.
func Principal(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := parsePrincipal(strings.TrimSpace(authz[len("Bearer "):]), secret)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		role := claims.Role
		if role == "" {
			role = RoleConsumer
		}
		c.Locals("user_id", claims.Subject)
		c.Locals("role", role)
		return c.Next()
	}
}

// RequireRole rejects callers whose role is not one of roles.
func RequireRole(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("role").(string)
		for _, r := range roles {
			if role == r {
				return c.Next()
			}
		}
		return fiber.NewError(http.StatusForbidden, "forbidden")
	}
}
