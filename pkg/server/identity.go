package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// HeaderOwnerID carries the owner id set by a trusted gateway.
const HeaderOwnerID = "X-Owner-ID"

var (
	errMissingIdentity = errors.New("missing identity")
	errInvalidToken    = errors.New("invalid or expired token")
)

type ownerKey struct{}

// WithOwner returns a context carrying owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner stored by the identity middleware.
func OwnerFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// IdentityMiddleware resolves the request owner. With a secret it requires
// an HS256 bearer token and uses its subject; without one it trusts the
// X-Owner-ID header from the gateway.
func IdentityMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner, err := resolveOwner(c.Request(), secret)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": err.Error(),
				})
			}

			req := c.Request()
			c.SetRequest(req.WithContext(WithOwner(req.Context(), owner)))
			return next(c)
		}
	}
}

func resolveOwner(r *http.Request, secret []byte) (string, error) {
	if len(secret) == 0 {
		owner := strings.TrimSpace(r.Header.Get(HeaderOwnerID))
		if owner == "" {
			return "", errMissingIdentity
		}
		return owner, nil
	}

	tokenString, ok := strings.CutPrefix(r.Header.Get(echo.HeaderAuthorization), "Bearer ")
	if !ok || tokenString == "" {
		return "", errMissingIdentity
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}
