package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserRoleKey contextKey = "user_role"
)

// ErrMissingToken is returned when neither the Authorization header nor the
// access_token query parameter carries a token.
var ErrMissingToken = errors.New("missing access token")

// Claims are the claims issued by the practice backend's auth service. The
// subject is the profile id of the signed-in user.
type Claims struct {
	jwt.RegisteredClaims
	StructureID string `json:"structure_id"`
	Role        string `json:"role"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// Secret is the shared HMAC secret. When set it takes precedence over JWKS.
	Secret []byte
}

// Verifier validates bearer tokens.
type Verifier struct {
	keyFunc jwt.Keyfunc
	opts    []jwt.ParserOption
}

const defaultJWKSCacheTTL = 5 * time.Minute

// NewVerifier builds a Verifier from cfg. It fails when cfg has neither a
// secret nor a JWKS URL.
func NewVerifier(cfg JWTConfig) (*Verifier, error) {
	v := &Verifier{}
	switch {
	case len(cfg.Secret) > 0:
		secret := cfg.Secret
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return secret, nil }
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"HS256"}))
	case cfg.JWKSURL != "":
		v.keyFunc = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL).KeyFunc()
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"RS256"}))
	default:
		return nil, fmt.Errorf("auth: either a secret or a JWKS URL is required")
	}
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	v.opts = append(v.opts, jwt.WithExpirationRequired())
	return v, nil
}

// Verify parses and validates tokenStr.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, v.opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// TokenFromRequest returns the bearer token from the Authorization header or,
// for WebSocket upgrades where browsers cannot set headers, from the
// access_token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", fmt.Errorf("invalid authorization format")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, nil
	}
	return "", ErrMissingToken
}

// JWTMiddleware authenticates the request and stores the subject and role on
// the request context and the structure claim on the echo context.
func JWTMiddleware(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := TokenFromRequest(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			claims, err := v.Verify(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("jwt_structure_id", claims.StructureID)
			c.Set("user_id", claims.Subject)

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, UserRoleKey, claims.Role)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(UserRoleKey).(string)
	return role
}
