package db

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const StructureIDKey contextKey = "structure_id"

// ErrNoStructure is returned when a request carries no structure identifier.
var ErrNoStructure = errors.New("no structure identifier")

// MembershipChecker reports whether a user belongs to a structure.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, structureID uuid.UUID) (bool, error)
}

// StructureMiddleware resolves the structure (tenant) a request is scoped to
// and rejects requests from users who are not members of it. userID extracts
// the authenticated user from the request context.
func StructureMiddleware(members MembershipChecker, userID func(ctx context.Context) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			structureID, err := ExtractStructureID(c)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "missing or invalid structure identifier")
			}

			ctx := c.Request().Context()
			uid, err := uuid.Parse(userID(ctx))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
			}

			if members != nil {
				ok, err := members.IsMember(ctx, uid, structureID)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "structure resolution failed")
				}
				if !ok {
					return echo.NewHTTPError(http.StatusForbidden, "not a member of this structure")
				}
			}

			ctx = WithStructureID(ctx, structureID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("structure_id", structureID.String())
			return next(c)
		}
	}
}

// ExtractStructureID looks at the JWT claim, then the X-Structure-ID header,
// then the structure_id query parameter.
func ExtractStructureID(c echo.Context) (uuid.UUID, error) {
	raw := ""
	if sid, ok := c.Get("jwt_structure_id").(string); ok && sid != "" {
		raw = sid
	} else if sid := c.Request().Header.Get("X-Structure-ID"); sid != "" {
		raw = sid
	} else if sid := c.QueryParam("structure_id"); sid != "" {
		raw = sid
	}
	if raw == "" {
		return uuid.Nil, ErrNoStructure
	}
	return uuid.Parse(raw)
}

// WithStructureID stores the structure id on a context.
func WithStructureID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, StructureIDKey, id)
}

// StructureFromContext retrieves the structure id from context.
func StructureFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(StructureIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
