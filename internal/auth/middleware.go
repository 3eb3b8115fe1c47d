package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/lensa-payments/internal/common"
)

// RoleLookup resolves the profile role of a user.
type RoleLookup interface {
	ProfileRole(ctx context.Context, userID string) (string, error)
}

var (
	errAuthNotConfigured  = common.Fail(http.StatusInternalServerError, "AUTH_NOT_CONFIGURED", "authentication not configured")
	errRolesNotConfigured = common.Fail(http.StatusInternalServerError, "AUTH_NOT_CONFIGURED", "role validator not configured")
	errMissingToken       = common.Fail(http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization token")
	errBadToken           = common.Fail(http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
	errAdminRequired      = common.Fail(http.StatusForbidden, "FORBIDDEN", "admin access required")
	errRoleLookup         = common.Fail(http.StatusInternalServerError, "ROLE_LOOKUP_FAILED", "failed to verify role")
)

// Middleware guards operator endpoints with bearer tokens and profile roles.
// Failures are rendered as {"success": false, "error": "..."}.
type Middleware struct {
	Tokens *TokenParser
	Roles  RoleLookup
	Logger zerolog.Logger
}

// RequireAuth enforces that a valid bearer token is present.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Tokens == nil {
			common.WriteFailure(w, errAuthNotConfigured)
			return
		}
		token := extractBearer(r)
		if token == "" {
			common.WriteFailure(w, errMissingToken)
			return
		}
		userID, err := m.Tokens.ParseAccessToken(token)
		if err != nil {
			m.Logger.Debug().Err(err).Msg("rejected access token")
			common.WriteFailure(w, errBadToken.Wrap(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithOperator(r.Context(), common.Operator{UserID: userID})))
	})
}

// RequireRole admits only callers whose profile carries role. It must run after RequireAuth.
func (m Middleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.Roles == nil {
				common.WriteFailure(w, errRolesNotConfigured)
				return
			}
			op, ok := common.OperatorFrom(r.Context())
			if !ok {
				common.WriteFailure(w, errMissingToken)
				return
			}
			got, err := m.Roles.ProfileRole(r.Context(), op.UserID)
			if errors.Is(err, ErrProfileNotFound) {
				common.WriteFailure(w, errAdminRequired)
				return
			}
			if err != nil {
				m.Logger.Error().Err(err).Str("user_id", op.UserID).Msg("profile role lookup failed")
				common.WriteFailure(w, errRoleLookup.Wrap(err))
				return
			}
			if !strings.EqualFold(strings.TrimSpace(got), role) {
				common.WriteFailure(w, errAdminRequired)
				return
			}
			op.Role = role
			next.ServeHTTP(w, r.WithContext(common.WithOperator(r.Context(), op)))
		})
	}
}

func extractBearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
