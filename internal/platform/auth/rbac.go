package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin     = "admin"
	RolePhysician = "physician"
	RoleNurse     = "nurse"
	RoleCounselor = "counselor"
)

// ClinicalRoles may read a subject's HIV status.
var ClinicalRoles = []string{RoleAdmin, RolePhysician, RoleNurse, RoleCounselor}

// RequireRole passes users holding any of roles. Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, has := range userRoles {
				if has == RoleAdmin {
					return next(c)
				}
				for _, required := range roles {
					if has == required {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireScope checks for a SMART style scope such as "user/Observation.read".
func RequireScope(resource, operation string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			required := fmt.Sprintf("%s.%s", resource, operation)
			for _, scope := range ScopesFromContext(c.Request().Context()) {
				if matchScope(scope, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", required))
		}
	}
}

// matchScope reports whether granted covers required. "user/*.*" matches
// everything and "patient/*.read" matches any read.
func matchScope(granted, required string) bool {
	if granted == required {
		return true
	}
	gRes, gOp, ok := strings.Cut(granted, ".")
	if !ok {
		return false
	}
	rRes, rOp, ok := strings.Cut(required, ".")
	if !ok {
		return false
	}
	if i := strings.Index(gRes, "/"); i >= 0 {
		gRes = gRes[i+1:]
	}
	resMatch := gRes == rRes || gRes == "*"
	opMatch := gOp == rOp || gOp == "*"
	return resMatch && opMatch
}
