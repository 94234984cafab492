package referral

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hivstatus/internal/domain/hivstatus"
	"github.com/ehr/hivstatus/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.ClinicalRoles...))
	g.POST("/referrals/evaluate", h.Evaluate)
}

func (h *Handler) Evaluate(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.Evaluate(c.Request().Context(), req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, out)
	case errors.Is(err, ErrInvalidReferralCode), errors.Is(err, hivstatus.ErrInvalidSourceKind):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	case errors.Is(err, hivstatus.ErrSubjectRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, errInvalidGender):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
}
