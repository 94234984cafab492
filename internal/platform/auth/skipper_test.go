package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestIsPublicPath(t *testing.T) {
	for _, p := range []string{"/health", "/health/db", "/metrics", "/fhir/metadata"} {
		if !IsPublicPath(p) {
			t.Errorf("expected %s to be public", p)
		}
	}
	for _, p := range []string{"/api/v1/hiv-status/resolve", "/fhir/Observation/$hiv-status", "/"} {
		if IsPublicPath(p) {
			t.Errorf("expected %s to be protected", p)
		}
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	tests := []struct {
		path    string
		skipper func(echo.Context) bool
		pass    bool
	}{
		{"/health", AuthSkipper, true},
		{"/metrics", AuthSkipper, true},
		{"/fhir/metadata", AuthSkipper, true},
		{"/api/v1/referrals/evaluate", AuthSkipper, false},
		{"/health", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			c := e.NewContext(req, httptest.NewRecorder())
			c.SetPath(tt.path)

			called := false
			err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: tt.skipper})(func(c echo.Context) error {
				called = true
				return nil
			})(c)
			if called != tt.pass {
				t.Errorf("expected pass=%v, got %v (%v)", tt.pass, called, err)
			}
		})
	}
}

func TestDevAuthMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/metrics")

	DevAuthMiddleware(AuthSkipper)(func(c echo.Context) error {
		if UserIDFromContext(c.Request().Context()) != "" {
			t.Error("expected no identity on a public path")
		}
		return nil
	})(c)
}
