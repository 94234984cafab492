package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hivstatus/internal/platform/fhir"
)

// RequestTimeout bounds each request with a context deadline. Handlers and
// repository lookups observe the deadline through the request context; a
// handler that fails because the deadline passed answers 504 with an
// OperationOutcome.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && ctx.Err() == context.DeadlineExceeded && !c.Response().Committed {
				if errors.Is(err, context.DeadlineExceeded) || isUnavailable(err) {
					return c.JSON(http.StatusGatewayTimeout,
						fhir.NewOperationOutcome("error", "timeout", "request processing exceeded the allowed time limit"))
				}
			}
			return err
		}
	}
}

func isUnavailable(err error) bool {
	var he *echo.HTTPError
	return errors.As(err, &he) && he.Code == http.StatusServiceUnavailable
}
