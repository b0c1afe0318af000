package relay

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/config"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/transport"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const adminKeyHeader string = "X-Admin-Key"

// adminKeyAuth middleware rejects requests that do not carry the admin key
func adminKeyAuth(key config.RedactedString) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + adminKeyHeader,
		Validator: func(auth string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(auth), []byte(key)) == 1, nil
		},
	})
}

// setHost middleware sets the host of a request to the upstream host, upstreams behind
// virtual hosting reject requests that carry the relay's host
func setHost(host string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Request().Host = host
			return next(c)
		}
	}
}

// refreshFailures middleware answers with the status of the rejected request when the
// token refresh that should have fixed it failed, instead of the proxy's 502
func refreshFailures(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err == nil {
			return nil
		}
		var refreshErr *transport.RefreshError
		if !errors.As(err, &refreshErr) {
			return err
		}
		slog.Warn(
			"RELAY",
			"message",
			"the upstream rejected the request and the tokens could not be refreshed",
			"requestID",
			requestID(c),
			"traceID",
			traceID(c),
			"status",
			refreshErr.StatusCode,
			"error",
			refreshErr.Err,
		)
		status := refreshErr.StatusCode
		if status == 0 {
			status = http.StatusUnauthorized
		}
		return echo.NewHTTPError(status, "the credentials for the upstream expired and could not be refreshed").SetInternal(err)
	}
}
