package relay

import (
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
)

// requestID is the ID set by the request ID middleware
func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// traceID is empty unless sentry tracing is enabled for the request
func traceID(c echo.Context) string {
	if span := sentryecho.GetSpanFromContext(c); span != nil {
		return span.TraceID.String()
	}
	return ""
}
