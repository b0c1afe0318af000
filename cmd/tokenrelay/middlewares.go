package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var logLevel *slog.LevelVar = new(slog.LevelVar)
var jsonLogger *slog.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

// newRequestLogger logs one line per request, proxied requests are logged with the
// status the client got, after a retry when the token had to be refreshed
func newRequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:       true,
		LogURIPath:      true,
		LogError:        true,
		LogRequestID:    true,
		LogRoutePath:    true,
		LogMethod:       true,
		LogLatency:      true,
		LogResponseSize: true,
		HandleError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("requestID", v.RequestID),
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.String("route", v.RoutePath),
				slog.Int("status", v.Status),
				slog.Int64("responseSize", v.ResponseSize),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				logger.LogAttrs(context.Background(), slog.LevelError, "REQUEST_ERROR", attrs...)
				return nil
			}
			logger.LogAttrs(context.Background(), slog.LevelInfo, "REQUEST", attrs...)
			return nil
		},
	})
}

var commonMiddlewares []echo.MiddlewareFunc = []echo.MiddlewareFunc{newRequestLogger(jsonLogger)}
