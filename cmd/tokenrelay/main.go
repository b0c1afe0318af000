package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/config"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/metrics"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/refresh"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/relay"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/tokenclient"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/tokenrefresher"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/tokenstore"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/transport"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	// Logging setup
	slog.SetDefault(jsonLogger)
	// Load configuration
	ch := config.NewConfigHandler()
	relayConfig, err := ch.Config()
	if err != nil {
		slog.Error("loading the configuration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("loaded config", "config", relayConfig)
	setLogLevel(relayConfig.DebugMode)
	// Only the log level is picked up without a restart
	ch.HandleChanges(func(c config.Config, err error) {
		if err != nil {
			slog.Error("reloading the configuration failed", "error", err)
			return
		}
		setLogLevel(c.DebugMode)
	})
	ch.Watch()
	// Sentry
	if relayConfig.Monitoring.Sentry.Enabled {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              string(relayConfig.Monitoring.Sentry.Dsn),
			TracesSampleRate: relayConfig.Monitoring.Sentry.SampleRate,
			Environment:      relayConfig.Monitoring.Sentry.Environment,
		})
		if err != nil {
			slog.Error("sentry initialization failed", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	// Metrics
	var recorder *metrics.Recorder
	if relayConfig.Monitoring.Prometheus.Enabled {
		recorder, err = metrics.NewRecorder(prometheus.DefaultRegisterer)
		if err != nil {
			slog.Error("metrics initialization failed", "error", err)
			os.Exit(1)
		}
	}
	// Token storage and refresh
	storage, err := tokenstore.NewTokensStorage(relayConfig.Storage, relayConfig.Redis)
	if err != nil {
		slog.Error("token storage initialization failed", "error", err)
		os.Exit(1)
	}
	refreshFunc, err := tokenclient.NewRefreshFunc(relayConfig.Refresh)
	if err != nil {
		slog.Error("token client initialization failed", "error", err)
		os.Exit(1)
	}
	coordinatorOptions := []refresh.CoordinatorOption{
		refresh.WithTokensStorage(storage),
		refresh.WithRefreshFunc(refreshFunc),
		refresh.WithFailureHandler(onFailedToRefresh(relayConfig.Monitoring.Sentry.Enabled)),
	}
	transportOptions := []transport.Option{}
	if len(relayConfig.Upstream.RefreshStatusCodes) > 0 {
		transportOptions = append(transportOptions, transport.WithShouldRefresh(transport.StatusCodes(relayConfig.Upstream.RefreshStatusCodes...)))
	}
	if relayConfig.Upstream.BearerHeader != "" {
		transportOptions = append(transportOptions, transport.WithApplyAccessToken(transport.BearerToken(relayConfig.Upstream.BearerHeader)))
	}
	if recorder != nil {
		coordinatorOptions = append(coordinatorOptions, refresh.WithMetrics(recorder))
		transportOptions = append(transportOptions, transport.WithMetrics(recorder))
	}
	coordinator, err := refresh.NewCoordinator(coordinatorOptions...)
	if err != nil {
		slog.Error("refresh coordinator initialization failed", "error", err)
		os.Exit(1)
	}
	transportOptions = append(transportOptions, transport.WithCoordinator(coordinator))
	tokenTransport, err := transport.NewTransport(transportOptions...)
	if err != nil {
		slog.Error("transport initialization failed", "error", err)
		os.Exit(1)
	}
	// Keep alive
	if relayConfig.Refresh.KeepAliveMinutes > 0 {
		refresher, err := tokenrefresher.NewTokenRefresher(
			tokenrefresher.WithIntervalMinutes(relayConfig.Refresh.KeepAliveMinutes),
			tokenrefresher.WithCoordinator(coordinator),
		)
		if err != nil {
			slog.Error("token refresher initialization failed", "error", err)
			os.Exit(1)
		}
		scheduler, err := refresher.GetScheduler()
		if err != nil {
			slog.Error("token refresher scheduling failed", "error", err)
			os.Exit(1)
		}
		scheduler.StartAsync()
		defer scheduler.Stop()
	}
	// Setup
	e := echo.New()
	e.Pre(middleware.RequestID(), middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	// The banner and the port do not respect the logger formatting we set below so we remove them
	// the port will be logged further down when the server starts.
	e.HideBanner = true
	e.HidePort = true
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	// Version endpoint
	buildInfo, ok := debug.ReadBuildInfo()
	version := ""
	if ok && buildInfo != nil {
		version = buildInfo.Main.Version
	}
	e.GET("/version", func(c echo.Context) error {
		return c.String(http.StatusOK, version)
	})
	// Rate limiting
	if relayConfig.Server.RateLimits.Enabled {
		e.Use(middleware.RateLimiter(
			middleware.NewRateLimiterMemoryStoreWithConfig(
				middleware.RateLimiterMemoryStoreConfig{
					Rate:      rate.Limit(relayConfig.Server.RateLimits.Rate),
					Burst:     relayConfig.Server.RateLimits.Burst,
					ExpiresIn: 3 * time.Minute,
				}),
		),
		)
	}
	// CORS
	if len(relayConfig.Server.AllowOrigin) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: relayConfig.Server.AllowOrigin}))
	}
	if relayConfig.Monitoring.Sentry.Enabled {
		e.Use(sentryecho.New(sentryecho.Options{}))
	}
	if relayConfig.Monitoring.Prometheus.Enabled {
		e.Use(echoprometheus.NewMiddleware("tokenrelay"))
	}
	// Relay
	tokenRelay, err := relay.NewRelay(
		relay.WithUpstreamConfig(relayConfig.Upstream),
		relay.WithAdminKey(relayConfig.Server.AdminKey),
		relay.WithCoordinator(coordinator),
		relay.WithTransport(tokenTransport),
	)
	if err != nil {
		slog.Error("relay initialization failed", "error", err)
		os.Exit(1)
	}
	tokenRelay.RegisterHandlers(e, commonMiddlewares...)
	// Start servers
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	servers, ctx := errgroup.WithContext(ctx)
	address := fmt.Sprintf("%s:%d", relayConfig.Server.Host, relayConfig.Server.Port)
	slog.Info("starting the server on address " + address)
	servers.Go(func() error {
		return serve(ctx, e, address)
	})
	if relayConfig.Monitoring.Prometheus.Enabled {
		metricsServer := echo.New()
		metricsServer.HideBanner = true
		metricsServer.HidePort = true
		metricsServer.GET("/metrics", echoprometheus.NewHandler())
		servers.Go(func() error {
			return serve(ctx, metricsServer, fmt.Sprintf(":%d", relayConfig.Monitoring.Prometheus.Port))
		})
	}
	err = servers.Wait()
	if err != nil {
		slog.Error("shutting down the server gracefully failed", "error", err)
		os.Exit(1)
	}
	slog.Info("the server was shut down")
}

// serve runs the server until ctx is done and then shuts it down with a timeout of 10 seconds
func serve(ctx context.Context, e *echo.Echo, address string) error {
	errs := make(chan error, 1)
	go func() {
		err := e.Start(address)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()
	select {
	case err, ok := <-errs:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("received signal to shut down the server", "address", address)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// onFailedToRefresh is called once per failed refresh cycle, after every waiting request got the error
func onFailedToRefresh(reportToSentry bool) func(error) {
	return func(err error) {
		slog.Error("REFRESH", "message", "the tokens could not be refreshed and were cleared", "error", err)
		if reportToSentry {
			sentry.CaptureException(err)
		}
	}
}

func setLogLevel(debugMode bool) {
	if debugMode {
		logLevel.Set(slog.LevelDebug)
		return
	}
	logLevel.Set(slog.LevelInfo)
}
