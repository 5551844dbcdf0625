// Package httpserver provides the Echo HTTP server setup shared by the
// upload and changeset-lifecycle endpoints: standard middleware, health
// checks, and the error envelope that maps pipeline errors onto HTTP
// responses.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/obslog"
)

// Config contains configuration for creating an Echo server.
type Config struct {
	Port            int
	Debug           bool
	BodyLimit       string // e.g., "50M", matches payload_max_size
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64 // front-door requests/sec; 0 disables
}

// DefaultConfig returns a server config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		Debug:           false,
		BodyLimit:       "50M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
		RateLimit:       0,
	}
}

// New creates a new Echo server with standard middleware.
func New(config Config) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug
	e.HTTPErrorHandler = apierr.ErrorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())

	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}

	if len(config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: config.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	e.Use(middleware.RequestID())

	// Coarse per-IP throttle on the HTTP front door, layered above the
	// per-user bandwidth token bucket that gates the upload pipeline itself.
	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(config.RateLimit),
		)))
	}

	return e
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
	Version string `json:"version,omitempty"`
}

// HealthCheckHandler returns a standard health check handler.
func HealthCheckHandler(serviceName, version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: serviceName,
			Version: version,
		})
	}
}

// Start starts an Echo server with the configured timeouts.
func Start(e *echo.Echo, config Config) error {
	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	obslog.Logger.Infof("starting server on port %d", config.Port)
	return e.StartServer(s)
}

// Shutdown performs a graceful shutdown of the Echo server.
func Shutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	obslog.Logger.Info("shutting down server gracefully")
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	obslog.Logger.Info("server stopped")
	return nil
}
