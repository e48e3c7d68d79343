// Package httpapi exposes the ledger over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/ledger"
)

// maxBodySize bounds append requests.
const maxBodySize = 4 << 20

// Server is the ledger HTTP server.
type Server struct {
	ledger *ledger.Ledger
	logger es.Logger
	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger es.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server over l.
func NewServer(l *ledger.Ledger, opts ...Option) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	// stream ids may contain slashes; clients escape them as %2F
	router.UseRawPath = true

	s := &Server{
		ledger: l,
		logger: es.NoOpLogger{},
		router: router,
	}
	for _, opt := range opts {
		opt(s)
	}
	router.Use(s.logRequests)

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/v1")
	{
		api.POST("/streams/:stream/events", s.handleAppend)
		api.GET("/streams/:stream/events", s.handleReadStream)
		api.GET("/streams/:stream/version", s.handleStreamVersion)
		api.GET("/events", s.handleReadAll)
		api.GET("/subscriptions/:subscription", s.handleGetCursor)
		api.PUT("/subscriptions/:subscription", s.handleSetCursor)
	}

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug(c.Request.Context(), "http request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

// writeError maps the ledger error taxonomy onto status codes.
func writeError(c *gin.Context, err error) {
	var conflict *es.ConcurrencyConflictError
	var validation *es.ValidationError

	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":            err.Error(),
			"stream_id":        conflict.StreamID,
			"expected_version": conflict.Expected.String(),
			"actual_version":   conflict.Actual,
		})
	case errors.As(err, &validation):
		body := gin.H{"error": err.Error(), "field": validation.Field}
		if validation.Index >= 0 {
			body["index"] = validation.Index
		}
		c.JSON(http.StatusBadRequest, body)
	case es.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
