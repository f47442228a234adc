// Package server exposes the aggregator HTTP surface: triggering drain
// cycles, querying stored logs, and purging the store.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sua-platform/logstream/core"
	"github.com/sua-platform/logstream/pkg/auth"
	"github.com/sua-platform/logstream/pkg/correlation"
)

// Drainer runs one drain cycle. Draining is at-least-once: callers may see
// a record twice if the broker redelivers its message.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// LogStore is the read/purge surface of the log store.
type LogStore interface {
	QueryRecords(ctx context.Context, p core.QueryParams) ([]core.LogRecord, int, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// Server is the aggregator HTTP server.
type Server struct {
	cfg     core.ServerConfig
	drainer Drainer
	store   LogStore
	router  *gin.Engine

	brokerState func() core.ConnState
}

// Option customizes a Server.
type Option func(*Server)

// WithMetricsRegistry mounts GET /metrics serving the given registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
}

// WithBrokerState surfaces the broker connection state on the health probe.
func WithBrokerState(state func() core.ConnState) Option {
	return func(s *Server) { s.brokerState = state }
}

// New builds the aggregator server and registers its routes. Administrative
// routes are guarded by the given auth middleware.
func New(cfg core.ServerConfig, drainer Drainer, store LogStore, authMW *auth.Middleware, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(correlation.Middleware())

	s := &Server{
		cfg:     cfg,
		drainer: drainer,
		store:   store,
		router:  router,
	}
	for _, opt := range opts {
		opt(s)
	}

	router.GET("/health", s.handleHealth)
	router.GET("/", s.handleInfo)

	logs := router.Group("/logs")
	logs.POST("", authMW.RequirePermission(auth.PermDrain), s.handleDrain)
	logs.GET("/:dateFrom/:dateTo", authMW.RequirePermission(auth.PermQuery), s.handleQuery)
	logs.DELETE("", authMW.RequirePermission(auth.PermPurge), s.handleDeleteAll)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleDrain triggers one drain cycle.
func (s *Server) handleDrain(c *gin.Context) {
	count, err := s.drainer.Drain(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrDrainInProgress) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("%d logs fetched and stored", count),
		"count":   count,
	})
}

// handleQuery returns one page of logs between two dates, with optional
// level, service and correlation id filters.
func (s *Server) handleQuery(c *gin.Context) {
	params, err := core.ParseQueryParams(
		c.Param("dateFrom"),
		c.Param("dateTo"),
		c.Query("level"),
		c.Query("service"),
		c.Query("correlation_id"),
		c.Query("limit"),
		c.Query("offset"),
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid date format. Use YYYY-MM-DD",
		})
		return
	}

	records, total, err := s.store.QueryRecords(c.Request.Context(), params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"logs":     records,
		"total":    total,
		"limit":    params.Limit,
		"offset":   params.Offset,
		"dateFrom": params.DateFrom,
		"dateTo":   params.DateTo,
	})
}

// handleDeleteAll purges every stored record. Zero rows is a valid outcome,
// not an error.
func (s *Server) handleDeleteAll(c *gin.Context) {
	deleted, err := s.store.DeleteAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "All logs deleted successfully",
		"deleted_count": deleted,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":    "OK",
		"service":   s.cfg.ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.brokerState != nil {
		health["broker"] = s.brokerState().String()
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     s.cfg.ServiceName,
		"description": "Log aggregation service backed by a durable broker queue",
		"endpoints": gin.H{
			"POST /logs":                  "Drain queued log messages into the store",
			"GET /logs/:dateFrom/:dateTo": "Get logs between two dates (YYYY-MM-DD)",
			"DELETE /logs":                "Delete all logs from the store",
			"GET /health":                 "Health check endpoint",
		},
	})
}
