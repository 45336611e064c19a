package handlers

import (
	"net/http"
	"runtime"

	"github.com/AndreyAD1/telemetry-adapter/internal/metrics"
	"github.com/AndreyAD1/telemetry-adapter/internal/tracing"

	"github.com/gin-gonic/gin"
)

const (
	WorkerStatusOK   = "OK"
	WorkerStatusFail = "Fail"
)

// StatusReporter reports whether the worker loop is running
type StatusReporter interface {
	Running() bool
}

// HealthHandler serves the health and metrics endpoints
type HealthHandler struct {
	worker  StatusReporter
	metrics *metrics.Metrics
	tracer  tracing.Tracer
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(worker StatusReporter, collector *metrics.Metrics, tracer tracing.Tracer) *HealthHandler {
	return &HealthHandler{
		worker:  worker,
		metrics: collector,
		tracer:  tracer,
	}
}

// HandleHealthCheck reports the worker loop status
func (h *HealthHandler) HandleHealthCheck(c *gin.Context) {
	if h.worker != nil && h.worker.Running() {
		c.JSON(http.StatusOK, gin.H{"worker_status": WorkerStatusOK})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"worker_status": WorkerStatusFail})
}

// HandleGetMetrics returns all metrics
func (h *HealthHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// RegisterRoutes registers the handler's routes
func (h *HealthHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	v1.GET("/healthcheck", h.HandleHealthCheck)

	if h.metrics != nil {
		router.GET("/metrics", h.HandleGetMetrics)
	}
}
