package ingest

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"deadman/internal/config"
	"deadman/internal/metrics"

	"github.com/gin-gonic/gin"
)

const sourceHTTP = "http"

// RouterDeps bundles HTTP router collaborators.
// Params: hit sink, readiness probe, metrics bundle, and logger.
type RouterDeps struct {
	Sink    HitSink
	Ready   func() bool
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewRouter builds ops and ingest router.
// Params: HTTP ingest config and collaborators.
// Returns: gin engine serving health, readiness, metrics, and (when enabled) the hit route.
func NewRouter(cfg config.HTTPIngestConfig, deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Logger != nil {
		router.Use(requestLogging(deps.Logger))
	}

	router.GET(cfg.HealthPath, func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET(cfg.ReadyPath, func(c *gin.Context) {
		if deps.Ready != nil && !deps.Ready() {
			c.String(http.StatusServiceUnavailable, "not-ready")
			return
		}
		c.String(http.StatusOK, "ready")
	})
	if deps.Metrics != nil {
		router.GET(cfg.MetricsPath, gin.WrapH(deps.Metrics.Handler()))
	}
	if cfg.Enabled && deps.Sink != nil {
		router.POST(cfg.HitPath, NewHitHandler(deps.Sink, cfg.MaxBodyBytes, deps.Metrics))
	}
	return router
}

// NewHitHandler decodes one hit or a batch of hits and forwards them to sink.
// Params: sink, max body size in bytes, and optional metrics.
// Returns: handler answering 202, 400 for malformed payloads, 404 for unknown rules, 503 for store errors.
func NewHitHandler(sink HitSink, maxBodySize int64, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			observe(m, sourceHTTP, outcomeInvalid)
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
			return
		}
		hits, err := decodeHitPayload(body)
		if err != nil {
			observe(m, sourceHTTP, outcomeInvalid)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var accepted, unknown, failed int
		for _, hit := range hits {
			err := sink.IngestHit(c.Request.Context(), hit)
			outcome := classify(err)
			observe(m, sourceHTTP, outcome)
			switch outcome {
			case outcomeAccepted:
				accepted++
			case outcomeUnknownRule:
				unknown++
			default:
				failed++
			}
		}

		summary := gin.H{"accepted": accepted, "unknown": unknown, "failed": failed}
		switch {
		case failed > 0:
			c.JSON(http.StatusServiceUnavailable, summary)
		case accepted == 0 && unknown > 0:
			c.JSON(http.StatusNotFound, summary)
		default:
			c.JSON(http.StatusAccepted, summary)
		}
	}
}

func requestLogging(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug(
			"http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}
