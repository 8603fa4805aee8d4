package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arklim/identity-core/internal/infra/logger"
)

const (
	requestIDHeader  = "X-Request-ID"
	jwksCacheControl = "public, max-age=3600"
	readinessTimeout = 3 * time.Second
)

// ReadinessCheck reports whether one backing dependency is reachable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// KeySet renders the public signing keys.
type KeySet interface {
	JWKS() ([]byte, error)
}

// OpsDependencies feeds the operational router.
type OpsDependencies struct {
	Logger   *zap.Logger
	Gatherer prometheus.Gatherer
	Keys     KeySet
	Checks   []ReadinessCheck
}

type healthResponse struct {
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewOpsRouter serves liveness, readiness, Prometheus metrics and the JWKS document.
func NewOpsRouter(deps OpsDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	startedAt := time.Now().UTC()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, healthResponse{Status: "ok", StartedAt: startedAt})
	})
	r.GET("/readyz", func(c *gin.Context) {
		results, ok := runChecks(c.Request.Context(), deps.Checks)
		status, code := "ok", http.StatusOK
		if !ok {
			status, code = "unavailable", http.StatusServiceUnavailable
		}
		c.JSON(code, healthResponse{Status: status, StartedAt: startedAt, Checks: results})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/.well-known/jwks.json", func(c *gin.Context) {
		if deps.Keys == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "jwks not available"})
			return
		}
		payload, err := deps.Keys.JWKS()
		if err != nil {
			logger.WithContext(c.Request.Context(), log).Error("render jwks", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render jwks"})
			return
		}
		c.Header("Cache-Control", jwksCacheControl)
		c.Data(http.StatusOK, "application/json", payload)
	})

	return r
}

// runChecks pings every dependency concurrently and never fails fast, so the
// response names each broken dependency.
func runChecks(ctx context.Context, checks []ReadinessCheck) (map[string]string, bool) {
	results := make([]string, len(checks))
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			if err := check.Check(ctx); err != nil {
				results[i] = err.Error()
				return err
			}
			results[i] = "ok"
			return nil
		})
	}
	err := g.Wait()

	out := make(map[string]string, len(checks))
	for i, check := range checks {
		out[check.Name] = results[i]
	}
	return out, err == nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", logger.MaskIP(c.ClientIP())),
		}
		reqLog := logger.WithContext(c.Request.Context(), log)
		if len(c.Errors) > 0 {
			reqLog.Error("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		reqLog.Debug("request completed", fields...)
	}
}
