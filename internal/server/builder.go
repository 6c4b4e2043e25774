// Package server builds the gin engine exposing the Anthropic-compatible
// chat surface and the pool management API.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"aigateway-go/internal/config"
	"aigateway-go/internal/constants"
	"aigateway-go/internal/kiro"
	"aigateway-go/internal/kiro/cache"
	"aigateway-go/internal/pool"
)

// Dependencies are the runtime services the routes need.
type Dependencies struct {
	Pool      *pool.Manager
	Kiro      *kiro.Client
	Estimator *cache.Registry
}

// BuildEngine constructs the HTTP engine with all routes mounted.
func BuildEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/health", func(c *gin.Context) {
		providers := make(map[string]pool.ProviderStats)
		for _, t := range deps.Pool.ProviderTypes() {
			providers[t] = deps.Pool.GetProviderStats(t)
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "providers": providers})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	v1.POST("/messages", handleMessages(cfg, deps))

	mgmt := engine.Group("/v0/management", managementAuth(cfg.ManagementKey))
	registerManagementRoutes(mgmt, deps)

	return engine
}

// requestLogger is a thin access log; body logging stays off by design of the
// payloads (prompts carry user data).
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health" {
			return
		}
		log.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).Info("request")
	}
}

// defaultProviderFor maps the public surface to its primary provider pool.
func defaultProviderFor(model string) string {
	_ = model
	return constants.ProviderClaudeKiro
}
