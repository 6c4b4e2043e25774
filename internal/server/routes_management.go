package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"aigateway-go/internal/constants"
	"aigateway-go/internal/pool"
)

// managementAuth guards the management API with a static bearer key. An empty
// key leaves the API open (local deployments).
func managementAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

func registerManagementRoutes(g *gin.RouterGroup, deps Dependencies) {
	g.GET("/pools", func(c *gin.Context) {
		out := make(map[string]interface{})
		for _, t := range deps.Pool.ProviderTypes() {
			out[t] = gin.H{
				"stats":       deps.Pool.GetProviderStats(t),
				"credentials": sanitize(deps.Pool.ListCredentials(t)),
			}
		}
		c.JSON(http.StatusOK, out)
	})

	g.POST("/credentials", func(c *gin.Context) {
		var cred pool.Credential
		if err := c.ShouldBindJSON(&cred); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !constants.IsKnownProvider(cred.ProviderType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider_type " + cred.ProviderType})
			return
		}
		if cred.UUID == "" {
			cred.UUID = uuid.New().String()
		}
		cred.IsHealthy = true
		deps.Pool.AddCredentials(cred.ProviderType, &cred)
		c.JSON(http.StatusCreated, gin.H{"uuid": cred.UUID})
	})

	g.POST("/credentials/:provider/:uuid/disable", credentialAction(deps, func(p *pool.Manager, provider, id string) error {
		return p.DisableProvider(provider, id)
	}))
	g.POST("/credentials/:provider/:uuid/enable", credentialAction(deps, func(p *pool.Manager, provider, id string) error {
		return p.EnableProvider(provider, id)
	}))
	g.POST("/credentials/:provider/:uuid/reset", credentialAction(deps, func(p *pool.Manager, provider, id string) error {
		return p.ResetProviderCounters(provider, id)
	}))

	g.GET("/fallback/:provider", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"chain": deps.Pool.GetFallbackChain(c.Param("provider"))})
	})
	g.PUT("/fallback/:provider", func(c *gin.Context) {
		var body struct {
			Chain []string `json:"chain"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := deps.Pool.SetFallbackChain(c.Param("provider"), body.Chain); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	g.GET("/usage", func(c *gin.Context) {
		cred, err := deps.Pool.SelectProvider(constants.ProviderClaudeKiro, "", pool.SelectOptions{SkipUsageCount: true})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		body, err := deps.Kiro.UsageLimits(c.Request.Context(), cred)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", body)
	})
}

func credentialAction(deps Dependencies, fn func(*pool.Manager, string, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(deps.Pool, c.Param("provider"), c.Param("uuid")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// sanitize strips secret material before credentials leave the process.
func sanitize(creds []*pool.Credential) []*pool.Credential {
	for _, c := range creds {
		c.AccessToken = ""
		c.RefreshToken = ""
		c.ClientSecret = ""
		c.APIKey = ""
	}
	return creds
}
