package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"aigateway-go/internal/config"
	"aigateway-go/internal/constants"
	"aigateway-go/internal/kiro"
	"aigateway-go/internal/pool"
)

const maxRequestBody = 32 << 20

func handleMessages(cfg *config.Config, deps Dependencies) gin.HandlerFunc {
	_ = cfg
	return func(c *gin.Context) {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
		if err != nil {
			apiError(c, http.StatusBadRequest, "invalid_request_error", "could not read request body")
			return
		}

		var req kiro.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			apiError(c, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
			return
		}
		if req.Model == "" || len(req.Messages) == 0 {
			apiError(c, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
			return
		}

		sel, err := deps.Pool.SelectProviderWithFallback(
			defaultProviderFor(req.Model), req.Model,
			pool.SelectOptions{SessionID: sessionID(c, raw)},
		)
		if err != nil {
			if errors.Is(err, pool.ErrPoolExhausted) || errors.Is(err, pool.ErrNoEligibleCredential) {
				apiError(c, http.StatusServiceUnavailable, "overloaded_error", "no healthy upstream credential available")
				return
			}
			apiError(c, http.StatusInternalServerError, "api_error", err.Error())
			return
		}

		if sel.ActualModel != "" && sel.ActualModel != req.Model {
			log.Infof("server: model fallback %s -> %s (%s)", req.Model, sel.ActualModel, sel.ActualProviderType)
			req.Model = sel.ActualModel
			if rewritten, serr := sjson.SetBytes(raw, "model", sel.ActualModel); serr == nil {
				raw = rewritten
			}
		}

		if sel.ActualProviderType != constants.ProviderClaudeKiro {
			apiError(c, http.StatusNotImplemented, "api_error",
				"no chat adapter registered for provider "+sel.ActualProviderType)
			return
		}

		ctx := c.Request.Context()
		if req.Stream {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no")
			if err := deps.Kiro.Messages(ctx, sel.Credential, &req, raw, deps.Estimator, c.Writer); err != nil {
				// Headers are already out; all we can do is log and drop.
				log.WithError(err).Error("server: streaming request failed")
			}
			return
		}

		resp, err := deps.Kiro.Complete(ctx, sel.Credential, &req, raw, deps.Estimator)
		if err != nil {
			status, kind := upstreamStatus(err)
			apiError(c, status, kind, err.Error())
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// sessionID resolves the sticky session key: explicit header first, then the
// metadata user id Anthropic clients send.
func sessionID(c *gin.Context, raw []byte) string {
	if sid := c.GetHeader("x-session-id"); sid != "" {
		return sid
	}
	return gjson.GetBytes(raw, "metadata.user_id").String()
}

func upstreamStatus(err error) (int, string) {
	var ue *kiro.UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.IsThrottled():
			return http.StatusTooManyRequests, "rate_limit_error"
		case ue.IsAuthExpired(), ue.IsForbidden():
			return http.StatusBadGateway, "authentication_error"
		case ue.IsServerError():
			return http.StatusBadGateway, "api_error"
		}
		return ue.StatusCode, "api_error"
	}
	return http.StatusBadGateway, "api_error"
}

func apiError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    kind,
			"message": message,
		},
	})
}
