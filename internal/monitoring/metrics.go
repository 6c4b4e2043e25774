package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 选路指标
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigw_pool_selections_total",
			Help: "Total number of credential selections",
		},
		[]string{"provider", "reason"}, // reason: sticky|lru|fallback|model_fallback
	)

	SelectionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigw_pool_selection_failures_total",
			Help: "Selections that found no eligible credential",
		},
		[]string{"provider"},
	)

	// 凭证健康指标
	UnhealthyCredentials = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aigw_pool_unhealthy_credentials",
			Help: "Number of unhealthy credentials per provider",
		},
		[]string{"provider"},
	)

	HealthTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigw_pool_health_transitions_total",
			Help: "Credential health state transitions",
		},
		[]string{"provider", "transition"}, // transition: unhealthy|recovered|disabled|enabled
	)

	// 粘性会话
	StickySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aigw_sticky_sessions",
			Help: "Number of live sticky session bindings",
		},
	)

	StickyHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aigw_sticky_hits_total",
			Help: "Selections satisfied by a sticky binding",
		},
	)

	// 健康探测
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigw_health_probes_total",
			Help: "Health probe attempts by outcome",
		},
		[]string{"provider", "outcome"}, // outcome: success|failure|skipped
	)

	// 持久化
	PoolPersistsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aigw_pool_persists_total",
			Help: "Debounced pool file writes",
		},
	)

	// 上游调用
	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigw_upstream_retries_total",
			Help: "Upstream request retries by error class",
		},
		[]string{"provider", "class"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigw_token_refreshes_total",
			Help: "OAuth token refreshes by status",
		},
		[]string{"provider", "status"},
	)

	// Kiro 缓存估算
	CacheEstimatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigw_kiro_cache_estimates_total",
			Help: "Prompt cache estimates by result",
		},
		[]string{"result"}, // result: hit|miss|uncacheable|below_minimum
	)
)
