package constants

import "time"

// 重试策略常量
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	RetryBackoffBase  = 2.0

	// 凭证健康窗口
	ErrorCountWindow     = 10 * time.Second
	DefaultMaxErrorCount = 3

	// 健康探测
	DefaultHealthCheckInterval = 5 * time.Minute
	HealthProbeBackoff         = 2 * time.Minute
	HealthProbeTimeout         = 30 * time.Second
	DefaultHealthCheckModel    = "claude-haiku-4-5"

	// 令牌预刷新提前量（分钟）
	DefaultCronNearMinutes = 10
)

// 防抖持久化
const (
	DefaultSaveDebounce = 1 * time.Second
)

// 粘性会话
const (
	DefaultStickyTTL             = 30 * time.Minute
	DefaultStickyCleanupInterval = 5 * time.Minute
	DefaultMaxSessions           = 1000
	StickyEvictBatchRatio        = 0.1
)
