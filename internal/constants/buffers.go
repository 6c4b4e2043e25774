package constants

import "time"

// 上游连接与缓冲
const (
	// Kiro event stream scanner buffer cap; overflow drops the buffer.
	StreamBufferCap = 10 * 1024 * 1024

	DefaultRequestTimeout = 120 * time.Second
	RefreshTimeout        = 15 * time.Second

	MaxConnsPerAdapter = 100
	MaxIdleConns       = 5
	IdleConnTimeout    = 90 * time.Second

	// Tool descriptions longer than this are truncated with an ellipsis.
	MaxToolDescriptionLength = 9216

	// User messages older than this many turns have images elided.
	ImageRetentionWindow = 5
)

// 缓存估算器
const (
	CacheEntryTTL      = 5 * time.Minute
	CacheMaxEntries    = 500
	AccountCacheTTL    = 1 * time.Hour
	AccountCacheMax    = 100
	CharsPerTokenGuess = 4
)
