package constants

import "strings"

// 支持的上游供应商类型（封闭集合）
const (
	ProviderGeminiCLIOAuth    = "gemini-cli-oauth"
	ProviderGeminiAntigravity = "gemini-antigravity"
	ProviderOpenAICustom      = "openai-custom"
	ProviderOpenAIResponses   = "openai-responses"
	ProviderClaudeCustom      = "claude-custom"
	ProviderClaudeKiro        = "claude-kiro-oauth"
	ProviderQwenOAuth         = "openai-qwen-oauth"
)

// AllProviders lists every known provider type tag.
var AllProviders = []string{
	ProviderGeminiCLIOAuth,
	ProviderGeminiAntigravity,
	ProviderOpenAICustom,
	ProviderOpenAIResponses,
	ProviderClaudeCustom,
	ProviderClaudeKiro,
	ProviderQwenOAuth,
}

// IsKnownProvider reports whether the tag belongs to the closed provider set.
func IsKnownProvider(providerType string) bool {
	for _, p := range AllProviders {
		if p == providerType {
			return true
		}
	}
	return false
}

// ProtocolPrefix returns the protocol family of a provider type
// ("claude-kiro-oauth" -> "claude"). Same-protocol peers share a prefix.
func ProtocolPrefix(providerType string) string {
	if idx := strings.Index(providerType, "-"); idx > 0 {
		return providerType[:idx]
	}
	return providerType
}
