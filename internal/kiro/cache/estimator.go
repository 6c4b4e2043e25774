// Package cache estimates the Anthropic prompt-cache split for Kiro
// requests. The upstream never reports cache hits, so the gateway reproduces
// the cache identity (a stable hash of the static prefix) and per-message
// content hashes locally and infers (cache_read, cache_creation, uncached)
// against recent history.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"aigateway-go/internal/constants"
	"aigateway-go/internal/monitoring"
)

// Tool-result hashing policy. Strict hashes full content; ignore skips the
// block; name_only hashes just the block type.
const (
	ToolResultStrict   = "strict"
	ToolResultIgnore   = "ignore"
	ToolResultNameOnly = "name_only"
)

// Options tune one estimator instance.
type Options struct {
	// Optimistic counts every individually matching message as a cache
	// read even across holes. Overestimates real hits; documented as such.
	Optimistic         bool
	Debug              bool
	ToolResultStrategy string
}

type prefixEntry struct {
	hashes   []string
	lastUsed time.Time
}

// accountCache is the per-account estimator: a bounded LRU of prefix-hash
// entries.
type accountCache struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]*prefixEntry
}

func newAccountCache(opts Options) *accountCache {
	if opts.ToolResultStrategy == "" {
		opts.ToolResultStrategy = ToolResultStrict
	}
	return &accountCache{
		opts:    opts,
		entries: make(map[string]*prefixEntry),
	}
}

// minCacheTokens is the model-specific minimum cacheable prefix size.
func minCacheTokens(model string) int {
	switch {
	case strings.Contains(model, "opus-4-5"), strings.Contains(model, "haiku-4-5"):
		return 4096
	case strings.Contains(model, "haiku-3"):
		return 2048
	}
	return 1024
}

// estimate produces the split. The sum of the three return values always
// equals total.
func (a *accountCache) estimate(raw []byte, total int) (cacheRead, cacheCreation, uncached int) {
	model := gjson.GetBytes(raw, "model").String()
	system := gjson.GetBytes(raw, "system")
	tools := gjson.GetBytes(raw, "tools")
	messages := gjson.GetBytes(raw, "messages")

	systemHasCC := hasCacheControl(system)
	toolsHasCC := lastToolHasCacheControl(tools)
	breakpoint := lastMessageBreakpoint(messages)

	if !systemHasCC && !toolsHasCC && breakpoint < 0 {
		monitoring.CacheEstimatesTotal.WithLabelValues("uncacheable").Inc()
		return 0, 0, total
	}

	var msgTokens []int
	messages.ForEach(func(_, msg gjson.Result) bool {
		msgTokens = append(msgTokens, messageTokens(msg))
		return true
	})

	prefixMessagesTokens := 0
	for i := 0; i <= breakpoint && i < len(msgTokens); i++ {
		prefixMessagesTokens += msgTokens[i]
	}

	stableSystem := stableSystemJSON(system)
	stableTools := stableToolsJSON(tools)
	staticPrefixTokens := staticTokens(system, tools)

	staticCacheable := 0
	if systemHasCC || toolsHasCC {
		staticCacheable = staticPrefixTokens
	}
	totalCacheable := staticCacheable + prefixMessagesTokens

	if totalCacheable < minCacheTokens(model) {
		monitoring.CacheEstimatesTotal.WithLabelValues("below_minimum").Inc()
		return 0, 0, total
	}

	prefixHash := a.prefixHash(raw, model, stableSystem, stableTools)

	var hashes []string
	idx := 0
	messages.ForEach(func(_, msg gjson.Result) bool {
		if idx > breakpoint {
			return false
		}
		hashes = append(hashes, a.contentHash(msg))
		idx++
		return true
	})

	a.mu.Lock()
	entry, hit := a.lookup(prefixHash)
	if hit {
		cacheRead, cacheCreation = a.compare(entry.hashes, hashes, msgTokens, staticCacheable)
		monitoring.CacheEstimatesTotal.WithLabelValues("hit").Inc()
	} else {
		cacheCreation = totalCacheable
		monitoring.CacheEstimatesTotal.WithLabelValues("miss").Inc()
	}
	a.store(prefixHash, hashes)
	a.mu.Unlock()

	if a.opts.Debug {
		log.Debugf("cache estimate: model=%s prefix=%s msgs=%d cached=[read=%d creation=%d] totalCacheable=%d",
			model, prefixHash[:8], len(hashes), cacheRead, cacheCreation, totalCacheable)
	}

	// Keep the invariant read+creation+uncached == total under estimation
	// noise.
	if cacheRead > total {
		cacheRead = total
	}
	if cacheRead+cacheCreation > total {
		cacheCreation = total - cacheRead
	}
	uncached = total - cacheRead - cacheCreation
	return cacheRead, cacheCreation, uncached
}

// compare scores the current prefix against the stored one. Strict mode stops
// at the first mismatch; optimistic mode credits every matching message.
func (a *accountCache) compare(stored, current []string, msgTokens []int, staticCacheable int) (read, creation int) {
	read = staticCacheable
	broken := false
	for i, h := range current {
		tokens := 0
		if i < len(msgTokens) {
			tokens = msgTokens[i]
		}
		match := i < len(stored) && stored[i] == h
		if a.opts.Optimistic {
			if match {
				read += tokens
			} else {
				creation += tokens
			}
			continue
		}
		if broken || !match {
			broken = true
			creation += tokens
		} else {
			read += tokens
		}
	}
	return read, creation
}

func (a *accountCache) lookup(prefixHash string) (*prefixEntry, bool) {
	entry, ok := a.entries[prefixHash]
	if !ok {
		return nil, false
	}
	if time.Since(entry.lastUsed) > constants.CacheEntryTTL {
		delete(a.entries, prefixHash)
		return nil, false
	}
	return entry, true
}

// store always records the freshest prefix, evicting expired then oldest
// entries past the cap.
func (a *accountCache) store(prefixHash string, hashes []string) {
	a.entries[prefixHash] = &prefixEntry{hashes: hashes, lastUsed: time.Now()}
	if len(a.entries) <= constants.CacheMaxEntries {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, e := range a.entries {
		if time.Since(e.lastUsed) > constants.CacheEntryTTL {
			delete(a.entries, k)
			continue
		}
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey, oldest = k, e.lastUsed
		}
	}
	if len(a.entries) > constants.CacheMaxEntries && oldestKey != "" {
		delete(a.entries, oldestKey)
	}
}

// prefixHash is the cache identity: MD5 over a stable JSON of the static
// request parts.
func (a *accountCache) prefixHash(raw []byte, model, stableSystem, stableTools string) string {
	parts := map[string]interface{}{
		"model":        model,
		"stableSystem": stableSystem,
		"stableTools":  stableTools,
	}
	if tc := gjson.GetBytes(raw, "tool_choice"); tc.Exists() {
		parts["tool_choice"] = tc.Raw
	}
	if th := gjson.GetBytes(raw, "thinking"); th.Exists() {
		parts["thinking"] = map[string]interface{}{
			"type":          th.Get("type").String(),
			"budget_tokens": th.Get("budget_tokens").Int(),
		}
	}
	data, _ := json.Marshal(parts)
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// contentHash hashes a role-prefixed projection of one message, excluding
// volatile fields so logically identical turns hash identically.
func (a *accountCache) contentHash(msg gjson.Result) string {
	var b strings.Builder
	b.WriteString(msg.Get("role").String())
	b.WriteByte(':')

	content := msg.Get("content")
	if content.Type == gjson.String {
		b.WriteString(normalizeText(content.String()))
	} else {
		content.ForEach(func(_, block gjson.Result) bool {
			a.hashBlock(&b, block)
			return true
		})
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (a *accountCache) hashBlock(b *strings.Builder, block gjson.Result) {
	switch block.Get("type").String() {
	case "text":
		b.WriteString("text:")
		b.WriteString(normalizeText(block.Get("text").String()))
	case "thinking":
		b.WriteString("thinking:")
		b.WriteString(normalizeText(block.Get("thinking").String()))
	case "image":
		b.WriteString(imageFingerprint(block.Get("source.data").String()))
	case "tool_use":
		// id and input are volatile; the name is the stable part.
		b.WriteString("tool_use:")
		b.WriteString(block.Get("name").String())
	case "tool_result":
		switch a.opts.ToolResultStrategy {
		case ToolResultIgnore:
		case ToolResultNameOnly:
			b.WriteString("tool_result")
		default:
			b.WriteString("tool_result:")
			inner := block.Get("content")
			if inner.Type == gjson.String {
				b.WriteString(normalizeText(inner.String()))
			} else {
				inner.ForEach(func(_, ib gjson.Result) bool {
					b.WriteString(normalizeText(ib.Get("text").String()))
					return true
				})
			}
		}
	default:
		b.WriteString(block.Get("type").String())
	}
	b.WriteByte('|')
}

// imageFingerprint avoids hashing megabytes of base64: length plus the first
// and last 32 characters identify an image well enough.
func imageFingerprint(data string) string {
	head := data
	if len(head) > 32 {
		head = head[:32]
	}
	tail := data
	if len(tail) > 32 {
		tail = tail[len(tail)-32:]
	}
	return "img:" + strconv.Itoa(len(data)) + ":" + head + ":" + tail
}

func hasCacheControl(system gjson.Result) bool {
	if !system.IsArray() {
		return false
	}
	found := false
	system.ForEach(func(_, block gjson.Result) bool {
		if block.Get("cache_control").Exists() {
			found = true
			return false
		}
		return true
	})
	return found
}

func lastToolHasCacheControl(tools gjson.Result) bool {
	if !tools.IsArray() {
		return false
	}
	arr := tools.Array()
	if len(arr) == 0 {
		return false
	}
	return arr[len(arr)-1].Get("cache_control").Exists()
}

// lastMessageBreakpoint returns the index of the last message carrying a
// cache_control marker at message level or inside its blocks; -1 when none.
func lastMessageBreakpoint(messages gjson.Result) int {
	breakpoint := -1
	idx := 0
	messages.ForEach(func(_, msg gjson.Result) bool {
		marked := msg.Get("cache_control").Exists()
		if !marked {
			msg.Get("content").ForEach(func(_, block gjson.Result) bool {
				if block.Get("cache_control").Exists() {
					marked = true
					return false
				}
				return true
			})
		}
		if marked {
			breakpoint = idx
		}
		idx++
		return true
	})
	return breakpoint
}

// stableSystemJSON projects system blocks to {type,text,cache_control}.
func stableSystemJSON(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	var out []map[string]interface{}
	system.ForEach(func(_, block gjson.Result) bool {
		m := map[string]interface{}{
			"type": block.Get("type").String(),
			"text": block.Get("text").String(),
		}
		if cc := block.Get("cache_control"); cc.Exists() {
			m["cache_control"] = cc.Raw
		}
		out = append(out, m)
		return true
	})
	data, _ := json.Marshal(out)
	return string(data)
}

// stableToolsJSON projects tools to {name,description,input_schema}.
func stableToolsJSON(tools gjson.Result) string {
	if !tools.IsArray() {
		return ""
	}
	var out []map[string]interface{}
	tools.ForEach(func(_, tool gjson.Result) bool {
		m := map[string]interface{}{
			"name":        tool.Get("name").String(),
			"description": tool.Get("description").String(),
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			m["input_schema"] = schema.Raw
		}
		out = append(out, m)
		return true
	})
	data, _ := json.Marshal(out)
	return string(data)
}
