package cache

import (
	"strings"

	"github.com/tidwall/gjson"

	"aigateway-go/internal/constants"
)

// estimateTokens approximates the token count of text. A cheap chars/4 guess
// is enough here: the estimator only needs proportions, not exact counts.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / constants.CharsPerTokenGuess
	if n == 0 {
		n = 1
	}
	return n
}

// messageTokens estimates one message's token weight from its content.
func messageTokens(msg gjson.Result) int {
	content := msg.Get("content")
	if content.Type == gjson.String {
		return estimateTokens(content.String())
	}
	total := 0
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			total += estimateTokens(block.Get("text").String())
		case "thinking":
			total += estimateTokens(block.Get("thinking").String())
		default:
			total += estimateTokens(block.Raw)
		}
		return true
	})
	return total
}

// staticTokens estimates the token weight of the static request parts, system
// and tools. The estimator and TotalInputTokens must share this accounting or
// the cacheable total could exceed the request total.
func staticTokens(system, tools gjson.Result) int {
	total := 0
	if system.Type == gjson.String {
		total += estimateTokens(system.String())
	} else if system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			total += estimateTokens(block.Get("text").String())
			return true
		})
	}
	tools.ForEach(func(_, tool gjson.Result) bool {
		total += estimateTokens(tool.Raw)
		return true
	})
	return total
}

// TotalInputTokens estimates the whole request's input token count: system,
// tools, and every message.
func TotalInputTokens(raw []byte) int {
	total := staticTokens(gjson.GetBytes(raw, "system"), gjson.GetBytes(raw, "tools"))
	gjson.GetBytes(raw, "messages").ForEach(func(_, msg gjson.Result) bool {
		total += messageTokens(msg)
		return true
	})
	return total
}

// glyphReplacer maps exotic arrow glyphs to their ASCII spellings so visually
// identical prompts hash identically across clients.
var glyphReplacer = strings.NewReplacer(
	"→", "->",
	"←", "<-",
	"⇒", "=>",
	"⇐", "<=",
	"↔", "<->",
	"⟶", "->",
	"⟵", "<-",
	"—", "-",
	"–", "-",
	"“", `"`,
	"”", `"`,
	"‘", "'",
	"’", "'",
	"…", "...",
	" ", " ",
)

// normalizeText applies glyph replacement and strips control characters and
// private-use-area runes.
func normalizeText(s string) string {
	s = glyphReplacer.Replace(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		case r >= 0xe000 && r <= 0xf8ff: // PUA
			return -1
		}
		return r
	}, s)
}
