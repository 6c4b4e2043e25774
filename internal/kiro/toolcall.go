package kiro

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const toolCallMarker = "[Called "
const toolCallArgsSep = " with args: "

// RecoveredToolCall is a tool invocation reconstructed from bracketed text.
type RecoveredToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// RecoverToolCalls scans assembled answer text for the bracketed
// "[Called name with args: {…}]" encoding some responses use instead of
// structured tool events. It returns the text with those segments removed and
// the recovered calls, deduplicated by (name, arguments).
func RecoverToolCalls(text string) (string, []RecoveredToolCall) {
	if !strings.Contains(text, toolCallMarker) {
		return text, nil
	}

	var calls []RecoveredToolCall
	seen := make(map[string]bool)
	var cleaned strings.Builder
	rest := text

	for {
		start := strings.Index(rest, toolCallMarker)
		if start < 0 {
			cleaned.WriteString(rest)
			break
		}
		end := matchBracket(rest, start)
		if end < 0 {
			cleaned.WriteString(rest)
			break
		}
		segment := rest[start+1 : end] // inside the brackets
		cleaned.WriteString(rest[:start])
		rest = rest[end+1:]

		call, ok := parseToolCallSegment(segment)
		if !ok {
			continue
		}
		key := call.Name + "\x00" + string(call.Input)
		if seen[key] {
			continue
		}
		seen[key] = true
		calls = append(calls, call)
	}
	return cleaned.String(), calls
}

// ToolCallScanner is the streaming counterpart of RecoverToolCalls: it holds
// back text that may open a bracketed call until the call is complete, so tool
// invocations never leak into the text stream.
type ToolCallScanner struct {
	pending string
	seen    map[string]bool
}

// Feed returns the text safe to emit plus any calls completed by this chunk.
func (t *ToolCallScanner) Feed(text string) (string, []RecoveredToolCall) {
	t.pending += text
	var plain strings.Builder
	var calls []RecoveredToolCall

	for {
		idx := strings.Index(t.pending, toolCallMarker)
		if idx < 0 {
			hold := markerSuffixLen(t.pending)
			cut := len(t.pending) - hold
			plain.WriteString(t.pending[:cut])
			t.pending = t.pending[cut:]
			return plain.String(), calls
		}
		end := matchBracket(t.pending, idx)
		if end < 0 {
			plain.WriteString(t.pending[:idx])
			t.pending = t.pending[idx:]
			return plain.String(), calls
		}
		plain.WriteString(t.pending[:idx])
		segment := t.pending[idx+1 : end]
		t.pending = t.pending[end+1:]

		call, ok := parseToolCallSegment(segment)
		if !ok {
			continue
		}
		if t.seen == nil {
			t.seen = make(map[string]bool)
		}
		key := call.Name + "\x00" + string(call.Input)
		if t.seen[key] {
			continue
		}
		t.seen[key] = true
		calls = append(calls, call)
	}
}

// Close flushes held-back text; an unterminated call segment is emitted
// verbatim rather than dropped.
func (t *ToolCallScanner) Close() string {
	out := t.pending
	t.pending = ""
	return out
}

// markerSuffixLen returns the length of the longest tail of s that is a
// proper prefix of the tool-call marker.
func markerSuffixLen(s string) int {
	max := len(toolCallMarker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, toolCallMarker[:n]) {
			return n
		}
	}
	return 0
}

// matchBracket finds the index of the ] closing the [ at start, counting
// nested brackets and ignoring ones inside string literals.
func matchBracket(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 && c == ']' {
				return i
			}
		}
	}
	return -1
}

func parseToolCallSegment(segment string) (RecoveredToolCall, bool) {
	body := strings.TrimPrefix(segment, strings.TrimPrefix(toolCallMarker, "["))
	sep := strings.Index(body, toolCallArgsSep)
	if sep < 0 {
		return RecoveredToolCall{}, false
	}
	name := strings.TrimSpace(body[:sep])
	args := strings.TrimSpace(body[sep+len(toolCallArgsSep):])
	if name == "" {
		return RecoveredToolCall{}, false
	}

	input := json.RawMessage("{}")
	if args != "" {
		repaired := repairJSON(args)
		if json.Valid([]byte(repaired)) {
			input = json.RawMessage(repaired)
		} else {
			log.Debugf("kiro: could not repair tool args for %s", name)
			return RecoveredToolCall{}, false
		}
	}
	return RecoveredToolCall{
		ID:    "toolu_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Name:  name,
		Input: input,
	}, true
}

// repairJSON makes common model sloppiness parseable: trailing commas go,
// unquoted keys and bareword values get quotes. String literals are left
// alone.
func repairJSON(s string) string {
	var out strings.Builder
	out.Grow(len(s) + 16)

	i := 0
	expectValue := false
	for i < len(s) {
		c := s[i]
		switch {
		case c == '"':
			end := skipString(s, i)
			out.WriteString(s[i:end])
			i = end
			expectValue = false
		case c == ':':
			out.WriteByte(c)
			i++
			expectValue = true
		case c == ',':
			// Trailing comma: drop it when the next non-space closes.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				i++
				continue
			}
			out.WriteByte(c)
			i++
			expectValue = false
		case c == '{' || c == '[':
			out.WriteByte(c)
			i++
			expectValue = c == '['
		case c == '}' || c == ']':
			out.WriteByte(c)
			i++
			expectValue = false
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			out.WriteByte(c)
			i++
		case isBarewordStart(c):
			end := i
			for end < len(s) && isBarewordChar(s[end]) {
				end++
			}
			word := s[i:end]
			if expectValue && !isJSONLiteral(word) {
				out.WriteByte('"')
				out.WriteString(word)
				out.WriteByte('"')
			} else if !expectValue && !isJSONLiteral(word) {
				// Unquoted key.
				out.WriteByte('"')
				out.WriteString(word)
				out.WriteByte('"')
			} else {
				out.WriteString(word)
			}
			i = end
			expectValue = false
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

func skipString(s string, start int) int {
	escaped := false
	for i := start + 1; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			return i + 1
		}
	}
	return len(s)
}

func isBarewordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isBarewordChar(c byte) bool {
	return isBarewordStart(c) || (c >= '0' && c <= '9') || c == '-' || c == '.'
}

func isJSONLiteral(word string) bool {
	switch word {
	case "true", "false", "null":
		return true
	}
	return false
}
