package kiro

import "strings"

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// SplitChunk is one piece of split output: thinking text or plain text.
type SplitChunk struct {
	Thinking bool
	Text     string
}

// ThinkingSplitter separates <thinking>…</thinking> spans from the plain text
// stream. Tags adjacent to a double quote are treated as literals (they occur
// inside tool arguments) and pass through untouched. Each feed withholds a
// tag-length suffix so a tag split across two chunks is never mis-emitted.
type ThinkingSplitter struct {
	inThinking bool
	pending    string
}

// Feed appends streamed text and returns the chunks that are safe to emit.
func (s *ThinkingSplitter) Feed(text string) []SplitChunk {
	s.pending += text
	return s.drain(false)
}

// Close flushes everything still held back.
func (s *ThinkingSplitter) Close() []SplitChunk {
	return s.drain(true)
}

func (s *ThinkingSplitter) drain(final bool) []SplitChunk {
	var out []SplitChunk
	for {
		tag := thinkingOpenTag
		if s.inThinking {
			tag = thinkingCloseTag
		}
		idx := s.findTag(tag, final)
		if idx < 0 {
			hold := len(tag)
			if final {
				hold = 0
			}
			if len(s.pending) > hold {
				cut := len(s.pending) - hold
				out = appendChunk(out, s.inThinking, s.pending[:cut])
				s.pending = s.pending[cut:]
			}
			return out
		}
		out = appendChunk(out, s.inThinking, s.pending[:idx])
		s.pending = s.pending[idx+len(tag):]
		s.inThinking = !s.inThinking
	}
}

// findTag locates the next non-literal occurrence of tag. When the stream is
// still live, a tag touching the end of the buffer is deferred until the
// following character is known.
func (s *ThinkingSplitter) findTag(tag string, final bool) int {
	from := 0
	for {
		i := strings.Index(s.pending[from:], tag)
		if i < 0 {
			return -1
		}
		idx := from + i
		end := idx + len(tag)
		if !final && end >= len(s.pending) {
			return -1
		}
		quoted := (idx > 0 && s.pending[idx-1] == '"') ||
			(end < len(s.pending) && s.pending[end] == '"')
		if quoted {
			from = end
			continue
		}
		return idx
	}
}

func appendChunk(out []SplitChunk, thinking bool, text string) []SplitChunk {
	if text == "" {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Thinking == thinking {
		out[n-1].Text += text
		return out
	}
	return append(out, SplitChunk{Thinking: thinking, Text: text})
}
