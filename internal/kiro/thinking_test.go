package kiro

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func splitAll(chunks ...string) []SplitChunk {
	var s ThinkingSplitter
	var out []SplitChunk
	for _, c := range chunks {
		out = append(out, s.Feed(c)...)
	}
	return append(out, s.Close()...)
}

func joined(chunks []SplitChunk, thinking bool) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.Thinking == thinking {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func TestThinkingSplitterBasic(t *testing.T) {
	out := splitAll("<thinking>hmm</thinking>the answer")
	require.Equal(t, "hmm", joined(out, true))
	require.Equal(t, "the answer", joined(out, false))
}

func TestThinkingSplitterTagAcrossChunks(t *testing.T) {
	out := splitAll("<think", "ing>split tag</think", "ing>done")
	require.Equal(t, "split tag", joined(out, true))
	require.Equal(t, "done", joined(out, false))
}

func TestThinkingSplitterQuotedTagIsLiteral(t *testing.T) {
	text := `use the "<thinking>" marker in your output`
	out := splitAll(text)
	require.Empty(t, joined(out, true))
	require.Equal(t, text, joined(out, false))
}

func TestThinkingSplitterPlainTextPassthrough(t *testing.T) {
	out := splitAll("no tags ", "here at all")
	require.Empty(t, joined(out, true))
	require.Equal(t, "no tags here at all", joined(out, false))
}

func TestThinkingSplitterUnclosedTagFlushesAsThinking(t *testing.T) {
	out := splitAll("<thinking>never closed")
	require.Equal(t, "never closed", joined(out, true))
	require.Empty(t, joined(out, false))
}

func TestThinkingSplitterHoldsBackSafeSuffix(t *testing.T) {
	var s ThinkingSplitter
	first := s.Feed("prefix text <thin")
	// The tail that could open a tag must not leak as plain text yet.
	require.Equal(t, "prefix ", joined(first, false))
	rest := append(s.Feed("king>inner</thinking>"), s.Close()...)
	require.Equal(t, "text ", joined(rest, false))
	require.Equal(t, "inner", joined(rest, true))
}
