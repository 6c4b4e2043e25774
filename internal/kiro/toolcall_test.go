package kiro

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecoverToolCallsBasic(t *testing.T) {
	cleaned, calls := RecoverToolCalls(`before [Called get_weather with args: {"city":"SF"}] after`)
	require.Equal(t, "before  after", cleaned)
	require.Len(t, calls, 1)
	require.Equal(t, "get_weather", calls[0].Name)
	require.JSONEq(t, `{"city":"SF"}`, string(calls[0].Input))
	require.True(t, len(calls[0].ID) > len("toolu_"))
}

func TestRecoverToolCallsNoMarker(t *testing.T) {
	text := "plain answer, no calls here"
	cleaned, calls := RecoverToolCalls(text)
	require.Equal(t, text, cleaned)
	require.Nil(t, calls)
}

func TestRecoverToolCallsDeduplicates(t *testing.T) {
	text := `[Called ping with args: {"n":1}] and again [Called ping with args: {"n":1}]`
	_, calls := RecoverToolCalls(text)
	require.Len(t, calls, 1)
}

func TestRecoverToolCallsDistinctArgsKept(t *testing.T) {
	text := `[Called ping with args: {"n":1}][Called ping with args: {"n":2}]`
	_, calls := RecoverToolCalls(text)
	require.Len(t, calls, 2)
}

func TestRecoverToolCallsUnterminatedLeftVerbatim(t *testing.T) {
	text := `answer [Called broken with args: {"a":`
	cleaned, calls := RecoverToolCalls(text)
	require.Equal(t, text, cleaned)
	require.Empty(t, calls)
}

func TestRecoverToolCallsBracketsInsideStrings(t *testing.T) {
	_, calls := RecoverToolCalls(`[Called echo with args: {"text":"a ] b [ c"}]`)
	require.Len(t, calls, 1)
	require.JSONEq(t, `{"text":"a ] b [ c"}`, string(calls[0].Input))
}

func TestRecoverToolCallsNestedArrays(t *testing.T) {
	_, calls := RecoverToolCalls(`[Called sum with args: {"nums":[1,2,3]}]`)
	require.Len(t, calls, 1)
	require.JSONEq(t, `{"nums":[1,2,3]}`, string(calls[0].Input))
}

func TestRecoverToolCallsEmptyArgs(t *testing.T) {
	_, calls := RecoverToolCalls(`[Called list_files with args: ]`)
	require.Len(t, calls, 1)
	require.JSONEq(t, `{}`, string(calls[0].Input))
}

func TestToolCallScannerStreaming(t *testing.T) {
	var s ToolCallScanner
	var plain string
	var calls []RecoveredToolCall

	feed := func(chunk string) {
		p, c := s.Feed(chunk)
		plain += p
		calls = append(calls, c...)
	}
	feed("thinking about it ")
	feed(`[Called get_weather with args: {"ci`)
	feed(`ty":"SF"}] all done`)
	plain += s.Close()

	require.Equal(t, "thinking about it  all done", plain)
	require.Len(t, calls, 1)
	require.Equal(t, "get_weather", calls[0].Name)
	require.JSONEq(t, `{"city":"SF"}`, string(calls[0].Input))
}

func TestToolCallScannerHoldsBackMarkerPrefix(t *testing.T) {
	var s ToolCallScanner
	plain, calls := s.Feed("text [Cal")
	require.Equal(t, "text ", plain, "a possible marker opening must not leak")
	require.Empty(t, calls)

	plain, calls = s.Feed("led ping with args: {}]")
	require.Empty(t, plain)
	require.Len(t, calls, 1)
	require.Equal(t, "ping", calls[0].Name)
}

func TestToolCallScannerCloseFlushesUnterminated(t *testing.T) {
	var s ToolCallScanner
	plain, _ := s.Feed(`[Called broken with args: {"a":`)
	require.Empty(t, plain)
	require.Equal(t, `[Called broken with args: {"a":`, s.Close())
}

func TestRepairJSONTrailingCommas(t *testing.T) {
	require.Equal(t, `{"a":1}`, repairJSON(`{"a":1,}`))
	require.Equal(t, `[1,2]`, repairJSON(`[1,2,]`))
	require.Equal(t, `{"a":[1,2]}`, repairJSON(`{"a":[1,2,],}`))
}

func TestRepairJSONUnquotedKeys(t *testing.T) {
	require.Equal(t, `{"city": "SF"}`, repairJSON(`{city: "SF"}`))
	require.Equal(t, `{"name": "search", "count": 3}`, repairJSON(`{name: search, count: 3,}`))
}

func TestRepairJSONBarewordValues(t *testing.T) {
	require.Equal(t, `{"unit": "celsius"}`, repairJSON(`{"unit": celsius}`))
	require.Equal(t, `{"ok": true, "n": null}`, repairJSON(`{"ok": true, "n": null}`))
}

func TestRepairJSONLeavesStringsAlone(t *testing.T) {
	in := `{"text": "keep, this: {literal} alone"}`
	require.Equal(t, in, repairJSON(in))
}
