package kiro

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedEstimator struct {
	read, creation, uncached int
}

func (f fixedEstimator) Estimate(string, []byte) (int, int, int) {
	return f.read, f.creation, f.uncached
}

func streamUpstream(t *testing.T, segments string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(segments))
	}))
}

func chatReq(thinking bool) *Request {
	req := &Request{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: mustJSON("hello")}},
	}
	if thinking {
		req.Thinking = &Thinking{Type: "enabled", BudgetTokens: 1024}
	}
	return req
}

func TestCompleteAggregatesText(t *testing.T) {
	srv := streamUpstream(t, `{"content":"Hello "}{"content":"world"}`)
	defer srv.Close()
	c := newTestClient(nil, srv.URL)

	resp, err := c.Complete(context.Background(), freshCred(), chatReq(false), nil, fixedEstimator{read: 10, creation: 5, uncached: 3})
	require.NoError(t, err)
	require.Equal(t, "message", resp.Type)
	require.Equal(t, "assistant", resp.Role)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "text", resp.Content[0].Type)
	require.Equal(t, "Hello world", resp.Content[0].Text)
	require.Equal(t, 10, resp.Usage.CacheReadTokens)
	require.Equal(t, 5, resp.Usage.CacheCreationTokens)
	require.Equal(t, 3, resp.Usage.InputTokens)
	require.Positive(t, resp.Usage.OutputTokens)
}

func TestCompleteAssemblesToolUse(t *testing.T) {
	srv := streamUpstream(t,
		`{"name":"get_weather","toolUseId":"t1","input":"{\"ci"}{"input":"ty\":\"SF\"}"}{"stop":true}`)
	defer srv.Close()
	c := newTestClient(nil, srv.URL)

	resp, err := c.Complete(context.Background(), freshCred(), chatReq(false), nil, nil)
	require.NoError(t, err)
	require.Equal(t, "tool_use", resp.StopReason)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "tool_use", resp.Content[0].Type)
	require.Equal(t, "get_weather", resp.Content[0].Name)
	require.Equal(t, "t1", resp.Content[0].ID)
	require.JSONEq(t, `{"city":"SF"}`, string(resp.Content[0].Input))
}

func TestCompleteRecoversBracketedToolCalls(t *testing.T) {
	srv := streamUpstream(t, `{"content":"Let me check. [Called ping with args: {\"host\":\"a\"}]"}`)
	defer srv.Close()
	c := newTestClient(nil, srv.URL)

	resp, err := c.Complete(context.Background(), freshCred(), chatReq(false), nil, nil)
	require.NoError(t, err)
	require.Equal(t, "tool_use", resp.StopReason)
	require.Len(t, resp.Content, 2)
	require.Equal(t, "Let me check. ", resp.Content[0].Text)
	require.Equal(t, "ping", resp.Content[1].Name)
	require.JSONEq(t, `{"host":"a"}`, string(resp.Content[1].Input))
}

func TestCompleteSplitsThinking(t *testing.T) {
	srv := streamUpstream(t, `{"content":"<thinking>mull it over</thinking>the answer"}`)
	defer srv.Close()
	c := newTestClient(nil, srv.URL)

	resp, err := c.Complete(context.Background(), freshCred(), chatReq(true), nil, nil)
	require.NoError(t, err)
	require.Len(t, resp.Content, 2)
	require.Equal(t, "thinking", resp.Content[0].Type)
	require.Equal(t, "mull it over", resp.Content[0].Thinking)
	require.Equal(t, "text", resp.Content[1].Type)
	require.Equal(t, "the answer", resp.Content[1].Text)
}

func TestMessagesWritesAnthropicSSE(t *testing.T) {
	srv := streamUpstream(t, `{"content":"Hi there"}`)
	defer srv.Close()
	c := newTestClient(nil, srv.URL)

	var buf bytes.Buffer
	err := c.Messages(context.Background(), freshCred(), chatReq(false), nil, fixedEstimator{read: 7, creation: 2, uncached: 1}, &buf)
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "event: message_start")
	require.Contains(t, out, `"cache_read_input_tokens":7`)
	require.Contains(t, out, "event: content_block_start")
	require.Contains(t, out, `"text":"Hi there"`)
	require.Contains(t, out, "event: content_block_stop")
	require.Contains(t, out, `"stop_reason":"end_turn"`)
	require.Contains(t, out, "event: message_stop")
}

func TestMessagesStreamsToolUseEvents(t *testing.T) {
	srv := streamUpstream(t,
		`{"content":"checking"}{"name":"get_weather","toolUseId":"t1","input":"{}"}{"stop":true}`)
	defer srv.Close()
	c := newTestClient(nil, srv.URL)

	var buf bytes.Buffer
	err := c.Messages(context.Background(), freshCred(), chatReq(false), nil, nil, &buf)
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, `"type":"tool_use"`)
	require.Contains(t, out, `"name":"get_weather"`)
	require.Contains(t, out, "input_json_delta")
	require.Contains(t, out, `"stop_reason":"tool_use"`)
}
