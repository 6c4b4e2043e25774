package kiro

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"aigateway-go/internal/constants"
	"aigateway-go/internal/pool"
)

// CacheEstimator produces the prompt-cache split for a raw request body.
type CacheEstimator interface {
	Estimate(accountID string, rawRequest []byte) (cacheRead, cacheCreation, uncached int)
}

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

// Messages executes one chat request and writes the Anthropic SSE event
// stream to w. raw is the original request body, used for cache estimation.
func (c *Client) Messages(ctx context.Context, cred *pool.Credential, req *Request, raw []byte, est CacheEstimator, w io.Writer) error {
	var usage UsageSplit
	if est != nil {
		read, creation, uncached := est.Estimate(cred.UUID, raw)
		usage = UsageSplit{
			InputTokens:         uncached,
			CacheReadTokens:     read,
			CacheCreationTokens: creation,
		}
	}

	body, err := BuildRequestBody(req, cred)
	if err != nil {
		return err
	}
	upstream, err := c.Execute(ctx, cred, req.Model, body)
	if err != nil {
		return err
	}
	defer func() { _ = upstream.Close() }()

	out := newAnthropicStream(w, req.Model)
	if err := out.MessageStart(usage); err != nil {
		return err
	}

	parser := NewStreamParser()
	thinkingOn := req.Thinking != nil && req.Thinking.Type == "enabled"
	var splitter ThinkingSplitter
	var scanner ToolCallScanner

	emitText := func(text string) error {
		plain, calls := scanner.Feed(text)
		if err := out.Text(plain); err != nil {
			return err
		}
		for _, call := range calls {
			if err := out.ToolUse(call); err != nil {
				return err
			}
		}
		return nil
	}

	handle := func(ev Event) error {
		switch ev.Type {
		case EventContent:
			if !thinkingOn {
				return emitText(ev.Text)
			}
			for _, ch := range splitter.Feed(ev.Text) {
				if ch.Thinking {
					if err := out.Thinking(ch.Text); err != nil {
						return err
					}
				} else if err := emitText(ch.Text); err != nil {
					return err
				}
			}
			return nil
		case EventToolUse:
			if err := out.ToolUseStart(ev.ToolUseID, ev.Name); err != nil {
				return err
			}
			return out.ToolUseInput(ev.Input)
		case EventToolUseInput:
			return out.ToolUseInput(ev.Input)
		case EventToolUseStop:
			return out.CloseBlock()
		case EventContextUsage:
			log.Debugf("kiro: context usage %.1f%%", ev.ContextUsagePercentage)
		}
		return nil
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := upstream.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if err := handle(ev); err != nil {
					return err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Whatever parsed so far still reaches the caller.
			log.WithError(rerr).Warn("kiro: upstream stream ended early")
			break
		}
	}

	if thinkingOn {
		for _, ch := range splitter.Close() {
			if ch.Thinking {
				if err := out.Thinking(ch.Text); err != nil {
					return err
				}
			} else if err := emitText(ch.Text); err != nil {
				return err
			}
		}
	}
	if tail := scanner.Close(); tail != "" {
		if err := out.Text(tail); err != nil {
			return err
		}
	}

	return out.Finish(usage)
}

// ResponseBlock is one content block of an aggregated (non-stream) answer.
type ResponseBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Response is the aggregated Anthropic message for non-stream callers.
type Response struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	Content    []ResponseBlock `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      UsageSplit      `json:"usage"`
}

// Complete executes one chat request and aggregates the stream into a single
// Anthropic message.
func (c *Client) Complete(ctx context.Context, cred *pool.Credential, req *Request, raw []byte, est CacheEstimator) (*Response, error) {
	var usage UsageSplit
	if est != nil {
		read, creation, uncached := est.Estimate(cred.UUID, raw)
		usage = UsageSplit{
			InputTokens:         uncached,
			CacheReadTokens:     read,
			CacheCreationTokens: creation,
		}
	}

	body, err := BuildRequestBody(req, cred)
	if err != nil {
		return nil, err
	}
	upstream, err := c.Execute(ctx, cred, req.Model, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = upstream.Close() }()

	parser := NewStreamParser()
	var text strings.Builder
	var tools []ResponseBlock
	var toolInput strings.Builder
	var pendingTool *ResponseBlock

	finishTool := func() {
		if pendingTool == nil {
			return
		}
		input := strings.TrimSpace(toolInput.String())
		if input == "" {
			input = "{}"
		}
		if repaired := repairJSON(input); json.Valid([]byte(repaired)) {
			input = repaired
		} else {
			input = "{}"
		}
		pendingTool.Input = json.RawMessage(input)
		tools = append(tools, *pendingTool)
		pendingTool = nil
		toolInput.Reset()
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := upstream.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				switch ev.Type {
				case EventContent:
					text.WriteString(ev.Text)
				case EventToolUse:
					finishTool()
					id := ev.ToolUseID
					if id == "" {
						id = "toolu_" + strings.ReplaceAll(uuid.New().String(), "-", "")
					}
					pendingTool = &ResponseBlock{Type: "tool_use", ID: id, Name: ev.Name}
					toolInput.WriteString(ev.Input)
				case EventToolUseInput:
					toolInput.WriteString(ev.Input)
				case EventToolUseStop:
					finishTool()
				}
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				log.WithError(rerr).Warn("kiro: upstream stream ended early")
			}
			break
		}
	}
	finishTool()

	full := text.String()
	plain, recovered := RecoverToolCalls(full)

	resp := &Response{
		ID:    "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Type:  "message",
		Role:  "assistant",
		Model: req.Model,
		Usage: usage,
	}

	thinkingOn := req.Thinking != nil && req.Thinking.Type == "enabled"
	if thinkingOn {
		var sp ThinkingSplitter
		chunks := append(sp.Feed(plain), sp.Close()...)
		for _, ch := range chunks {
			if ch.Thinking {
				resp.Content = append(resp.Content, ResponseBlock{Type: "thinking", Thinking: ch.Text})
			} else if ch.Text != "" {
				resp.Content = append(resp.Content, ResponseBlock{Type: "text", Text: ch.Text})
			}
		}
	} else if plain != "" {
		resp.Content = append(resp.Content, ResponseBlock{Type: "text", Text: plain})
	}
	for _, call := range recovered {
		resp.Content = append(resp.Content, ResponseBlock{Type: "tool_use", ID: call.ID, Name: call.Name, Input: call.Input})
	}
	resp.Content = append(resp.Content, tools...)

	resp.StopReason = "end_turn"
	if len(tools) > 0 || len(recovered) > 0 {
		resp.StopReason = "tool_use"
	}
	resp.Usage.OutputTokens = estimateTokens(full)
	return resp, nil
}
