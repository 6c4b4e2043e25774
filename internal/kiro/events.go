package kiro

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// UsageSplit is the token accounting carried on message_start/message_delta.
type UsageSplit struct {
	InputTokens         int `json:"input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	OutputTokens        int `json:"output_tokens"`
}

// anthropicStream writes Anthropic-compatible SSE frames and tracks the open
// content block so callers only push deltas.
type anthropicStream struct {
	w         io.Writer
	flusher   http.Flusher
	messageID string
	model     string

	nextIndex int
	openIndex int
	openType  string
	sawTool   bool
	output    int // rough output token count
}

func newAnthropicStream(w io.Writer, model string) *anthropicStream {
	s := &anthropicStream{
		w:         w,
		messageID: "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		model:     model,
		openIndex: -1,
	}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

func (s *anthropicStream) emit(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *anthropicStream) MessageStart(usage UsageSplit) error {
	return s.emit("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            s.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         s.model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	})
}

// ensureBlock opens a content block of the wanted type, closing the current
// one first. start is the content_block payload minus the type key.
func (s *anthropicStream) ensureBlock(blockType string, start map[string]interface{}) error {
	if s.openType == blockType && blockType != "tool_use" {
		return nil
	}
	if err := s.CloseBlock(); err != nil {
		return err
	}
	blk := map[string]interface{}{"type": blockType}
	for k, v := range start {
		blk[k] = v
	}
	s.openIndex = s.nextIndex
	s.nextIndex++
	s.openType = blockType
	return s.emit("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         s.openIndex,
		"content_block": blk,
	})
}

func (s *anthropicStream) CloseBlock() error {
	if s.openIndex < 0 {
		return nil
	}
	idx := s.openIndex
	s.openIndex = -1
	s.openType = ""
	return s.emit("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": idx,
	})
}

func (s *anthropicStream) Text(text string) error {
	if text == "" {
		return nil
	}
	if err := s.ensureBlock("text", map[string]interface{}{"text": ""}); err != nil {
		return err
	}
	s.output += estimateTokens(text)
	return s.emit("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": s.openIndex,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
}

func (s *anthropicStream) Thinking(text string) error {
	if text == "" {
		return nil
	}
	if err := s.ensureBlock("thinking", map[string]interface{}{"thinking": ""}); err != nil {
		return err
	}
	s.output += estimateTokens(text)
	return s.emit("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": s.openIndex,
		"delta": map[string]string{"type": "thinking_delta", "thinking": text},
	})
}

func (s *anthropicStream) ToolUseStart(id, name string) error {
	s.sawTool = true
	if id == "" {
		id = "toolu_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	return s.ensureBlock("tool_use", map[string]interface{}{
		"id":    id,
		"name":  name,
		"input": map[string]interface{}{},
	})
}

func (s *anthropicStream) ToolUseInput(partial string) error {
	if partial == "" || s.openType != "tool_use" {
		return nil
	}
	s.output += estimateTokens(partial)
	return s.emit("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": s.openIndex,
		"delta": map[string]string{"type": "input_json_delta", "partial_json": partial},
	})
}

// ToolUse emits a complete recovered call as one start/delta/stop triple.
func (s *anthropicStream) ToolUse(call RecoveredToolCall) error {
	if err := s.ToolUseStart(call.ID, call.Name); err != nil {
		return err
	}
	if err := s.ToolUseInput(string(call.Input)); err != nil {
		return err
	}
	return s.CloseBlock()
}

func (s *anthropicStream) Finish(usage UsageSplit) error {
	if err := s.CloseBlock(); err != nil {
		return err
	}
	stopReason := "end_turn"
	if s.sawTool {
		stopReason = "tool_use"
	}
	usage.OutputTokens = s.output
	if err := s.emit("message_delta", map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": usage,
	}); err != nil {
		return err
	}
	return s.emit("message_stop", map[string]interface{}{"type": "message_stop"})
}
