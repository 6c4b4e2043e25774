package kiro

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"aigateway-go/internal/constants"
	"aigateway-go/internal/pool"
)

// block is the decoded form of one Anthropic content block. Only the fields
// the rewriter touches are typed; everything else rides along in raw form.
type block struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	Source       json.RawMessage `json:"source,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type normMessage struct {
	Role   string
	Blocks []block
}

// 上游 conversationState 线格式
type toolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type kiroTool struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolResultEntry struct {
	ToolUseID string            `json:"toolUseId"`
	Content   []json.RawMessage `json:"content"`
	Status    string            `json:"status"`
}

type userInputMessageContext struct {
	Tools       []kiroTool        `json:"tools,omitempty"`
	ToolResults []toolResultEntry `json:"toolResults,omitempty"`
}

type userInputMessage struct {
	Content string                   `json:"content"`
	ModelID string                   `json:"modelId"`
	Origin  string                   `json:"origin"`
	Images  []json.RawMessage        `json:"images,omitempty"`
	Context *userInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type assistantToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type assistantResponseMessage struct {
	Content  string             `json:"content"`
	ToolUses []assistantToolUse `json:"toolUses,omitempty"`
}

type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type conversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  historyEntry   `json:"currentMessage"`
	History         []historyEntry `json:"history,omitempty"`
}

type kiroRequest struct {
	ConversationState conversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// BuildRequestBody translates an Anthropic-shaped request into the Kiro
// conversationState wire format, applying the full rewrite pipeline.
func BuildRequestBody(req *Request, cred *pool.Credential) ([]byte, error) {
	msgs, err := normalizeMessages(req)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("request has no usable messages")
	}

	modelID := MapModelID(req.Model)
	tools := buildTools(req.Tools)

	// The terminal message must be user-role upstream. A trailing assistant
	// turn joins the history and a synthetic Continue takes its place.
	var current normMessage
	var history []normMessage
	if msgs[len(msgs)-1].Role == "assistant" {
		history = msgs
		current = normMessage{Role: "user", Blocks: []block{{Type: "text", Text: "Continue"}}}
	} else {
		history = msgs[:len(msgs)-1]
		current = msgs[len(msgs)-1]
	}
	if len(history) > 0 && history[len(history)-1].Role != "assistant" {
		history = append(history, normMessage{Role: "assistant", Blocks: []block{{Type: "text", Text: "Continue"}}})
	}

	entries := make([]historyEntry, 0, len(history))
	for i, m := range history {
		keepImages := len(history)-i <= constants.ImageRetentionWindow
		if m.Role == "assistant" {
			entries = append(entries, historyEntry{AssistantResponseMessage: buildAssistantEntry(m)})
		} else {
			entries = append(entries, historyEntry{UserInputMessage: buildUserEntry(m, modelID, nil, keepImages)})
		}
	}

	state := conversationState{
		ChatTriggerType: "MANUAL",
		ConversationID:  uuid.New().String(),
		CurrentMessage:  historyEntry{UserInputMessage: buildUserEntry(current, modelID, tools, true)},
		History:         entries,
	}

	out := kiroRequest{ConversationState: state}
	if cred != nil && cred.AuthMethod != "idc" {
		out.ProfileArn = cred.ProfileArn
	}
	return json.Marshal(out)
}

// normalizeMessages runs the order-sensitive rewrite rules: decode, drop the
// trailing "{" continuation artifact, merge adjacent same-role turns, fold the
// system prompt in, collapse assistant thinking blocks, and dedupe tool
// results.
func normalizeMessages(req *Request) ([]normMessage, error) {
	msgs := make([]normMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		blocks, err := decodeBlocks(m.Content)
		if err != nil {
			return nil, fmt.Errorf("message content invalid: %w", err)
		}
		msgs = append(msgs, normMessage{Role: m.Role, Blocks: blocks})
	}

	// Some clients append an assistant turn whose whole content is "{" to
	// request continuation; upstream treats it as garbage.
	if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" && soleText(msgs[n-1].Blocks) == "{" {
		msgs = msgs[:n-1]
	}

	msgs = mergeAdjacent(msgs)

	if sys := systemText(req.System); sys != "" {
		if len(msgs) > 0 && msgs[0].Role == "user" {
			msgs[0].Blocks = append([]block{{Type: "text", Text: sys + "\n\n"}}, msgs[0].Blocks...)
		} else {
			msgs = append([]normMessage{{Role: "user", Blocks: []block{{Type: "text", Text: sys}}}}, msgs...)
		}
	}

	for i := range msgs {
		if msgs[i].Role == "assistant" {
			msgs[i].Blocks = collapseThinking(msgs[i].Blocks)
		} else {
			msgs[i].Blocks = dedupeToolResults(msgs[i].Blocks)
		}
	}
	return msgs, nil
}

func decodeBlocks(raw json.RawMessage) ([]block, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []block{{Type: "text", Text: s}}, nil
	}
	var blocks []block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func soleText(blocks []block) string {
	if len(blocks) != 1 || blocks[0].Type != "text" {
		return ""
	}
	return strings.TrimSpace(blocks[0].Text)
}

// mergeAdjacent joins consecutive same-role messages. Touching text blocks
// are joined with a newline; everything else concatenates.
func mergeAdjacent(msgs []normMessage) []normMessage {
	if len(msgs) < 2 {
		return msgs
	}
	out := msgs[:1]
	for _, m := range msgs[1:] {
		prev := &out[len(out)-1]
		if m.Role != prev.Role {
			out = append(out, m)
			continue
		}
		if n := len(prev.Blocks); n > 0 && len(m.Blocks) > 0 &&
			prev.Blocks[n-1].Type == "text" && m.Blocks[0].Type == "text" {
			prev.Blocks[n-1].Text += "\n" + m.Blocks[0].Text
			prev.Blocks = append(prev.Blocks, m.Blocks[1:]...)
		} else {
			prev.Blocks = append(prev.Blocks, m.Blocks...)
		}
	}
	return out
}

func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// collapseThinking rewrites assistant thinking blocks as tagged text so the
// upstream sees plain content. tool_use blocks pass through untouched.
func collapseThinking(blocks []block) []block {
	out := make([]block, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "thinking" {
			if b.Thinking == "" {
				continue
			}
			out = append(out, block{Type: "text", Text: "<thinking>" + b.Thinking + "</thinking>"})
			continue
		}
		out = append(out, b)
	}
	return out
}

// dedupeToolResults keeps only the first tool_result per tool_use_id inside a
// message; the upstream rejects duplicates.
func dedupeToolResults(blocks []block) []block {
	seen := make(map[string]bool)
	out := blocks[:0]
	for _, b := range blocks {
		if b.Type == "tool_result" && b.ToolUseID != "" {
			if seen[b.ToolUseID] {
				continue
			}
			seen[b.ToolUseID] = true
		}
		out = append(out, b)
	}
	return out
}

// buildTools converts Anthropic tool definitions, dropping web-search tools
// and truncating oversized descriptions.
func buildTools(raw []json.RawMessage) []kiroTool {
	if len(raw) == 0 {
		return nil
	}
	out := make([]kiroTool, 0, len(raw))
	for _, r := range raw {
		var t struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"input_schema"`
		}
		if err := json.Unmarshal(r, &t); err != nil || t.Name == "" {
			log.Debug("kiro: skipping unparseable tool definition")
			continue
		}
		switch strings.ToLower(t.Name) {
		case "web_search", "websearch":
			continue
		}
		if len(t.Description) > constants.MaxToolDescriptionLength {
			t.Description = t.Description[:constants.MaxToolDescriptionLength] + "..."
		}
		schema := t.InputSchema
		if len(schema) > 0 {
			wrapped, err := json.Marshal(map[string]json.RawMessage{"json": schema})
			if err == nil {
				schema = wrapped
			}
		}
		out = append(out, kiroTool{ToolSpecification: toolSpecification{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}})
	}
	return out
}

// buildUserEntry flattens a user turn. Images outside the retention window are
// replaced with a textual placeholder to cap payload growth.
func buildUserEntry(m normMessage, modelID string, tools []kiroTool, keepImages bool) *userInputMessage {
	var texts []string
	var images []json.RawMessage
	var results []toolResultEntry
	elided := 0

	for _, b := range m.Blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case "image":
			if keepImages && len(b.Source) > 0 {
				img, err := json.Marshal(map[string]json.RawMessage{"source": b.Source})
				if err == nil {
					images = append(images, img)
					continue
				}
			}
			elided++
		case "tool_result":
			results = append(results, buildToolResult(b))
		}
	}
	if elided > 0 {
		texts = append(texts, fmt.Sprintf("[此消息包含 %d 张图片，已在历史记录中省略]", elided))
	}

	msg := &userInputMessage{
		Content: strings.Join(texts, ""),
		ModelID: modelID,
		Origin:  "AI_EDITOR",
		Images:  images,
	}
	if len(tools) > 0 || len(results) > 0 {
		msg.Context = &userInputMessageContext{Tools: tools, ToolResults: results}
	}
	return msg
}

func buildToolResult(b block) toolResultEntry {
	entry := toolResultEntry{ToolUseID: b.ToolUseID, Status: "success"}
	if len(b.Content) == 0 {
		return entry
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		part, _ := json.Marshal(map[string]string{"text": s})
		entry.Content = []json.RawMessage{part}
		return entry
	}
	var inner []block
	if err := json.Unmarshal(b.Content, &inner); err == nil {
		for _, ib := range inner {
			if ib.Type == "text" && ib.Text != "" {
				part, _ := json.Marshal(map[string]string{"text": ib.Text})
				entry.Content = append(entry.Content, part)
			}
		}
		return entry
	}
	part, _ := json.Marshal(map[string]json.RawMessage{"json": b.Content})
	entry.Content = []json.RawMessage{part}
	return entry
}

func buildAssistantEntry(m normMessage) *assistantResponseMessage {
	var texts []string
	var uses []assistantToolUse
	for _, b := range m.Blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case "tool_use":
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			uses = append(uses, assistantToolUse{ToolUseID: b.ID, Name: b.Name, Input: input})
		}
	}
	return &assistantResponseMessage{Content: strings.Join(texts, ""), ToolUses: uses}
}
