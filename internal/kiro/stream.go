package kiro

import (
	"bytes"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"aigateway-go/internal/constants"
)

// streamPrefixes are the JSON openings the scanner recognises inside the
// binary event-stream framing. Anything between them is framing noise.
var streamPrefixes = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"name":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
	[]byte(`{"followupPrompt":`),
	[]byte(`{"contextUsagePercentage":`),
}

// StreamParser incrementally extracts JSON payloads from the upstream
// event stream. Feed it raw chunks; it returns the events completed so far
// and keeps the unfinished tail buffered.
type StreamParser struct {
	buf         []byte
	lastContent string
}

// NewStreamParser returns an empty parser.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

type streamPayload struct {
	Content                *string          `json:"content"`
	Name                   *string          `json:"name"`
	ToolUseID              string           `json:"toolUseId"`
	Input                  *string          `json:"input"`
	Stop                   *bool            `json:"stop"`
	FollowupPrompt         *json.RawMessage `json:"followupPrompt"`
	ContextUsagePercentage *float64         `json:"contextUsagePercentage"`
}

// Feed appends data and returns every event completed by it. Malformed
// segments are skipped; an oversized buffer is dropped wholesale.
func (p *StreamParser) Feed(data []byte) []Event {
	p.buf = append(p.buf, data...)
	if len(p.buf) > constants.StreamBufferCap {
		log.Warnf("kiro stream: buffer exceeded %d bytes, dropping", constants.StreamBufferCap)
		p.buf = nil
		return nil
	}

	var events []Event
	for {
		start := p.nextPrefix()
		if start < 0 {
			// Keep a small tail in case a prefix is split across chunks.
			if len(p.buf) > 64 {
				p.buf = p.buf[len(p.buf)-64:]
			}
			return events
		}
		end := scanJSONObject(p.buf[start:])
		if end < 0 {
			// Incomplete object; wait for more bytes.
			p.buf = p.buf[start:]
			return events
		}
		segment := p.buf[start : start+end]
		p.buf = p.buf[start+end:]

		ev, ok := p.parseSegment(segment)
		if ok {
			events = append(events, ev)
		}
	}
}

// nextPrefix returns the earliest offset where any known prefix starts.
func (p *StreamParser) nextPrefix() int {
	best := -1
	for _, prefix := range streamPrefixes {
		if idx := bytes.Index(p.buf, prefix); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

func (p *StreamParser) parseSegment(segment []byte) (Event, bool) {
	var payload streamPayload
	if err := json.Unmarshal(segment, &payload); err != nil {
		log.Debugf("kiro stream: skipping malformed segment (%d bytes)", len(segment))
		return Event{}, false
	}

	switch {
	case payload.Name != nil:
		ev := Event{Type: EventToolUse, Name: *payload.Name, ToolUseID: payload.ToolUseID}
		if payload.Input != nil {
			ev.Input = *payload.Input
		}
		return ev, true
	case payload.Content != nil:
		text := *payload.Content
		if text == "" || text == p.lastContent {
			return Event{}, false
		}
		p.lastContent = text
		return Event{Type: EventContent, Text: text}, true
	case payload.Input != nil:
		return Event{Type: EventToolUseInput, Input: *payload.Input}, true
	case payload.Stop != nil:
		if !*payload.Stop {
			return Event{}, false
		}
		return Event{Type: EventToolUseStop}, true
	case payload.ContextUsagePercentage != nil:
		return Event{Type: EventContextUsage, ContextUsagePercentage: *payload.ContextUsagePercentage}, true
	case payload.FollowupPrompt != nil:
		// Advisory only; never forwarded.
		return Event{}, false
	}
	return Event{}, false
}

// scanJSONObject returns the length of the JSON object starting at buf[0],
// or -1 when it is not yet complete. Braces inside string literals and
// escaped quotes do not count.
func scanJSONObject(buf []byte) int {
	if len(buf) == 0 || buf[0] != '{' {
		return -1
	}
	depth := 0
	inString := false
	escaped := false
	for i, c := range buf {
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
