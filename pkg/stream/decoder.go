// Package stream decodes the agent's newline-delimited JSON stdout into
// typed protocol.StreamEvents.
//
// Chunk boundaries never need to align with record boundaries: the Decoder
// buffers partial lines between Feed calls. A line that is not a JSON object
// is forwarded verbatim as an unparsed event, never dropped.
package stream

import (
	"bytes"
	"encoding/json"
	"time"

	"pilot/pkg/pricing"
	"pilot/pkg/protocol"
	"pilot/pkg/session"
)

// Decoder is not safe for concurrent use. The supervisor owns one per turn
// and feeds it from a single read loop.
type Decoder struct {
	buf     []byte
	session *session.Session
	pricing pricing.Table
	model   string

	// lastUsageID de-duplicates usage repeated across the content blocks
	// of one assistant message.
	lastUsageID string
}

// NewDecoder creates a Decoder that records session ids and usage on s.
// model selects the pricing tier until the agent's init record names one.
func NewDecoder(s *session.Session, table pricing.Table, model string) *Decoder {
	return &Decoder{session: s, pricing: table, model: model}
}

// Feed appends chunk to the buffer and returns the events of every complete
// line it now holds, in order.
func (d *Decoder) Feed(chunk []byte) []protocol.StreamEvent {
	d.buf = append(d.buf, chunk...)

	var events []protocol.StreamEvent
	consumed := 0
	for {
		i := bytes.IndexByte(d.buf[consumed:], '\n')
		if i < 0 {
			break
		}
		events = append(events, d.decodeLine(d.buf[consumed:consumed+i])...)
		consumed += i + 1
	}
	if consumed > 0 {
		d.buf = append([]byte(nil), d.buf[consumed:]...)
	}
	return events
}

// Flush decodes a trailing line that was never newline-terminated. Call it
// once the agent's stdout reaches EOF.
func (d *Decoder) Flush() []protocol.StreamEvent {
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	return d.decodeLine(line)
}

// Model returns the model used for pricing.
func (d *Decoder) Model() string {
	return d.model
}

func (d *Decoder) decodeLine(received []byte) []protocol.StreamEvent {
	line := bytes.TrimSuffix(received, []byte("\r"))
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil || obj == nil {
		// Unparsed output is forwarded byte for byte, "\r" included.
		return []protocol.StreamEvent{{Kind: protocol.EventUnparsed, RawLine: string(received)}}
	}

	raw := json.RawMessage(string(line))
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		// Valid object with unexpected field types: forward untouched.
		return []protocol.StreamEvent{opaque(obj, raw)}
	}

	switch rec.Type {
	case "system":
		if rec.Subtype == "init" {
			return []protocol.StreamEvent{d.systemInit(rec, raw)}
		}
	case "text":
		return []protocol.StreamEvent{{Kind: protocol.EventText, Body: rec.Text, Raw: raw}}
	case "usage":
		if rec.Usage != nil {
			return []protocol.StreamEvent{d.usage(*rec.Usage, raw)}
		}
	case "assistant":
		if rec.Message != nil {
			return d.assistant(*rec.Message, raw)
		}
	case "user":
		if rec.Message != nil {
			return toolResults(*rec.Message, raw)
		}
	case "tool_result":
		return []protocol.StreamEvent{{
			Kind:      protocol.EventToolResult,
			ToolUseID: rec.ToolUseID,
			Content:   contentText(rec.Content),
			IsError:   rec.IsError,
			Raw:       raw,
		}}
	case "result":
		return []protocol.StreamEvent{d.result(rec, raw)}
	}
	return []protocol.StreamEvent{opaque(obj, raw)}
}

func (d *Decoder) systemInit(rec record, raw json.RawMessage) protocol.StreamEvent {
	d.session.SetID(rec.SessionID)
	if rec.Model != "" {
		d.model = rec.Model
	}
	return protocol.StreamEvent{
		Kind:       protocol.EventSystemInit,
		SessionID:  rec.SessionID,
		Model:      rec.Model,
		Tools:      names(rec.Tools),
		MCPServers: names(rec.MCPServers),
		Raw:        raw,
	}
}

func (d *Decoder) usage(r usageRecord, raw json.RawMessage) protocol.StreamEvent {
	u := protocol.Usage{
		InputTokens:         r.InputTokens,
		OutputTokens:        r.OutputTokens,
		CacheCreationTokens: r.CacheCreationInputTokens,
		CacheReadTokens:     r.CacheReadInputTokens,
	}
	u.Cost = pricing.Cost(u, d.pricing.Lookup(d.model))
	totals := d.session.AddUsage(u)
	return protocol.StreamEvent{Kind: protocol.EventUsage, Usage: &u, Totals: &totals, Raw: raw}
}

func (d *Decoder) assistant(msg messageRecord, raw json.RawMessage) []protocol.StreamEvent {
	var events []protocol.StreamEvent
	for _, block := range msg.blocks() {
		switch block.Type {
		case "text":
			events = append(events, protocol.StreamEvent{Kind: protocol.EventText, Body: block.Text, Raw: raw})
		case "thinking":
			events = append(events, protocol.StreamEvent{Kind: protocol.EventText, Body: block.Thinking, Thinking: true, Raw: raw})
		case "tool_use":
			events = append(events, protocol.StreamEvent{
				Kind:      protocol.EventToolUse,
				ToolName:  block.Name,
				ToolUseID: block.ID,
				Input:     block.Input,
				Raw:       raw,
			})
		}
	}

	if msg.Usage != nil && (msg.ID == "" || msg.ID != d.lastUsageID) {
		d.lastUsageID = msg.ID
		events = append(events, d.usage(*msg.Usage, raw))
	}
	return events
}

func (d *Decoder) result(rec record, raw json.RawMessage) protocol.StreamEvent {
	d.session.SetID(rec.SessionID)
	totals := d.session.AddRequest()
	return protocol.StreamEvent{
		Kind:         protocol.EventResult,
		SessionID:    rec.SessionID,
		Content:      rec.Result,
		IsError:      rec.IsError,
		ReportedCost: rec.TotalCostUSD,
		Duration:     time.Duration(rec.DurationMS) * time.Millisecond,
		Totals:       &totals,
		Raw:          raw,
	}
}

func toolResults(msg messageRecord, raw json.RawMessage) []protocol.StreamEvent {
	var events []protocol.StreamEvent
	for _, block := range msg.blocks() {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, protocol.StreamEvent{
			Kind:      protocol.EventToolResult,
			ToolUseID: block.ToolUseID,
			Content:   contentText(block.Content),
			IsError:   block.IsError,
			Raw:       raw,
		})
	}
	if len(events) == 0 {
		// User echo without tool results; keep it visible as an opaque event.
		return []protocol.StreamEvent{{Kind: protocol.EventToolUse, ToolName: "user", Raw: raw}}
	}
	return events
}

// opaque forwards a structured record the decoder does not interpret.
func opaque(obj map[string]json.RawMessage, raw json.RawMessage) protocol.StreamEvent {
	ev := protocol.StreamEvent{Kind: protocol.EventToolUse, Raw: raw}
	for _, key := range []string{"tool_name", "name", "type"} {
		var s string
		if v, ok := obj[key]; ok && json.Unmarshal(v, &s) == nil && s != "" {
			ev.ToolName = s
			break
		}
	}
	if in, ok := obj["input"]; ok {
		ev.Input = in
	}
	return ev
}
