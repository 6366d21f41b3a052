package stream

import "io"

// NewAnthropicCoalescer translates a chat-protocol upstream stream into the
// Anthropic Messages event vocabulary.
func NewAnthropicCoalescer(src io.ReadCloser, opts Options) Sequence {
	return newCoalescer(src, newAnthropicEmitter(opts.InputTokens), opts)
}

// SynthesizeAnthropic replays a buffered reply as an Anthropic Messages
// event stream.
func SynthesizeAnthropic(f *Final, inputTokens int) Sequence {
	return synthesize(newAnthropicEmitter(inputTokens), f)
}

// anthropicEmitter produces the Messages sequence: message_start, then
// sequential content blocks (text first, tool_use blocks as calls arrive),
// each bracketed by content_block_start/content_block_stop, then
// message_delta with stop_reason and usage, then message_stop. Exactly one
// block is open at a time.
type anthropicEmitter struct {
	msgID       string
	model       string
	inputTokens int

	nextBlock  int
	textOpen   bool
	textBlock  int
	activeTool *toolCall
}

func newAnthropicEmitter(inputTokens int) *anthropicEmitter {
	return &anthropicEmitter{msgID: "msg_" + newID(), inputTokens: inputTokens}
}

func (e *anthropicEmitter) start(m *streamMeta) []draft {
	e.model = m.Model
	return []draft{{
		event: "message_start",
		data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.msgID,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         e.model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":  e.inputTokens,
					"output_tokens": 0,
				},
			},
		},
	}}
}

// closeActive stops whichever content block is open.
func (e *anthropicEmitter) closeActive() []draft {
	if e.textOpen {
		e.textOpen = false
		return []draft{blockStop(e.textBlock)}
	}
	if e.activeTool != nil {
		idx := e.activeTool.Block
		e.activeTool = nil
		return []draft{blockStop(idx)}
	}
	return nil
}

func blockStop(index int) draft {
	return draft{
		event: "content_block_stop",
		data:  map[string]any{"type": "content_block_stop", "index": index},
	}
}

func (e *anthropicEmitter) text(t string) []draft {
	var drafts []draft
	if e.activeTool != nil {
		drafts = append(drafts, e.closeActive()...)
	}
	if !e.textOpen {
		e.textOpen = true
		e.textBlock = e.nextBlock
		e.nextBlock++
		drafts = append(drafts, draft{
			event: "content_block_start",
			data: map[string]any{
				"type":          "content_block_start",
				"index":         e.textBlock,
				"content_block": map[string]any{"type": "text", "text": ""},
			},
		})
	}
	drafts = append(drafts, draft{
		event: "content_block_delta",
		data: map[string]any{
			"type":  "content_block_delta",
			"index": e.textBlock,
			"delta": map[string]any{"type": "text_delta", "text": t},
		},
	})
	return drafts
}

func (e *anthropicEmitter) toolAdded(tc *toolCall) []draft {
	drafts := e.closeActive()
	tc.Block = e.nextBlock
	e.nextBlock++
	e.activeTool = tc
	drafts = append(drafts, draft{
		event: "content_block_start",
		data: map[string]any{
			"type":  "content_block_start",
			"index": tc.Block,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  tc.Name,
				"input": map[string]any{},
			},
		},
	})
	return drafts
}

func (e *anthropicEmitter) toolDelta(tc *toolCall, chunk string) []draft {
	return []draft{{
		event: "content_block_delta",
		data: map[string]any{
			"type":  "content_block_delta",
			"index": tc.Block,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": chunk},
		},
	}}
}

func (e *anthropicEmitter) finish(reason string, usage *Usage, tools []*toolCall, text string) []draft {
	drafts := e.closeActive()

	outputTokens := 0
	if usage != nil {
		outputTokens = usage.CompletionTokens
	}
	drafts = append(drafts,
		draft{
			event: "message_delta",
			data: map[string]any{
				"type": "message_delta",
				"delta": map[string]any{
					"stop_reason":   MapFinishToAnthropic(reason),
					"stop_sequence": nil,
				},
				"usage": map[string]any{"output_tokens": outputTokens},
			},
		},
		draft{
			event: "message_stop",
			data:  map[string]any{"type": "message_stop"},
		},
	)
	return drafts
}

func (e *anthropicEmitter) fail(code, typ, message string) []draft {
	if typ == "" {
		typ = "upstream_error"
	}
	drafts := e.closeActive()
	drafts = append(drafts, draft{
		event: "message_stop",
		data: map[string]any{
			"type":  "message_stop",
			"error": map[string]any{"type": typ, "message": message},
		},
	})
	return drafts
}

// MapFinishToAnthropic maps a chat finish_reason onto Anthropic stop_reason
// vocabulary. Unknown reasons pass through.
func MapFinishToAnthropic(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "stop", "":
		return "end_turn"
	}
	return reason
}

// MapAnthropicStopToChat is the reverse mapping, used when draining an
// anthropic-protocol upstream into the neutral buffered form.
func MapAnthropicStopToChat(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	}
	return reason
}
