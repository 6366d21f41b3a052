package stream

import "io"

// NewResponsesCoalescer translates a chat-protocol upstream stream into the
// Responses event vocabulary.
func NewResponsesCoalescer(src io.ReadCloser, opts Options) Sequence {
	return newCoalescer(src, newResponsesEmitter(), opts)
}

// SynthesizeResponses replays a buffered reply as a Responses event stream.
func SynthesizeResponses(f *Final) Sequence {
	return synthesize(newResponsesEmitter(), f)
}

// responsesEmitter produces the Responses sequence: response.created once,
// output_text deltas at output index 0, an added/delta*/done chain per
// function call at output index 1+n, then output_text.done and
// response.completed.
type responsesEmitter struct {
	respID    string
	msgItemID string
	model     string
	createdAt int64
}

func newResponsesEmitter() *responsesEmitter {
	return &responsesEmitter{msgItemID: "msg_" + newID()}
}

func (e *responsesEmitter) start(m *streamMeta) []draft {
	e.respID = m.ID
	if e.respID == "" {
		e.respID = "resp_" + newID()
	}
	e.model = m.Model
	e.createdAt = m.Created
	return []draft{{
		event: "response.created",
		data: map[string]any{
			"type": "response.created",
			"response": map[string]any{
				"id":         e.respID,
				"object":     "response",
				"created_at": e.createdAt,
				"model":      e.model,
				"status":     "in_progress",
			},
		},
	}}
}

func (e *responsesEmitter) text(t string) []draft {
	return []draft{{
		event: "response.output_text.delta",
		data: map[string]any{
			"type":          "response.output_text.delta",
			"item_id":       e.msgItemID,
			"output_index":  0,
			"content_index": 0,
			"delta":         t,
		},
	}}
}

func (e *responsesEmitter) toolAdded(tc *toolCall) []draft {
	tc.ItemID = "fc_" + newID()
	return []draft{{
		event: "response.output_item.added",
		data: map[string]any{
			"type":         "response.output_item.added",
			"output_index": tc.Index + 1,
			"item": map[string]any{
				"type":      "function_call",
				"id":        tc.ItemID,
				"call_id":   tc.ID,
				"name":      tc.Name,
				"arguments": "",
				"status":    "in_progress",
			},
		},
	}}
}

func (e *responsesEmitter) toolDelta(tc *toolCall, chunk string) []draft {
	return []draft{{
		event: "response.function_call_arguments.delta",
		data: map[string]any{
			"type":         "response.function_call_arguments.delta",
			"item_id":      tc.ItemID,
			"output_index": tc.Index + 1,
			"delta":        chunk,
		},
	}}
}

func (e *responsesEmitter) finish(reason string, usage *Usage, tools []*toolCall, text string) []draft {
	var drafts []draft
	for _, tc := range tools {
		args := tc.Args.String()
		drafts = append(drafts,
			draft{
				event: "response.function_call_arguments.done",
				data: map[string]any{
					"type":         "response.function_call_arguments.done",
					"item_id":      tc.ItemID,
					"output_index": tc.Index + 1,
					"arguments":    args,
				},
			},
			draft{
				event: "response.output_item.done",
				data: map[string]any{
					"type":         "response.output_item.done",
					"output_index": tc.Index + 1,
					"item": map[string]any{
						"type":      "function_call",
						"id":        tc.ItemID,
						"call_id":   tc.ID,
						"name":      tc.Name,
						"arguments": args,
						"status":    "completed",
					},
				},
			},
		)
	}

	drafts = append(drafts, draft{
		event: "response.output_text.done",
		data: map[string]any{
			"type":          "response.output_text.done",
			"item_id":       e.msgItemID,
			"output_index":  0,
			"content_index": 0,
			"text":          text,
		},
	})

	resp := map[string]any{
		"id":            e.respID,
		"object":        "response",
		"created_at":    e.createdAt,
		"model":         e.model,
		"status":        "completed",
		"finish_reason": MapFinishToResponses(reason),
		"output":        e.finalOutput(text, tools),
	}
	if usage != nil {
		resp["usage"] = map[string]any{
			"input_tokens":  usage.PromptTokens,
			"output_tokens": usage.CompletionTokens,
			"total_tokens":  usage.TotalTokens,
		}
	}
	drafts = append(drafts, draft{
		event: "response.completed",
		data:  map[string]any{"type": "response.completed", "response": resp},
	})
	return drafts
}

func (e *responsesEmitter) finalOutput(text string, tools []*toolCall) []any {
	out := []any{}
	if text != "" {
		out = append(out, map[string]any{
			"type":   "message",
			"id":     e.msgItemID,
			"role":   "assistant",
			"status": "completed",
			"content": []any{
				map[string]any{"type": "output_text", "text": text},
			},
		})
	}
	for _, tc := range tools {
		out = append(out, map[string]any{
			"type":      "function_call",
			"id":        tc.ItemID,
			"call_id":   tc.ID,
			"name":      tc.Name,
			"arguments": tc.Args.String(),
			"status":    "completed",
		})
	}
	return out
}

func (e *responsesEmitter) fail(code, typ, message string) []draft {
	if code == "" {
		code = "stream_error"
	}
	if typ == "" {
		typ = "upstream_error"
	}
	return []draft{{
		event: "response.error",
		data: map[string]any{
			"type":       "response.error",
			"code":       code,
			"error_type": typ,
			"message":    message,
		},
	}}
}

// MapFinishToResponses maps a chat finish_reason onto the Responses
// vocabulary. Unknown reasons pass through.
func MapFinishToResponses(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_calls"
	case "":
		return "stop"
	}
	return reason
}
