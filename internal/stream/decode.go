package stream

import (
	"encoding/json"
	"fmt"
)

// Terminator is the sentinel data payload closing an OpenAI-style SSE stream.
const Terminator = "[DONE]"

// Usage mirrors the token accounting block of an upstream reply.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCallDelta is one fragment of a streamed function call, identified by its
// position in the upstream choice.
type ToolCallDelta struct {
	Index int
	ID    string
	Name  string
	Args  string
}

// ChatChunk is the subset of a chat.completion.chunk payload the runtime
// reads. Only choice 0 is considered.
type ChatChunk struct {
	ID           string
	Created      int64
	Model        string
	Text         string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Usage        *Usage
	ErrType      string
	ErrCode      string
	ErrMessage   string
}

// Err reports whether the chunk carried an inline error object instead of a
// delta.
func (c *ChatChunk) Err() bool { return c.ErrMessage != "" || c.ErrType != "" }

type chatChunkWire struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeChatChunk parses one chat.completion.chunk data payload. The caller
// is expected to have filtered out the [DONE] terminator.
func DecodeChatChunk(data string) (*ChatChunk, error) {
	var wire chatChunkWire
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		return nil, fmt.Errorf("decoding chat chunk: %w", err)
	}

	chunk := &ChatChunk{
		ID:      wire.ID,
		Created: wire.Created,
		Model:   wire.Model,
		Usage:   wire.Usage,
	}
	if wire.Error != nil {
		chunk.ErrType = wire.Error.Type
		chunk.ErrCode = wire.Error.Code
		chunk.ErrMessage = wire.Error.Message
		return chunk, nil
	}
	if len(wire.Choices) == 0 {
		return chunk, nil
	}

	choice := wire.Choices[0]
	chunk.Text = choice.Delta.Content
	if choice.FinishReason != nil {
		chunk.FinishReason = *choice.FinishReason
	}
	for i, tc := range choice.Delta.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
			Index: idx,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Args:  tc.Function.Arguments,
		})
	}
	return chunk, nil
}

// AnthropicEvent is the subset of an Anthropic Messages stream event the
// runtime reads when draining an anthropic-protocol upstream.
type AnthropicEvent struct {
	Type         string
	MessageID    string
	Model        string
	InputTokens  int
	OutputTokens int
	Index        int
	BlockType    string // "text" or "tool_use" on content_block_start
	ToolID       string
	ToolName     string
	Text         string // text_delta fragment
	PartialJSON  string // input_json_delta fragment
	StopReason   string
	ErrType      string
	ErrMessage   string
}

type anthropicEventWire struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeAnthropicEvent parses one Anthropic stream event. The event name is
// taken from the data payload's type field, falling back to the SSE event
// line.
func DecodeAnthropicEvent(evt *Event) (*AnthropicEvent, error) {
	var wire anthropicEventWire
	if err := json.Unmarshal([]byte(evt.Data), &wire); err != nil {
		return nil, fmt.Errorf("decoding anthropic event: %w", err)
	}

	out := &AnthropicEvent{Type: wire.Type, Index: wire.Index}
	if out.Type == "" {
		out.Type = evt.Event
	}
	if wire.Message != nil {
		out.MessageID = wire.Message.ID
		out.Model = wire.Message.Model
		if wire.Message.Usage != nil {
			out.InputTokens = wire.Message.Usage.InputTokens
			out.OutputTokens = wire.Message.Usage.OutputTokens
		}
	}
	if wire.ContentBlock != nil {
		out.BlockType = wire.ContentBlock.Type
		out.ToolID = wire.ContentBlock.ID
		out.ToolName = wire.ContentBlock.Name
	}
	if wire.Delta != nil {
		out.Text = wire.Delta.Text
		out.PartialJSON = wire.Delta.PartialJSON
		out.StopReason = wire.Delta.StopReason
	}
	if wire.Usage != nil {
		out.OutputTokens = wire.Usage.OutputTokens
	}
	if wire.Error != nil {
		out.ErrType = wire.Error.Type
		out.ErrMessage = wire.Error.Message
	}
	return out, nil
}
