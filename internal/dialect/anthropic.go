package dialect

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
	"github.com/allaspectsdev/switchyard/internal/stream"
)

// Anthropic requires max_tokens; when the client dialect had none, this cap
// is injected on encode.
const anthropicDefaultMaxTokens = 4096

// --------------------------------------------------------------------------
// Anthropic Messages JSON wire types
// --------------------------------------------------------------------------

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        any                `json:"system,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    any                `json:"tool_choice,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Thinking      map[string]any     `json:"thinking,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Content      []pipeline.ContentBlock `json:"content"`
	Model        string                  `json:"model"`
	StopReason   string                  `json:"stop_reason,omitempty"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        *anthropicUsage         `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicCodec translates the Messages dialect. Content blocks map to the
// canonical chat shapes: tool_use becomes toolCalls, tool_result becomes the
// tool role, and the system prompt keeps its string-or-blocks form.
type anthropicCodec struct{}

func (anthropicCodec) Dialect() pipeline.Dialect { return pipeline.DialectAnthropic }

func (anthropicCodec) DecodeRequest(body map[string]any) (*pipeline.CanonicalRequest, error) {
	var wire anthropicRequest
	if err := remarshal(body, &wire); err != nil {
		return nil, fault.Wrap(fault.DialectTranslationFailed, err, "parsing anthropic request")
	}
	if wire.Model == "" {
		return nil, fault.New(fault.DialectTranslationFailed, "anthropic request missing model")
	}

	cr := &pipeline.CanonicalRequest{
		Model:       wire.Model,
		ToolChoice:  wire.ToolChoice,
		Stream:      wire.Stream,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        wire.StopSequences,
		Thinking:    wire.Thinking,
		Metadata:    wire.Metadata,
	}

	switch sys := wire.System.(type) {
	case nil:
	case string:
		cr.System = sys
	default:
		var blocks []pipeline.ContentBlock
		if err := remarshal(sys, &blocks); err != nil {
			return nil, fault.Wrap(fault.DialectTranslationFailed, err, "parsing anthropic system blocks")
		}
		cr.SystemBlocks = blocks
	}

	for _, msg := range wire.Messages {
		out, err := messagesFromAnthropic(msg)
		if err != nil {
			return nil, err
		}
		cr.Messages = append(cr.Messages, out...)
	}

	for _, t := range wire.Tools {
		cr.Tools = append(cr.Tools, pipeline.Tool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return cr, nil
}

// messagesFromAnthropic expands one wire message into canonical messages.
// tool_result blocks each become a tool-role message; the remaining blocks
// stay with the original role.
func messagesFromAnthropic(msg anthropicMessage) ([]pipeline.Message, error) {
	content, ok := msg.Content.(string)
	if ok || msg.Content == nil {
		return []pipeline.Message{{Role: msg.Role, Content: content}}, nil
	}

	var blocks []pipeline.ContentBlock
	if err := remarshal(msg.Content, &blocks); err != nil {
		return nil, fault.Wrap(fault.DialectTranslationFailed, err, "parsing anthropic content blocks")
	}

	var (
		out       []pipeline.Message
		toolCalls []pipeline.ToolCall
		texts     []string
		rest      []pipeline.ContentBlock
		nonText   bool
	)
	for _, b := range blocks {
		switch b.Type {
		case "tool_result":
			out = append(out, pipeline.Message{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    flattenContent(b.Content),
			})
		case "tool_use":
			args := "{}"
			if b.Input != nil {
				if raw, err := json.Marshal(b.Input); err == nil {
					args = string(raw)
				}
			}
			toolCalls = append(toolCalls, pipeline.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: pipeline.ToolFunction{
					Name:      b.Name,
					Arguments: args,
				},
			})
		case "text":
			texts = append(texts, b.Text)
			rest = append(rest, b)
		default:
			nonText = true
			rest = append(rest, b)
		}
	}

	if len(rest) > 0 || len(toolCalls) > 0 {
		m := pipeline.Message{Role: msg.Role, ToolCalls: toolCalls}
		if nonText {
			// Image or other structured parts survive as blocks.
			m.Content = rest
		} else {
			m.Content = strings.Join(texts, "\n")
		}
		out = append(out, m)
	}
	return out, nil
}

func (anthropicCodec) EncodeRequest(cr *pipeline.CanonicalRequest) (map[string]any, error) {
	wire := anthropicRequest{
		Model:         cr.Model,
		ToolChoice:    cr.ToolChoice,
		Stream:        cr.Stream,
		MaxTokens:     cr.MaxTokens,
		Temperature:   cr.Temperature,
		TopP:          cr.TopP,
		StopSequences: cr.Stop,
		Thinking:      cr.Thinking,
		Metadata:      cr.Metadata,
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = anthropicDefaultMaxTokens
	}

	systemParts := []string{}
	if sys := systemText(cr); sys != "" {
		systemParts = append(systemParts, sys)
	}
	if len(cr.SystemBlocks) > 0 && cr.System == "" {
		// Keep block-form system prompts intact for anthropic providers.
		wire.System = cr.SystemBlocks
		systemParts = nil
	}

	for _, msg := range cr.Messages {
		switch msg.Role {
		case "system":
			if s, ok := msg.Content.(string); ok && s != "" {
				systemParts = append(systemParts, s)
			}
		case "tool":
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     flattenContent(msg.Content),
			}
			// Parallel tool results share one user turn.
			if n := len(wire.Messages); n > 0 && isToolResultTurn(wire.Messages[n-1]) {
				wire.Messages[n-1].Content = append(wire.Messages[n-1].Content.([]any), block)
			} else {
				wire.Messages = append(wire.Messages, anthropicMessage{
					Role:    "user",
					Content: []any{block},
				})
			}
		default:
			wire.Messages = append(wire.Messages, anthropicFromMessage(msg))
		}
	}

	if len(systemParts) > 0 {
		wire.System = strings.Join(systemParts, "\n")
	}

	for _, t := range cr.Tools {
		wire.Tools = append(wire.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toolSchema(t),
		})
	}
	return toBody(wire)
}

// isToolResultTurn reports whether a wire message is a user turn built from
// tool_result blocks.
func isToolResultTurn(msg anthropicMessage) bool {
	if msg.Role != "user" {
		return false
	}
	blocks, ok := msg.Content.([]any)
	if !ok || len(blocks) == 0 {
		return false
	}
	m, ok := blocks[0].(map[string]any)
	return ok && m["type"] == "tool_result"
}

// anthropicFromMessage renders a user or assistant turn, expanding tool calls
// into tool_use blocks.
func anthropicFromMessage(msg pipeline.Message) anthropicMessage {
	if len(msg.ToolCalls) == 0 {
		return anthropicMessage{Role: msg.Role, Content: msg.Content}
	}

	var blocks []any
	if text := flattenContent(msg.Content); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	for _, tc := range msg.ToolCalls {
		var input any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				input = tc.Function.Arguments
			}
		}
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Function.Name,
			"input": input,
		})
	}
	return anthropicMessage{Role: msg.Role, Content: blocks}
}

func (anthropicCodec) DecodeResponse(body map[string]any) (*pipeline.CanonicalResponse, error) {
	var wire anthropicResponse
	if err := remarshal(body, &wire); err != nil {
		return nil, fault.Wrap(fault.DialectTranslationFailed, err, "parsing anthropic response")
	}

	msg := pipeline.Message{Role: "assistant"}
	var texts []string
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_use":
			args := "{}"
			if b.Input != nil {
				if raw, err := json.Marshal(b.Input); err == nil {
					args = string(raw)
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, pipeline.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: pipeline.ToolFunction{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}
	msg.Content = strings.Join(texts, "\n")

	resp := &pipeline.CanonicalResponse{
		ID:    wire.ID,
		Model: wire.Model,
		Choices: []pipeline.Choice{{
			Message:      msg,
			FinishReason: stream.MapAnthropicStopToChat(wire.StopReason),
		}},
	}
	if wire.Usage != nil {
		resp.Usage = &pipeline.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			TotalTokens:  wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}
	return resp, nil
}

func (anthropicCodec) EncodeResponse(cr *pipeline.CanonicalResponse) (map[string]any, error) {
	wire := anthropicResponse{
		ID:   cr.ID,
		Type: "message",
		Role: "assistant",
	}
	if wire.ID == "" {
		wire.ID = "msg_" + uuid.NewString()
	}
	wire.Model = cr.Model

	if len(cr.Choices) > 0 {
		choice := cr.Choices[0]
		if s, ok := choice.Message.Content.(string); ok && s != "" {
			wire.Content = append(wire.Content, pipeline.ContentBlock{Type: "text", Text: s})
		}
		for _, tc := range choice.Message.ToolCalls {
			var input any
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					input = tc.Function.Arguments
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			wire.Content = append(wire.Content, pipeline.ContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
		wire.StopReason = stream.MapFinishToAnthropic(choice.FinishReason)
	}
	if wire.Content == nil {
		wire.Content = []pipeline.ContentBlock{}
	}

	if cr.Usage != nil {
		wire.Usage = &anthropicUsage{
			InputTokens:  cr.Usage.InputTokens,
			OutputTokens: cr.Usage.OutputTokens,
		}
	}
	return toBody(wire)
}
