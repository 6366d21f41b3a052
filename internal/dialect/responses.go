package dialect

import (
	"strings"
	"time"

	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
)

// --------------------------------------------------------------------------
// Responses API JSON wire types
// --------------------------------------------------------------------------

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           any             `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Tools           []responsesTool `json:"tools,omitempty"`
	ToolChoice      any             `json:"tool_choice,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// responsesTool is the flat tool shape; a nested function object from older
// clients is accepted on decode.
type responsesTool struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
	Function    any    `json:"function,omitempty"`
}

type responsesItem struct {
	Type    string `json:"type,omitempty"`
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"`

	// function_call fields.
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Status    string `json:"status,omitempty"`

	// function_call_output field.
	Output string `json:"output,omitempty"`
}

type responsesContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responsesResponse struct {
	ID                string          `json:"id"`
	Object            string          `json:"object"`
	CreatedAt         int64           `json:"created_at"`
	Status            string          `json:"status"`
	Model             string          `json:"model"`
	Output            []responsesItem `json:"output"`
	IncompleteDetails *struct {
		Reason string `json:"reason,omitempty"`
	} `json:"incomplete_details,omitempty"`
	Usage *responsesUsage `json:"usage,omitempty"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// responsesCodec translates the Responses dialect. Input items become
// canonical messages; function_call history items become tool calls and
// function_call_output items become tool-role messages, keeping call ids.
type responsesCodec struct{}

func (responsesCodec) Dialect() pipeline.Dialect { return pipeline.DialectResponses }

func (responsesCodec) DecodeRequest(body map[string]any) (*pipeline.CanonicalRequest, error) {
	var wire responsesRequest
	if err := remarshal(body, &wire); err != nil {
		return nil, fault.Wrap(fault.DialectTranslationFailed, err, "parsing responses request")
	}
	if wire.Model == "" {
		return nil, fault.New(fault.DialectTranslationFailed, "responses request missing model")
	}

	cr := &pipeline.CanonicalRequest{
		Model:       wire.Model,
		System:      wire.Instructions,
		ToolChoice:  wire.ToolChoice,
		Stream:      wire.Stream,
		MaxTokens:   wire.MaxOutputTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Metadata:    wire.Metadata,
	}

	switch input := wire.Input.(type) {
	case nil:
	case string:
		cr.Messages = append(cr.Messages, pipeline.Message{Role: "user", Content: input})
	case []any:
		var items []responsesItem
		if err := remarshal(input, &items); err != nil {
			return nil, fault.Wrap(fault.DialectTranslationFailed, err, "parsing responses input items")
		}
		for _, item := range items {
			msg, err := messageFromItem(item)
			if err != nil {
				return nil, err
			}
			cr.Messages = append(cr.Messages, msg)
		}
	default:
		return nil, fault.New(fault.DialectTranslationFailed, "responses input must be a string or item array")
	}

	for _, t := range wire.Tools {
		tool := pipeline.Tool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		}
		// Nested function fallback.
		if tool.Name == "" {
			if fn, ok := t.Function.(map[string]any); ok {
				tool.Name, _ = fn["name"].(string)
				tool.Description, _ = fn["description"].(string)
				tool.InputSchema = fn["parameters"]
			}
		}
		cr.Tools = append(cr.Tools, tool)
	}
	return cr, nil
}

// messageFromItem maps one input item to a canonical message.
func messageFromItem(item responsesItem) (pipeline.Message, error) {
	kind := item.Type
	if kind == "" && item.Role != "" {
		kind = "message"
	}
	switch kind {
	case "message":
		return pipeline.Message{Role: item.Role, Content: itemText(item.Content)}, nil
	case "function_call":
		return pipeline.Message{
			Role: "assistant",
			ToolCalls: []pipeline.ToolCall{{
				ID:   callID(item),
				Type: "function",
				Function: pipeline.ToolFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			}},
		}, nil
	case "function_call_output":
		return pipeline.Message{
			Role:       "tool",
			ToolCallID: item.CallID,
			Content:    item.Output,
		}, nil
	default:
		return pipeline.Message{}, fault.New(fault.DialectTranslationFailed, "unsupported responses input item type %q", item.Type)
	}
}

func callID(item responsesItem) string {
	if item.CallID != "" {
		return item.CallID
	}
	return item.ID
}

// itemText joins text content parts; a plain string passes through.
func itemText(content any) any {
	parts, ok := content.([]any)
	if !ok {
		return content
	}
	var texts []string
	for _, p := range parts {
		var part responsesContentPart
		if err := remarshal(p, &part); err != nil {
			continue
		}
		switch part.Type {
		case "input_text", "output_text", "text":
			texts = append(texts, part.Text)
		}
	}
	if len(texts) == 0 {
		return content
	}
	return strings.Join(texts, "\n")
}

func (responsesCodec) EncodeRequest(cr *pipeline.CanonicalRequest) (map[string]any, error) {
	wire := responsesRequest{
		Model:           cr.Model,
		Instructions:    systemText(cr),
		ToolChoice:      cr.ToolChoice,
		Stream:          cr.Stream,
		MaxOutputTokens: cr.MaxTokens,
		Temperature:     cr.Temperature,
		TopP:            cr.TopP,
		Metadata:        cr.Metadata,
	}

	var items []responsesItem
	for _, msg := range cr.Messages {
		switch {
		case msg.Role == "system":
			// System turns fold into instructions.
			if s, ok := msg.Content.(string); ok && s != "" {
				if wire.Instructions != "" {
					wire.Instructions += "\n"
				}
				wire.Instructions += s
			}
		case msg.Role == "tool":
			items = append(items, responsesItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: flattenContent(msg.Content),
			})
		default:
			if text := flattenContent(msg.Content); text != "" || len(msg.ToolCalls) == 0 {
				partType := "input_text"
				if msg.Role == "assistant" {
					partType = "output_text"
				}
				items = append(items, responsesItem{
					Type:    "message",
					Role:    msg.Role,
					Content: []responsesContentPart{{Type: partType, Text: text}},
				})
			}
			for _, tc := range msg.ToolCalls {
				items = append(items, responsesItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
	}
	wire.Input = items

	for _, t := range cr.Tools {
		wire.Tools = append(wire.Tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toolSchema(t),
		})
	}
	return toBody(wire)
}

func (responsesCodec) DecodeResponse(body map[string]any) (*pipeline.CanonicalResponse, error) {
	var wire responsesResponse
	if err := remarshal(body, &wire); err != nil {
		return nil, fault.Wrap(fault.DialectTranslationFailed, err, "parsing responses response")
	}

	msg := pipeline.Message{Role: "assistant"}
	var texts []string
	for _, item := range wire.Output {
		switch item.Type {
		case "message":
			if s, ok := itemText(item.Content).(string); ok && s != "" {
				texts = append(texts, s)
			}
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, pipeline.ToolCall{
				ID:   callID(item),
				Type: "function",
				Function: pipeline.ToolFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
		}
	}
	msg.Content = strings.Join(texts, "\n")

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	if wire.Status == "incomplete" && wire.IncompleteDetails != nil && wire.IncompleteDetails.Reason == "max_output_tokens" {
		finish = "length"
	}

	resp := &pipeline.CanonicalResponse{
		ID:        wire.ID,
		CreatedAt: wire.CreatedAt,
		Model:     wire.Model,
		Choices:   []pipeline.Choice{{Message: msg, FinishReason: finish}},
	}
	if wire.Usage != nil {
		resp.Usage = &pipeline.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			TotalTokens:  wire.Usage.TotalTokens,
		}
	}
	return resp, nil
}

func (responsesCodec) EncodeResponse(cr *pipeline.CanonicalResponse) (map[string]any, error) {
	wire := responsesResponse{
		ID:        cr.ID,
		Object:    "response",
		CreatedAt: cr.CreatedAt,
		Status:    "completed",
		Model:     cr.Model,
	}
	if wire.CreatedAt == 0 {
		wire.CreatedAt = time.Now().Unix()
	}

	if len(cr.Choices) > 0 {
		choice := cr.Choices[0]
		if s, ok := choice.Message.Content.(string); ok && s != "" {
			wire.Output = append(wire.Output, responsesItem{
				Type:    "message",
				Role:    "assistant",
				Status:  "completed",
				Content: []responsesContentPart{{Type: "output_text", Text: s}},
			})
		}
		for _, tc := range choice.Message.ToolCalls {
			wire.Output = append(wire.Output, responsesItem{
				Type:      "function_call",
				Status:    "completed",
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if choice.FinishReason == "length" {
			wire.Status = "incomplete"
			wire.IncompleteDetails = &struct {
				Reason string `json:"reason,omitempty"`
			}{Reason: "max_output_tokens"}
		}
	}

	if cr.Usage != nil {
		wire.Usage = &responsesUsage{
			InputTokens:  cr.Usage.InputTokens,
			OutputTokens: cr.Usage.OutputTokens,
			TotalTokens:  cr.Usage.TotalTokens,
		}
	}
	return toBody(wire)
}

// flattenContent renders message content as plain text for dialects that
// cannot carry structured parts.
func flattenContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var texts []string
		for _, p := range c {
			m, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok && t != "" {
				texts = append(texts, t)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}
