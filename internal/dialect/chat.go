package dialect

import (
	"strings"
	"time"

	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
)

// --------------------------------------------------------------------------
// Chat Completions JSON wire types
// --------------------------------------------------------------------------

type chatRequest struct {
	Model               string             `json:"model"`
	Messages            []pipeline.Message `json:"messages"`
	Tools               []chatTool         `json:"tools,omitempty"`
	ToolChoice          any                `json:"tool_choice,omitempty"`
	Stream              bool               `json:"stream,omitempty"`
	MaxTokens           int                `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                `json:"max_completion_tokens,omitempty"`
	Temperature         *float64           `json:"temperature,omitempty"`
	TopP                *float64           `json:"top_p,omitempty"`
	Stop                any                `json:"stop,omitempty"`
	Metadata            map[string]any     `json:"metadata,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int              `json:"index"`
	Message      pipeline.Message `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatCodec is close to identity: the canonical form is a chat superset, so
// requests keep their message list as-is and only tools change shape.
type chatCodec struct{}

func (chatCodec) Dialect() pipeline.Dialect { return pipeline.DialectChat }

func (chatCodec) DecodeRequest(body map[string]any) (*pipeline.CanonicalRequest, error) {
	var wire chatRequest
	if err := remarshal(body, &wire); err != nil {
		return nil, fault.Wrap(fault.DialectTranslationFailed, err, "parsing chat request")
	}
	if wire.Model == "" {
		return nil, fault.New(fault.DialectTranslationFailed, "chat request missing model")
	}

	cr := &pipeline.CanonicalRequest{
		Model:       wire.Model,
		Messages:    wire.Messages,
		ToolChoice:  wire.ToolChoice,
		Stream:      wire.Stream,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        stopList(wire.Stop),
		Metadata:    wire.Metadata,
	}
	if cr.MaxTokens == 0 {
		cr.MaxTokens = wire.MaxCompletionTokens
	}
	for _, t := range wire.Tools {
		cr.Tools = append(cr.Tools, pipeline.Tool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return cr, nil
}

func (chatCodec) EncodeRequest(cr *pipeline.CanonicalRequest) (map[string]any, error) {
	wire := chatRequest{
		Model:       cr.Model,
		ToolChoice:  cr.ToolChoice,
		Stream:      cr.Stream,
		MaxTokens:   cr.MaxTokens,
		Temperature: cr.Temperature,
		TopP:        cr.TopP,
		Metadata:    cr.Metadata,
	}
	if len(cr.Stop) == 1 {
		wire.Stop = cr.Stop[0]
	} else if len(cr.Stop) > 1 {
		wire.Stop = cr.Stop
	}

	// A system prompt from another dialect becomes a leading system message.
	if sys := systemText(cr); sys != "" {
		wire.Messages = append(wire.Messages, pipeline.Message{Role: "system", Content: sys})
	}
	wire.Messages = append(wire.Messages, cr.Messages...)

	for _, t := range cr.Tools {
		wire.Tools = append(wire.Tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toolSchema(t),
			},
		})
	}
	return toBody(wire)
}

func (chatCodec) DecodeResponse(body map[string]any) (*pipeline.CanonicalResponse, error) {
	var wire chatResponse
	if err := remarshal(body, &wire); err != nil {
		return nil, fault.Wrap(fault.DialectTranslationFailed, err, "parsing chat response")
	}

	resp := &pipeline.CanonicalResponse{
		ID:        wire.ID,
		CreatedAt: wire.Created,
		Model:     wire.Model,
	}
	for _, c := range wire.Choices {
		resp.Choices = append(resp.Choices, pipeline.Choice{
			Index:        c.Index,
			Message:      c.Message,
			FinishReason: c.FinishReason,
		})
	}
	if wire.Usage != nil {
		resp.Usage = &pipeline.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
			TotalTokens:  wire.Usage.TotalTokens,
		}
	}
	return resp, nil
}

func (chatCodec) EncodeResponse(cr *pipeline.CanonicalResponse) (map[string]any, error) {
	wire := chatResponse{
		ID:      cr.ID,
		Object:  "chat.completion",
		Created: cr.CreatedAt,
		Model:   cr.Model,
	}
	if wire.Created == 0 {
		wire.Created = time.Now().Unix()
	}
	for _, c := range cr.Choices {
		wire.Choices = append(wire.Choices, chatChoice{
			Index:        c.Index,
			Message:      c.Message,
			FinishReason: c.FinishReason,
		})
	}
	if cr.Usage != nil {
		wire.Usage = &chatUsage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		}
	}
	return toBody(wire)
}

// stopList accepts the chat dialect's string-or-array stop field.
func stopList(v any) []string {
	switch s := v.(type) {
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		var out []string
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return s
	}
	return nil
}

// systemText flattens the canonical system prompt to a single string.
func systemText(cr *pipeline.CanonicalRequest) string {
	if cr.System != "" {
		return cr.System
	}
	if len(cr.SystemBlocks) == 0 {
		return ""
	}
	var parts []string
	for _, b := range cr.SystemBlocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// toolSchema picks a tool's JSON schema regardless of which dialect defined it.
func toolSchema(t pipeline.Tool) any {
	if t.InputSchema != nil {
		return t.InputSchema
	}
	if fn, ok := t.Function.(map[string]any); ok {
		return fn["parameters"]
	}
	return nil
}
