package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// FinalFromChatBody parses a buffered chat.completion body into the neutral
// form. Only the first choice is read.
func FinalFromChatBody(body map[string]any) (*Final, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding chat body: %w", err)
	}
	var wire struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   json.RawMessage `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding chat body: %w", err)
	}

	f := &Final{ID: wire.ID, Created: wire.Created, Model: wire.Model, Usage: wire.Usage}
	if len(wire.Choices) > 0 {
		c := wire.Choices[0]
		if len(c.Message.Content) > 0 {
			// Content may be null or a block array; only string content
			// survives into the neutral form.
			var s string
			if err := json.Unmarshal(c.Message.Content, &s); err == nil {
				f.Text = s
			}
		}
		for _, tc := range c.Message.ToolCalls {
			f.ToolCalls = append(f.ToolCalls, FinalToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			})
		}
		f.FinishReason = c.FinishReason
	}
	return f, nil
}

// ChatBodyFromFinal renders the neutral form as a buffered chat.completion
// body.
func ChatBodyFromFinal(f *Final) map[string]any {
	id := f.ID
	if id == "" {
		id = "chatcmpl-" + newID()
	}
	created := f.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	reason := f.FinishReason
	if reason == "" {
		reason = "stop"
	}

	message := map[string]any{"role": "assistant", "content": f.Text}
	if f.Text == "" && len(f.ToolCalls) > 0 {
		message["content"] = nil
	}
	if len(f.ToolCalls) > 0 {
		calls := make([]any, 0, len(f.ToolCalls))
		for _, tc := range f.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Args,
				},
			})
		}
		message["tool_calls"] = calls
	}

	body := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   f.Model,
		"choices": []any{
			map[string]any{"index": 0, "message": message, "finish_reason": reason},
		},
	}
	if f.Usage != nil {
		body["usage"] = map[string]any{
			"prompt_tokens":     f.Usage.PromptTokens,
			"completion_tokens": f.Usage.CompletionTokens,
			"total_tokens":      f.Usage.TotalTokens,
		}
	}
	return body
}

// FinalFromAnthropicBody parses a buffered Anthropic message body into the
// neutral form. The stop reason is translated to chat vocabulary.
func FinalFromAnthropicBody(body map[string]any) (*Final, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding anthropic body: %w", err)
	}
	var wire struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding anthropic body: %w", err)
	}

	f := &Final{ID: wire.ID, Model: wire.Model, FinishReason: MapAnthropicStopToChat(wire.StopReason)}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			f.Text += block.Text
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			f.ToolCalls = append(f.ToolCalls, FinalToolCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}
	if wire.Usage != nil {
		f.Usage = &Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}
	return f, nil
}

// AnthropicBodyFromFinal renders the neutral form as a buffered Anthropic
// message body. Tool arguments become structured input objects.
func AnthropicBodyFromFinal(f *Final) map[string]any {
	id := f.ID
	if id == "" {
		id = "msg_" + newID()
	}

	content := []any{}
	if f.Text != "" {
		content = append(content, map[string]any{"type": "text", "text": f.Text})
	}
	for _, tc := range f.ToolCalls {
		var input any = map[string]any{}
		if tc.Args != "" {
			var parsed any
			if err := json.Unmarshal([]byte(tc.Args), &parsed); err == nil {
				input = parsed
			}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": input,
		})
	}

	body := map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         f.Model,
		"content":       content,
		"stop_reason":   MapFinishToAnthropic(f.FinishReason),
		"stop_sequence": nil,
	}
	if f.Usage != nil {
		body["usage"] = map[string]any{
			"input_tokens":  f.Usage.PromptTokens,
			"output_tokens": f.Usage.CompletionTokens,
		}
	}
	return body
}
