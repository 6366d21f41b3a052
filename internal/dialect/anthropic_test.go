package dialect

import (
	"strings"
	"testing"

	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
)

func TestAnthropicDecodeRequest(t *testing.T) {
	body := asMap(t, `{
		"model": "claude-sonnet-4-5",
		"system": "be terse",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"}
		],
		"tools": [{"name": "get_weather", "description": "weather", "input_schema": {"type": "object"}}],
		"max_tokens": 512,
		"stop_sequences": ["END"],
		"stream": true
	}`)

	cr, err := anthropicCodec{}.DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if cr.Model != "claude-sonnet-4-5" || cr.System != "be terse" {
		t.Errorf("model/system: %q %q", cr.Model, cr.System)
	}
	if len(cr.Messages) != 2 || cr.Messages[0].Content != "hi" {
		t.Errorf("messages: %+v", cr.Messages)
	}
	if len(cr.Tools) != 1 || cr.Tools[0].Name != "get_weather" || cr.Tools[0].InputSchema == nil {
		t.Errorf("tools: %+v", cr.Tools)
	}
	if cr.MaxTokens != 512 || !cr.Stream {
		t.Errorf("max_tokens/stream: %d %v", cr.MaxTokens, cr.Stream)
	}
	if len(cr.Stop) != 1 || cr.Stop[0] != "END" {
		t.Errorf("stop sequences: %v", cr.Stop)
	}
}

func TestAnthropicDecodeRequestSystemBlocks(t *testing.T) {
	body := asMap(t, `{
		"model": "claude-sonnet-4-5",
		"system": [{"type": "text", "text": "rule one"}, {"type": "text", "text": "rule two"}],
		"messages": [{"role": "user", "content": "hi"}],
		"max_tokens": 100
	}`)

	cr, err := anthropicCodec{}.DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if cr.System != "" {
		t.Errorf("string system should be empty, got %q", cr.System)
	}
	if len(cr.SystemBlocks) != 2 || cr.SystemBlocks[1].Text != "rule two" {
		t.Errorf("system blocks: %+v", cr.SystemBlocks)
	}
}

func TestAnthropicDecodeRequestToolFlow(t *testing.T) {
	body := asMap(t, `{
		"model": "claude-sonnet-4-5",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Oslo"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "snow"}
			]}
		],
		"max_tokens": 100
	}`)

	cr, err := anthropicCodec{}.DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if len(cr.Messages) != 3 {
		t.Fatalf("expected 3 canonical messages, got %+v", cr.Messages)
	}

	asst := cr.Messages[1]
	if asst.Role != "assistant" || asst.Content != "checking" {
		t.Errorf("assistant turn: %+v", asst)
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "toolu_1" {
		t.Fatalf("tool calls: %+v", asst.ToolCalls)
	}
	if !strings.Contains(asst.ToolCalls[0].Function.Arguments, `"city":"Oslo"`) {
		t.Errorf("tool arguments: %q", asst.ToolCalls[0].Function.Arguments)
	}

	toolMsg := cr.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "toolu_1" || toolMsg.Content != "snow" {
		t.Errorf("tool result turn: %+v", toolMsg)
	}
}

func TestAnthropicDecodeRequestMissingModel(t *testing.T) {
	_, err := anthropicCodec{}.DecodeRequest(asMap(t, `{"messages": [], "max_tokens": 10}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.DialectTranslationFailed {
		t.Errorf("fault kind: got %q", fault.KindOf(err))
	}
}

func TestAnthropicEncodeRequestDefaultMaxTokens(t *testing.T) {
	cr := &pipeline.CanonicalRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []pipeline.Message{{Role: "user", Content: "hi"}},
	}
	out, err := anthropicCodec{}.EncodeRequest(cr)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if out["max_tokens"] != float64(anthropicDefaultMaxTokens) {
		t.Errorf("max_tokens default: got %v", out["max_tokens"])
	}
}

func TestAnthropicEncodeRequestFoldsSystemMessages(t *testing.T) {
	cr := &pipeline.CanonicalRequest{
		Model: "claude-sonnet-4-5",
		Messages: []pipeline.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens: 100,
	}
	out, err := anthropicCodec{}.EncodeRequest(cr)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if out["system"] != "be terse" {
		t.Errorf("system: got %v", out["system"])
	}
	msgs := out["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("system turn must not reach messages: %v", msgs)
	}
}

func TestAnthropicEncodeRequestKeepsSystemBlocks(t *testing.T) {
	cr := &pipeline.CanonicalRequest{
		Model: "claude-sonnet-4-5",
		SystemBlocks: []pipeline.ContentBlock{
			{Type: "text", Text: "rule one"},
		},
		Messages:  []pipeline.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 100,
	}
	out, err := anthropicCodec{}.EncodeRequest(cr)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	blocks, ok := out["system"].([]any)
	if !ok || len(blocks) != 1 {
		t.Fatalf("system blocks: got %v", out["system"])
	}
	if blocks[0].(map[string]any)["text"] != "rule one" {
		t.Errorf("block text: %v", blocks[0])
	}
}

// TestAnthropicEncodeRequestMergesToolResults checks that consecutive
// tool-role messages collapse into a single user turn so the wire keeps
// strict user/assistant alternation.
func TestAnthropicEncodeRequestMergesToolResults(t *testing.T) {
	cr := &pipeline.CanonicalRequest{
		Model: "claude-sonnet-4-5",
		Messages: []pipeline.Message{
			{Role: "user", Content: "weather in Oslo and Bergen?"},
			{Role: "assistant", ToolCalls: []pipeline.ToolCall{
				{ID: "call_1", Type: "function", Function: pipeline.ToolFunction{Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
				{ID: "call_2", Type: "function", Function: pipeline.ToolFunction{Name: "get_weather", Arguments: `{"city":"Bergen"}`}},
			}},
			{Role: "tool", ToolCallID: "call_1", Content: "snow"},
			{Role: "tool", ToolCallID: "call_2", Content: "rain"},
		},
		MaxTokens: 100,
	}

	out, err := anthropicCodec{}.EncodeRequest(cr)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	msgs := out["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected user/assistant/user, got %d turns: %v", len(msgs), msgs)
	}

	asst := msgs[1].(map[string]any)
	blocks := asst["content"].([]any)
	if blocks[0].(map[string]any)["type"] != "tool_use" {
		t.Errorf("assistant blocks: %v", blocks)
	}
	if blocks[0].(map[string]any)["id"] != "call_1" {
		t.Errorf("tool_use id: %v", blocks[0])
	}

	results := msgs[2].(map[string]any)
	if results["role"] != "user" {
		t.Errorf("tool results role: %v", results["role"])
	}
	resultBlocks := results["content"].([]any)
	if len(resultBlocks) != 2 {
		t.Fatalf("expected merged tool_result blocks, got %v", resultBlocks)
	}
	first := resultBlocks[0].(map[string]any)
	second := resultBlocks[1].(map[string]any)
	if first["tool_use_id"] != "call_1" || second["tool_use_id"] != "call_2" {
		t.Errorf("tool_use_ids: %v %v", first, second)
	}
	if first["content"] != "snow" || second["content"] != "rain" {
		t.Errorf("result contents: %v %v", first, second)
	}
}

func TestAnthropicDecodeResponse(t *testing.T) {
	body := asMap(t, `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [
			{"type": "text", "text": "checking"},
			{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Oslo"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 11, "output_tokens": 6}
	}`)

	resp, err := anthropicCodec{}.DecodeResponse(body)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "checking" {
		t.Errorf("content: %v", choice.Message.Content)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Function.Name != "get_weather" {
		t.Errorf("tool calls: %+v", choice.Message.ToolCalls)
	}
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish: got %q want tool_calls", choice.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 17 {
		t.Errorf("usage total: %+v", resp.Usage)
	}
}

func TestAnthropicDecodeResponseStopReasons(t *testing.T) {
	tests := []struct {
		stopReason string
		want       string
	}{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
	}
	for _, tt := range tests {
		t.Run(tt.stopReason, func(t *testing.T) {
			body := asMap(t, `{"id": "msg_1", "model": "m", "content": [{"type": "text", "text": "x"}], "stop_reason": "`+tt.stopReason+`"}`)
			resp, err := anthropicCodec{}.DecodeResponse(body)
			if err != nil {
				t.Fatalf("DecodeResponse: %v", err)
			}
			if got := resp.Choices[0].FinishReason; got != tt.want {
				t.Errorf("finish: got %q want %q", got, tt.want)
			}
		})
	}
}

func TestAnthropicEncodeResponse(t *testing.T) {
	resp := &pipeline.CanonicalResponse{
		ID:    "chatcmpl-1",
		Model: "claude-sonnet-4-5",
		Choices: []pipeline.Choice{{
			Message: pipeline.Message{
				Role:    "assistant",
				Content: "checking",
				ToolCalls: []pipeline.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: pipeline.ToolFunction{Name: "get_weather", Arguments: `{"city":"Oslo"}`},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: &pipeline.Usage{InputTokens: 11, OutputTokens: 6, TotalTokens: 17},
	}

	out, err := anthropicCodec{}.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	if out["type"] != "message" || out["role"] != "assistant" {
		t.Errorf("envelope: %v", out)
	}
	if out["stop_reason"] != "tool_use" {
		t.Errorf("stop_reason: got %v", out["stop_reason"])
	}
	if v, present := out["stop_sequence"]; !present || v != nil {
		t.Errorf("stop_sequence must be an explicit null, got %v (present=%v)", v, present)
	}

	blocks := out["content"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("content blocks: %v", blocks)
	}
	if blocks[0].(map[string]any)["text"] != "checking" {
		t.Errorf("text block: %v", blocks[0])
	}
	toolUse := blocks[1].(map[string]any)
	if toolUse["type"] != "tool_use" || toolUse["id"] != "call_1" {
		t.Errorf("tool_use block: %v", toolUse)
	}
	input := toolUse["input"].(map[string]any)
	if input["city"] != "Oslo" {
		t.Errorf("tool_use input: %v", input)
	}

	usage := out["usage"].(map[string]any)
	if usage["input_tokens"] != float64(11) || usage["output_tokens"] != float64(6) {
		t.Errorf("usage: %v", usage)
	}
}

func TestAnthropicEncodeResponseGeneratesID(t *testing.T) {
	resp := &pipeline.CanonicalResponse{
		Model:   "claude-sonnet-4-5",
		Choices: []pipeline.Choice{{Message: pipeline.Message{Role: "assistant", Content: "hi"}, FinishReason: "stop"}},
	}
	out, err := anthropicCodec{}.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	id, _ := out["id"].(string)
	if !strings.HasPrefix(id, "msg_") {
		t.Errorf("generated id: got %q", id)
	}
}

func TestAnthropicEncodeResponseEmptyContent(t *testing.T) {
	resp := &pipeline.CanonicalResponse{ID: "msg_1", Model: "m"}
	out, err := anthropicCodec{}.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	blocks, ok := out["content"].([]any)
	if !ok {
		t.Fatalf("content must be an array, got %T", out["content"])
	}
	if len(blocks) != 0 {
		t.Errorf("content: %v", blocks)
	}
}
