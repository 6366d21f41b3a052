package dialect

import (
	"testing"

	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
)

func TestResponsesDecodeRequestStringInput(t *testing.T) {
	body := asMap(t, `{"model": "gpt-4o", "input": "hello", "instructions": "be terse"}`)

	cr, err := responsesCodec{}.DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if cr.System != "be terse" {
		t.Errorf("instructions -> system: got %q", cr.System)
	}
	if len(cr.Messages) != 1 || cr.Messages[0].Role != "user" || cr.Messages[0].Content != "hello" {
		t.Errorf("messages: %+v", cr.Messages)
	}
}

func TestResponsesDecodeRequestItems(t *testing.T) {
	body := asMap(t, `{
		"model": "gpt-4o",
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "weather?"}]},
			{"type": "function_call", "call_id": "call_9", "name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"},
			{"type": "function_call_output", "call_id": "call_9", "output": "snow"}
		],
		"tools": [{"type": "function", "name": "get_weather", "description": "weather", "parameters": {"type": "object"}}],
		"max_output_tokens": 300
	}`)

	cr, err := responsesCodec{}.DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if len(cr.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %+v", cr.Messages)
	}
	if cr.Messages[0].Content != "weather?" {
		t.Errorf("text parts joined: %v", cr.Messages[0].Content)
	}
	asst := cr.Messages[1]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_9" {
		t.Errorf("function_call item: %+v", asst)
	}
	toolMsg := cr.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_9" || toolMsg.Content != "snow" {
		t.Errorf("function_call_output item: %+v", toolMsg)
	}
	if len(cr.Tools) != 1 || cr.Tools[0].Name != "get_weather" {
		t.Errorf("flat tools: %+v", cr.Tools)
	}
	if cr.MaxTokens != 300 {
		t.Errorf("max_output_tokens: got %d", cr.MaxTokens)
	}
}

func TestResponsesDecodeRequestBadInput(t *testing.T) {
	_, err := responsesCodec{}.DecodeRequest(asMap(t, `{"model": "m", "input": 42}`))
	if err == nil {
		t.Fatal("expected error for numeric input")
	}
	if fault.KindOf(err) != fault.DialectTranslationFailed {
		t.Errorf("fault kind: got %q", fault.KindOf(err))
	}
}

// TestResponsesRoundTrip verifies responses -> canonical -> responses keeps
// tool-call ids and item ordering.
func TestResponsesRoundTrip(t *testing.T) {
	body := asMap(t, `{
		"model": "gpt-4o",
		"instructions": "be terse",
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "weather?"}]},
			{"type": "function_call", "call_id": "call_9", "name": "get_weather", "arguments": "{}"},
			{"type": "function_call_output", "call_id": "call_9", "output": "snow"}
		]
	}`)

	cr, err := responsesCodec{}.DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	out, err := responsesCodec{}.EncodeRequest(cr)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	if out["instructions"] != "be terse" {
		t.Errorf("instructions: got %v", out["instructions"])
	}
	items := out["input"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d: %v", len(items), items)
	}
	types := []string{}
	for _, it := range items {
		types = append(types, it.(map[string]any)["type"].(string))
	}
	if types[0] != "message" || types[1] != "function_call" || types[2] != "function_call_output" {
		t.Errorf("item order: %v", types)
	}
	if items[1].(map[string]any)["call_id"] != "call_9" {
		t.Errorf("call id lost: %v", items[1])
	}
	if items[2].(map[string]any)["call_id"] != "call_9" {
		t.Errorf("output call id lost: %v", items[2])
	}
}

func TestResponsesEncodeRequestFromChatCanonical(t *testing.T) {
	// A chat-dialect client body encoded toward a responses-protocol provider.
	cr := &pipeline.CanonicalRequest{
		Model: "gpt-4o",
		Messages: []pipeline.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		MaxTokens: 64,
	}
	out, err := responsesCodec{}.EncodeRequest(cr)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if out["instructions"] != "be terse" {
		t.Errorf("system folded into instructions: got %v", out["instructions"])
	}
	if out["max_output_tokens"] != float64(64) {
		t.Errorf("max_output_tokens: got %v", out["max_output_tokens"])
	}

	items := out["input"].([]any)
	if len(items) != 2 {
		t.Fatalf("system must not appear in input: %v", items)
	}
	user := items[0].(map[string]any)
	parts := user["content"].([]any)
	if parts[0].(map[string]any)["type"] != "input_text" {
		t.Errorf("user part type: %v", parts[0])
	}
	asst := items[1].(map[string]any)
	parts = asst["content"].([]any)
	if parts[0].(map[string]any)["type"] != "output_text" {
		t.Errorf("assistant part type: %v", parts[0])
	}
}

func TestResponsesDecodeResponse(t *testing.T) {
	body := asMap(t, `{
		"id": "resp_1",
		"object": "response",
		"created_at": 1700000000,
		"status": "completed",
		"model": "gpt-4o",
		"output": [
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "sunny"}]},
			{"type": "function_call", "call_id": "call_2", "name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}
		],
		"usage": {"input_tokens": 7, "output_tokens": 9, "total_tokens": 16}
	}`)

	resp, err := responsesCodec{}.DecodeResponse(body)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "sunny" {
		t.Errorf("content: %v", choice.Message.Content)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].ID != "call_2" {
		t.Errorf("tool calls: %+v", choice.Message.ToolCalls)
	}
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish: got %q", choice.FinishReason)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 9 {
		t.Errorf("usage: %+v", resp.Usage)
	}
}

func TestResponsesDecodeResponseIncomplete(t *testing.T) {
	body := asMap(t, `{
		"id": "resp_1",
		"status": "incomplete",
		"incomplete_details": {"reason": "max_output_tokens"},
		"model": "gpt-4o",
		"output": [{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "trunc"}]}]
	}`)
	resp, err := responsesCodec{}.DecodeResponse(body)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.Choices[0].FinishReason != "length" {
		t.Errorf("finish: got %q", resp.Choices[0].FinishReason)
	}
}

func TestResponsesEncodeResponse(t *testing.T) {
	resp := &pipeline.CanonicalResponse{
		ID:        "resp_1",
		CreatedAt: 1700000000,
		Model:     "gpt-4o",
		Choices: []pipeline.Choice{{
			Message: pipeline.Message{
				Role:    "assistant",
				Content: "sunny",
				ToolCalls: []pipeline.ToolCall{{
					ID:       "call_2",
					Type:     "function",
					Function: pipeline.ToolFunction{Name: "get_weather", Arguments: `{"city":"Oslo"}`},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: &pipeline.Usage{InputTokens: 7, OutputTokens: 9, TotalTokens: 16},
	}

	out, err := responsesCodec{}.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	if out["object"] != "response" || out["status"] != "completed" {
		t.Errorf("envelope: %v", out)
	}
	output := out["output"].([]any)
	if len(output) != 2 {
		t.Fatalf("expected message + function_call items, got %v", output)
	}
	msgItem := output[0].(map[string]any)
	parts := msgItem["content"].([]any)
	if parts[0].(map[string]any)["text"] != "sunny" {
		t.Errorf("output text: %v", parts[0])
	}
	callItem := output[1].(map[string]any)
	if callItem["call_id"] != "call_2" || callItem["name"] != "get_weather" {
		t.Errorf("function_call item: %v", callItem)
	}
	usage := out["usage"].(map[string]any)
	if usage["input_tokens"] != float64(7) {
		t.Errorf("usage: %v", usage)
	}
}

func TestResponsesEncodeResponseLengthFinish(t *testing.T) {
	resp := &pipeline.CanonicalResponse{
		ID:    "resp_1",
		Model: "gpt-4o",
		Choices: []pipeline.Choice{{
			Message:      pipeline.Message{Role: "assistant", Content: "trunc"},
			FinishReason: "length",
		}},
	}
	out, err := responsesCodec{}.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	if out["status"] != "incomplete" {
		t.Errorf("status: got %v", out["status"])
	}
	details := out["incomplete_details"].(map[string]any)
	if details["reason"] != "max_output_tokens" {
		t.Errorf("incomplete_details: %v", details)
	}
}
