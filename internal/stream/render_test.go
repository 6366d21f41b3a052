package stream

import "testing"

func TestChatBodyRoundTrip(t *testing.T) {
	f := &Final{
		ID:           "chatcmpl-r",
		Created:      99,
		Model:        "gpt-x",
		Text:         "hello",
		ToolCalls:    []FinalToolCall{{ID: "c1", Name: "lookup", Args: `{"q":"x"}`}},
		FinishReason: "tool_calls",
		Usage:        &Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}

	got, err := FinalFromChatBody(ChatBodyFromFinal(f))
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if got.ID != f.ID || got.Created != f.Created || got.Model != f.Model || got.Text != f.Text {
		t.Errorf("identity: %+v", got)
	}
	if got.FinishReason != "tool_calls" {
		t.Errorf("finish: %q", got.FinishReason)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0] != f.ToolCalls[0] {
		t.Errorf("tool calls: %+v", got.ToolCalls)
	}
	if got.Usage == nil || *got.Usage != *f.Usage {
		t.Errorf("usage: %+v", got.Usage)
	}
}

func TestChatBodyNullContentForToolOnlyReply(t *testing.T) {
	f := &Final{Model: "m", ToolCalls: []FinalToolCall{{ID: "c", Name: "f", Args: "{}"}}, FinishReason: "tool_calls"}
	body := ChatBodyFromFinal(f)
	msg := body["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != nil {
		t.Errorf("content: got %v, want nil", msg["content"])
	}
}

func TestAnthropicBodyRoundTrip(t *testing.T) {
	f := &Final{
		ID:           "msg_r",
		Model:        "claude-x",
		Text:         "answer",
		ToolCalls:    []FinalToolCall{{ID: "toolu_1", Name: "lookup", Args: `{"q":"x"}`}},
		FinishReason: "tool_calls",
		Usage:        &Usage{PromptTokens: 4, CompletionTokens: 5, TotalTokens: 9},
	}

	body := AnthropicBodyFromFinal(f)
	if body["stop_reason"] != "tool_use" {
		t.Errorf("stop_reason: %v", body["stop_reason"])
	}

	got, err := FinalFromAnthropicBody(body)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if got.ID != f.ID || got.Model != f.Model || got.Text != f.Text {
		t.Errorf("identity: %+v", got)
	}
	// tool_use maps back to the chat name.
	if got.FinishReason != "tool_calls" {
		t.Errorf("finish: %q", got.FinishReason)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("tool calls: %+v", got.ToolCalls)
	}
	if got.ToolCalls[0].ID != "toolu_1" || got.ToolCalls[0].Name != "lookup" || got.ToolCalls[0].Args != `{"q":"x"}` {
		t.Errorf("tool call: %+v", got.ToolCalls[0])
	}
	if got.Usage == nil || got.Usage.TotalTokens != 9 {
		t.Errorf("usage: %+v", got.Usage)
	}
}

func TestFinalFromChatBodyIgnoresBlockContent(t *testing.T) {
	body := map[string]any{
		"id":    "c",
		"model": "m",
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": []any{map[string]any{"type": "text", "text": "x"}}},
				"finish_reason": "stop",
			},
		},
	}
	f, err := FinalFromChatBody(body)
	if err != nil {
		t.Fatalf("FinalFromChatBody: %v", err)
	}
	if f.Text != "" {
		t.Errorf("block content should not decode as text: %q", f.Text)
	}
	if f.FinishReason != "stop" {
		t.Errorf("finish: %q", f.FinishReason)
	}
}
