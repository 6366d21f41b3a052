package compat

import (
	"context"
	"reflect"
	"testing"
)

func TestNewUnknownKind(t *testing.T) {
	if _, err := New("does-not-exist", nil); err == nil {
		t.Fatal("expected error for unknown patch kind")
	}
}

func TestPassthroughIsIdentity(t *testing.T) {
	p, err := New(KindPassthrough, nil)
	if err != nil {
		t.Fatal(err)
	}
	body := map[string]any{"model": "m1", "messages": []any{}}

	got, err := p.PatchRequest(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, body) {
		t.Errorf("PatchRequest changed the body: %v", got)
	}
	got, err = p.PatchResponse(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, body) {
		t.Errorf("PatchResponse changed the body: %v", got)
	}
}

func TestFieldRenameBothDirections(t *testing.T) {
	p, err := New(KindFieldRename, map[string]any{
		"request": map[string]any{"max_tokens": "max_completion_tokens"},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := map[string]any{"model": "m1", "max_tokens": 100}
	got, err := p.PatchRequest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["max_tokens"]; ok {
		t.Error("canonical field survived the request rename")
	}
	if got["max_completion_tokens"] != 100 {
		t.Errorf("vendor field = %v, want 100", got["max_completion_tokens"])
	}

	// The response table inverts the request table when not given.
	resp := map[string]any{"max_completion_tokens": 42}
	got, err = p.PatchResponse(context.Background(), resp)
	if err != nil {
		t.Fatal(err)
	}
	if got["max_tokens"] != 42 {
		t.Errorf("response rename = %v, want max_tokens=42", got)
	}
}

func TestThinkingInjectsWhenAbsent(t *testing.T) {
	p, err := New(KindThinking, map[string]any{
		"payload": map[string]any{"type": "enabled", "budget_tokens": 4096},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := p.PatchRequest(context.Background(), map[string]any{"model": "m1"})
	if err != nil {
		t.Fatal(err)
	}
	payload, ok := got["thinking"].(map[string]any)
	if !ok {
		t.Fatalf("thinking payload not injected: %v", got)
	}
	if payload["budget_tokens"] != 4096 {
		t.Errorf("payload = %v", payload)
	}
}

func TestThinkingKeepsExistingToggle(t *testing.T) {
	p, _ := New(KindThinking, nil)
	existing := map[string]any{"type": "enabled", "budget_tokens": 1}
	got, err := p.PatchRequest(context.Background(), map[string]any{"thinking": existing})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got["thinking"], existing) {
		t.Errorf("existing thinking toggle was replaced: %v", got["thinking"])
	}
}

func TestToolArgsCoercesObjectsToJSONStrings(t *testing.T) {
	p, _ := New(KindToolArgs, nil)
	body := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"tool_calls": []any{
					map[string]any{
						"id":   "c1",
						"type": "function",
						"function": map[string]any{
							"name":      "lookup",
							"arguments": map[string]any{"q": "x"},
						},
					},
				},
			},
		},
	}

	got, err := p.PatchRequest(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	fn := got["messages"].([]any)[0].(map[string]any)["tool_calls"].([]any)[0].(map[string]any)["function"].(map[string]any)
	args, ok := fn["arguments"].(string)
	if !ok {
		t.Fatalf("arguments not coerced to string: %T", fn["arguments"])
	}
	if args != `{"q":"x"}` {
		t.Errorf("arguments = %q", args)
	}
}

func TestToolArgsLeavesStringsAlone(t *testing.T) {
	p, _ := New(KindToolArgs, nil)
	body := map[string]any{
		"choices": []any{
			map[string]any{
				"message": map[string]any{
					"tool_calls": []any{
						map[string]any{
							"function": map[string]any{"name": "f", "arguments": `{"a":1}`},
						},
					},
				},
			},
		},
	}
	got, err := p.PatchResponse(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	fn := got["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)["tool_calls"].([]any)[0].(map[string]any)["function"].(map[string]any)
	if fn["arguments"] != `{"a":1}` {
		t.Errorf("arguments = %v", fn["arguments"])
	}
}

func TestRoleMergeFoldsConsecutiveTurns(t *testing.T) {
	p, _ := New(KindRoleMerge, nil)
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "first"},
			map[string]any{"role": "user", "content": "second"},
			map[string]any{"role": "assistant", "content": "reply"},
			map[string]any{"role": "user", "content": "third"},
		},
	}

	got, err := p.PatchRequest(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	msgs := got["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["content"] != "first\n\nsecond" {
		t.Errorf("merged content = %q", first["content"])
	}
	if msgs[1].(map[string]any)["role"] != "assistant" {
		t.Errorf("second message role = %v", msgs[1].(map[string]any)["role"])
	}
}

func TestRoleMergeMixedContentForms(t *testing.T) {
	p, _ := New(KindRoleMerge, nil)
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "text part"},
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "block part"},
			}},
		},
	}

	got, err := p.PatchRequest(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	msgs := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(msgs))
	}
	blocks, ok := msgs[0].(map[string]any)["content"].([]any)
	if !ok || len(blocks) != 2 {
		t.Fatalf("merged content = %v", msgs[0].(map[string]any)["content"])
	}
}

func TestRoleMergeSkipsToolTurns(t *testing.T) {
	p, _ := New(KindRoleMerge, nil)
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "tool", "tool_call_id": "c1", "content": "r1"},
			map[string]any{"role": "tool", "tool_call_id": "c2", "content": "r2"},
		},
	}
	got, err := p.PatchRequest(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if msgs := got["messages"].([]any); len(msgs) != 2 {
		t.Errorf("tool result turns were merged: %v", msgs)
	}
}
