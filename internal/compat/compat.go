// Package compat applies provider-specific quirk rewrites that cannot live
// in the dialect codecs because they depend on the concrete provider. Every
// patch is a pure function of the body and its configuration; none of them
// touches the network or disk.
package compat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/allaspectsdev/switchyard/internal/pipeline"
	"github.com/allaspectsdev/switchyard/internal/stream"
)

// Kind names the known patch implementations. Unknown names fail at
// pipeline build time.
const (
	KindPassthrough = "passthrough"
	KindFieldRename = "field-rename"
	KindThinking    = "thinking"
	KindToolArgs    = "tool-args"
	KindRoleMerge   = "role-merge"
)

// New builds the patch stage for one pipeline. The configuration map is the
// pipeline's compatibility settings, interpreted per kind.
func New(kind string, cfg map[string]any) (pipeline.Compat, error) {
	switch kind {
	case KindPassthrough, "":
		return passthrough{}, nil
	case KindFieldRename:
		return newFieldRename(cfg), nil
	case KindThinking:
		return newThinking(cfg), nil
	case KindToolArgs:
		return toolArgs{}, nil
	case KindRoleMerge:
		return roleMerge{}, nil
	default:
		return nil, fmt.Errorf("unknown compatibility patch %q", kind)
	}
}

// passthrough is the zero-op patch.
type passthrough struct{}

func (passthrough) Kind() string { return KindPassthrough }

func (passthrough) PatchRequest(ctx context.Context, body map[string]any) (map[string]any, error) {
	return body, nil
}

func (passthrough) PatchResponse(ctx context.Context, body map[string]any) (map[string]any, error) {
	return body, nil
}

func (passthrough) StreamFilter() stream.EventFilter { return nil }

// fieldRename maps canonical top-level field names to vendor names on the
// request and back on the response. Configuration:
//
//	request  = { canonical = "vendor", ... }
//	response = { vendor = "canonical", ... }
//
// An absent response table inverts the request table.
type fieldRename struct {
	request  map[string]string
	response map[string]string
}

func newFieldRename(cfg map[string]any) *fieldRename {
	fr := &fieldRename{
		request:  stringMap(cfg["request"]),
		response: stringMap(cfg["response"]),
	}
	if len(fr.response) == 0 {
		fr.response = make(map[string]string, len(fr.request))
		for from, to := range fr.request {
			fr.response[to] = from
		}
	}
	return fr
}

func (*fieldRename) Kind() string { return KindFieldRename }

func (fr *fieldRename) PatchRequest(ctx context.Context, body map[string]any) (map[string]any, error) {
	return renameFields(body, fr.request), nil
}

func (fr *fieldRename) PatchResponse(ctx context.Context, body map[string]any) (map[string]any, error) {
	return renameFields(body, fr.response), nil
}

func (*fieldRename) StreamFilter() stream.EventFilter { return nil }

func renameFields(body map[string]any, table map[string]string) map[string]any {
	if len(table) == 0 {
		return body
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if to, ok := table[k]; ok {
			out[to] = v
			continue
		}
		out[k] = v
	}
	return out
}

// thinking injects the provider's required thinking toggle into the request
// when the body carries none. Configuration:
//
//	field   = "thinking"              # target field name
//	payload = { type = "enabled", budget_tokens = 4096 }
type thinking struct {
	field   string
	payload map[string]any
}

func newThinking(cfg map[string]any) *thinking {
	t := &thinking{field: "thinking"}
	if f, ok := cfg["field"].(string); ok && f != "" {
		t.field = f
	}
	if p, ok := cfg["payload"].(map[string]any); ok {
		t.payload = p
	} else {
		t.payload = map[string]any{"type": "enabled"}
	}
	return t
}

func (*thinking) Kind() string { return KindThinking }

func (t *thinking) PatchRequest(ctx context.Context, body map[string]any) (map[string]any, error) {
	if _, present := body[t.field]; present {
		return body, nil
	}
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out[t.field] = t.payload
	return out, nil
}

func (t *thinking) PatchResponse(ctx context.Context, body map[string]any) (map[string]any, error) {
	return body, nil
}

func (*thinking) StreamFilter() stream.EventFilter { return nil }

// toolArgs coerces function-call arguments to the JSON-string form some
// providers require: tool_calls in messages carry arguments as a string,
// never a nested object.
type toolArgs struct{}

func (toolArgs) Kind() string { return KindToolArgs }

func (toolArgs) PatchRequest(ctx context.Context, body map[string]any) (map[string]any, error) {
	msgs, ok := body["messages"].([]any)
	if !ok {
		return body, nil
	}
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		calls, ok := msg["tool_calls"].([]any)
		if !ok {
			continue
		}
		for _, c := range calls {
			call, ok := c.(map[string]any)
			if !ok {
				continue
			}
			fn, ok := call["function"].(map[string]any)
			if !ok {
				continue
			}
			coerceArguments(fn)
		}
	}
	return body, nil
}

func (toolArgs) PatchResponse(ctx context.Context, body map[string]any) (map[string]any, error) {
	choices, ok := body["choices"].([]any)
	if !ok {
		return body, nil
	}
	for _, ch := range choices {
		choice, ok := ch.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		calls, ok := msg["tool_calls"].([]any)
		if !ok {
			continue
		}
		for _, c := range calls {
			call, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if fn, ok := call["function"].(map[string]any); ok {
				coerceArguments(fn)
			}
		}
	}
	return body, nil
}

func (toolArgs) StreamFilter() stream.EventFilter { return nil }

// coerceArguments rewrites a non-string arguments value in place as its
// JSON encoding.
func coerceArguments(fn map[string]any) {
	args, present := fn["arguments"]
	if !present {
		return
	}
	if _, isString := args.(string); isString {
		return
	}
	b, err := json.Marshal(args)
	if err != nil {
		return
	}
	fn["arguments"] = string(b)
}

// roleMerge folds consecutive same-role messages into one, for providers
// that reject adjacent turns with the same role. String contents join with
// a blank line; block-list contents concatenate.
type roleMerge struct{}

func (roleMerge) Kind() string { return KindRoleMerge }

func (roleMerge) PatchRequest(ctx context.Context, body map[string]any) (map[string]any, error) {
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) < 2 {
		return body, nil
	}

	merged := make([]any, 0, len(msgs))
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			merged = append(merged, m)
			continue
		}
		if len(merged) > 0 {
			if prev, ok := merged[len(merged)-1].(map[string]any); ok && sameRole(prev, msg) {
				merged[len(merged)-1] = mergeMessages(prev, msg)
				continue
			}
		}
		merged = append(merged, msg)
	}

	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	out["messages"] = merged
	return out, nil
}

func (roleMerge) PatchResponse(ctx context.Context, body map[string]any) (map[string]any, error) {
	return body, nil
}

func (roleMerge) StreamFilter() stream.EventFilter { return nil }

// sameRole reports whether two messages can merge: equal roles, and neither
// carries tool calls or a tool_call_id (those turns must stay separate).
func sameRole(a, b map[string]any) bool {
	ra, _ := a["role"].(string)
	rb, _ := b["role"].(string)
	if ra == "" || ra != rb {
		return false
	}
	for _, m := range []map[string]any{a, b} {
		if _, ok := m["tool_calls"]; ok {
			return false
		}
		if _, ok := m["tool_call_id"]; ok {
			return false
		}
	}
	return true
}

func mergeMessages(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v
	}

	ca, aIsStr := a["content"].(string)
	cb, bIsStr := b["content"].(string)
	switch {
	case aIsStr && bIsStr:
		out["content"] = strings.TrimSpace(ca) + "\n\n" + strings.TrimSpace(cb)
	default:
		out["content"] = append(toBlocks(a["content"]), toBlocks(b["content"])...)
	}
	return out
}

// toBlocks lifts a content value into block-list form so mixed string and
// block contents can concatenate.
func toBlocks(content any) []any {
	switch c := content.(type) {
	case []any:
		return c
	case string:
		if c == "" {
			return nil
		}
		return []any{map[string]any{"type": "text", "text": c}}
	default:
		return nil
	}
}

func stringMap(v any) map[string]string {
	out := make(map[string]string)
	if m, ok := v.(map[string]any); ok {
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
