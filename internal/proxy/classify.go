package proxy

import (
	"strings"

	"github.com/allaspectsdev/switchyard/internal/pipeline"
	"github.com/allaspectsdev/switchyard/internal/tokenizer"
)

// CategoryHeader lets a client pick its routing category explicitly.
// Unknown values fall through to structural classification.
const CategoryHeader = "x-route-category"

// validCategories is the closed set a client may request by header.
var validCategories = map[string]bool{
	"default":     true,
	"coding":      true,
	"longcontext": true,
	"tools":       true,
	"thinking":    true,
	"vision":      true,
	"websearch":   true,
	"background":  true,
}

// Classifier derives a routing category from request structure alone. It
// never reads message text beyond counting it.
type Classifier struct {
	// ModelRoutes maps an exact requested model name to a category.
	ModelRoutes map[string]string
	// LongContextThreshold is the estimated input token count above which a
	// request routes to the longcontext pool. Zero disables the check.
	LongContextThreshold int
	// BackgroundModel routes an exact model match to the background pool.
	BackgroundModel string

	Tokenizer *tokenizer.Tokenizer
}

// Classify resolves the category for one request body. Precedence: header,
// model route, thinking, vision, websearch, tools, longcontext, background.
func (c *Classifier) Classify(header string, d pipeline.Dialect, body map[string]any) string {
	if validCategories[header] {
		return header
	}

	model, _ := body["model"].(string)
	if cat, ok := c.ModelRoutes[model]; ok && cat != "" {
		return cat
	}

	if hasThinking(body) {
		return "thinking"
	}
	if hasVision(body) {
		return "vision"
	}
	if hasWebSearch(body) {
		return "websearch"
	}
	if hasTools(body) {
		return "tools"
	}
	if c.LongContextThreshold > 0 && c.Tokenizer != nil &&
		c.estimate(model, body) > c.LongContextThreshold {
		return "longcontext"
	}
	if c.BackgroundModel != "" && model == c.BackgroundModel {
		return "background"
	}
	return "default"
}

// hasThinking detects a reasoning request in any dialect: an Anthropic
// thinking block, or a Responses/Chat reasoning parameter.
func hasThinking(body map[string]any) bool {
	if t, ok := body["thinking"].(map[string]any); ok {
		if typ, _ := t["type"].(string); typ != "disabled" {
			return true
		}
	}
	if _, ok := body["reasoning"].(map[string]any); ok {
		return true
	}
	if s, ok := body["reasoning_effort"].(string); ok && s != "" && s != "none" {
		return true
	}
	return false
}

// hasVision detects image content blocks in messages or Responses input.
func hasVision(body map[string]any) bool {
	for _, item := range messageItems(body) {
		msg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		blocks, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, raw := range blocks {
			b, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch b["type"] {
			case "image", "image_url", "input_image":
				return true
			}
		}
	}
	return false
}

// hasWebSearch detects a web-search tool in any dialect's tool list.
func hasWebSearch(body map[string]any) bool {
	tools, ok := body["tools"].([]any)
	if !ok {
		return false
	}
	for _, raw := range tools {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if typ, _ := t["type"].(string); strings.HasPrefix(typ, "web_search") {
			return true
		}
	}
	return false
}

// hasTools reports whether any tool is offered or forced.
func hasTools(body map[string]any) bool {
	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		return true
	}
	_, ok := body["tool_choice"]
	return ok
}

// estimate counts the text of every message plus the system prompt.
func (c *Classifier) estimate(model string, body map[string]any) int {
	var msgs []tokenizer.Message

	switch s := body["system"].(type) {
	case string:
		msgs = append(msgs, tokenizer.Message{Role: "system", Content: s})
	case []any:
		msgs = append(msgs, tokenizer.Message{Role: "system", Content: flattenBlocks(s)})
	}
	if s, ok := body["instructions"].(string); ok {
		msgs = append(msgs, tokenizer.Message{Role: "system", Content: s})
	}

	for _, item := range messageItems(body) {
		msg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		var content string
		switch v := msg["content"].(type) {
		case string:
			content = v
		case []any:
			content = flattenBlocks(v)
		}
		msgs = append(msgs, tokenizer.Message{Role: role, Content: content})
	}

	return c.Tokenizer.CountMessages(model, msgs)
}

// messageItems returns the message list of any dialect: "messages" for Chat
// and Anthropic, "input" for Responses. A string Responses input counts as
// one user message.
func messageItems(body map[string]any) []any {
	if msgs, ok := body["messages"].([]any); ok {
		return msgs
	}
	switch in := body["input"].(type) {
	case []any:
		return in
	case string:
		return []any{map[string]any{"role": "user", "content": in}}
	}
	return nil
}

// flattenBlocks joins the text fields of a content block list.
func flattenBlocks(blocks []any) string {
	var b strings.Builder
	for _, raw := range blocks {
		if m, ok := raw.(map[string]any); ok {
			if t, ok := m["text"].(string); ok {
				b.WriteString(t)
			}
		}
	}
	return b.String()
}
