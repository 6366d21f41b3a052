package pipeline

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/allaspectsdev/switchyard/internal/stream"
)

// Dialect identifies one of the supported wire protocols.
type Dialect string

const (
	DialectChat      Dialect = "chat"
	DialectResponses Dialect = "responses"
	DialectAnthropic Dialect = "anthropic"
)

// StreamingPolicy decides whether the upstream exchange streams.
type StreamingPolicy string

const (
	// StreamAlways forces an SSE upstream exchange regardless of the client.
	StreamAlways StreamingPolicy = "always"
	// StreamNever forces a buffered upstream exchange.
	StreamNever StreamingPolicy = "never"
	// StreamAuto follows the client's stream flag.
	StreamAuto StreamingPolicy = "auto"
)

// ProcessMode selects how a pipeline treats the client body.
type ProcessMode string

const (
	ModeChat      ProcessMode = "chat"
	ModeResponses ProcessMode = "responses"
	ModeAnthropic ProcessMode = "anthropic"
	// ModePassthrough forwards the body verbatim, skipping dialect
	// translation and compatibility patches in both directions.
	ModePassthrough ProcessMode = "passthrough"
)

// Handle names one provider+model+credential tuple. The canonical encoding is
// providerId.modelId__keyId; modelId may contain dots, so the first dot splits
// the provider and the last __ splits the key.
type Handle struct {
	Provider string
	Model    string
	Key      string
}

// ParseHandle decodes the canonical handle form. A missing __keyId suffix
// selects the provider's "default" key.
func ParseHandle(s string) (Handle, error) {
	dot := strings.Index(s, ".")
	if dot <= 0 || dot == len(s)-1 {
		return Handle{}, fmt.Errorf("invalid pipeline handle %q: want providerId.modelId__keyId", s)
	}
	h := Handle{Provider: s[:dot], Model: s[dot+1:], Key: "default"}
	if i := strings.LastIndex(h.Model, "__"); i >= 0 {
		if i == 0 || i == len(h.Model)-2 {
			return Handle{}, fmt.Errorf("invalid pipeline handle %q: empty model or key segment", s)
		}
		h.Key = h.Model[i+2:]
		h.Model = h.Model[:i]
	}
	return h, nil
}

func (h Handle) String() string {
	if h.Key == "" || h.Key == "default" {
		return h.Provider + "." + h.Model
	}
	return h.Provider + "." + h.Model + "__" + h.Key
}

// Request is one client request as it enters a pipeline.
type Request struct {
	ID         string
	Dialect    Dialect
	Category   string
	Body       map[string]any
	Stream     bool
	Debug      bool
	Headers    map[string]string
	ReceivedAt time.Time

	committed atomic.Bool
}

// Commit marks the request as having emitted its first client-visible stream
// event. It returns true on the first call only. A committed request must
// never be retried.
func (r *Request) Commit() bool {
	return r.committed.CompareAndSwap(false, true)
}

// Committed reports whether any stream output has reached the client.
func (r *Request) Committed() bool {
	return r.committed.Load()
}

// Message is one chat turn in canonical form. Content is either a string or
// a []ContentBlock.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ContentBlock is one part of a multi-part message.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Source    map[string]any `json:"source,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     any            `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
}

// ToolCall is a completed function invocation attached to a message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the function name and its JSON-encoded arguments.
type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is one tool definition offered to the model.
type Tool struct {
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
	Function    any    `json:"function,omitempty"`
}

// CanonicalRequest is the dialect-neutral request shape produced by the
// inbound switch. It is a superset of the chat dialect, so chat requests
// translate losslessly.
type CanonicalRequest struct {
	Model        string
	System       string
	SystemBlocks []ContentBlock
	Messages     []Message
	Tools        []Tool
	ToolChoice   any
	Stream       bool
	MaxTokens    int
	Temperature  *float64
	TopP         *float64
	Stop         []string
	Thinking     map[string]any
	Metadata     map[string]any
}

// Usage is canonical token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// CanonicalResponse is the dialect-neutral buffered reply shape.
type CanonicalResponse struct {
	ID        string
	CreatedAt int64
	Model     string
	Choices   []Choice
	Usage     *Usage
}

// Final converts the first choice into the neutral replay form used by the
// stream package.
func (r *CanonicalResponse) Final() *stream.Final {
	f := &stream.Final{ID: r.ID, Created: r.CreatedAt, Model: r.Model}
	if len(r.Choices) > 0 {
		c := r.Choices[0]
		if s, ok := c.Message.Content.(string); ok {
			f.Text = s
		}
		for _, tc := range c.Message.ToolCalls {
			f.ToolCalls = append(f.ToolCalls, stream.FinalToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			})
		}
		f.FinishReason = c.FinishReason
	}
	if r.Usage != nil {
		f.Usage = &stream.Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}
	return f
}

// FromFinal lifts a collected stream back into canonical form.
func FromFinal(f *stream.Final) *CanonicalResponse {
	msg := Message{Role: "assistant", Content: f.Text}
	for _, tc := range f.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: ToolFunction{
				Name:      tc.Name,
				Arguments: tc.Args,
			},
		})
	}
	r := &CanonicalResponse{
		ID:        f.ID,
		CreatedAt: f.Created,
		Model:     f.Model,
		Choices:   []Choice{{Message: msg, FinishReason: f.FinishReason}},
	}
	if f.Usage != nil {
		r.Usage = &Usage{
			InputTokens:  f.Usage.PromptTokens,
			OutputTokens: f.Usage.CompletionTokens,
			TotalTokens:  f.Usage.TotalTokens,
		}
	}
	return r
}

// Response is what a pipeline hands back to the front door: either a buffered
// client-dialect body or a lazy client-dialect event sequence, never both.
type Response struct {
	RequestID string
	Dialect   Dialect
	Body      map[string]any
	Stream    stream.Sequence
	Provider  string
	Model     string
	Timings   map[string]time.Duration // populated only for debug requests
}

// Streaming reports whether the response is an SSE sequence.
func (r *Response) Streaming() bool { return r.Stream != nil }

// Blueprint describes a pipeline's static assembly for introspection.
type Blueprint struct {
	ID              string          `json:"id"`
	Switch          string          `json:"switch"`
	Workflow        string          `json:"workflow"`
	Compat          string          `json:"compatibility"`
	Provider        string          `json:"provider"`
	Protocol        Dialect         `json:"protocol"`
	StreamingPolicy StreamingPolicy `json:"streaming_policy"`
	Mode            ProcessMode     `json:"process_mode"`
	ProviderID      string          `json:"provider_id"`
	Model           string          `json:"model"`
	KeyID           string          `json:"key_id"`
}
