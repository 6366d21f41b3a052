package stream

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// NewForwarder returns a Sequence relaying upstream events unchanged,
// including the upstream terminator. Used when client and provider speak the
// same dialect. A non-nil filter is applied to each event; returning nil
// drops it.
func NewForwarder(src io.ReadCloser, filter EventFilter) Sequence {
	f := &forwarder{
		src:    src,
		filter: filter,
		events: make(chan readResult),
		done:   make(chan struct{}),
	}
	go f.readLoop()
	return f
}

type forwarder struct {
	src    io.ReadCloser
	filter EventFilter
	events chan readResult
	done   chan struct{}
	once   sync.Once
}

func (f *forwarder) readLoop() {
	defer close(f.events)
	r := NewReader(f.src)
	for {
		evt, err := r.Next()
		if err != nil {
			if err != io.EOF {
				select {
				case f.events <- readResult{err: err}:
				case <-f.done:
				}
			}
			return
		}
		select {
		case f.events <- readResult{evt: evt}:
		case <-f.done:
			return
		}
	}
}

func (f *forwarder) Next(ctx context.Context) (*Event, error) {
	for {
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case rr, ok := <-f.events:
			if !ok {
				return nil, io.EOF
			}
			if rr.err != nil {
				return nil, rr.err
			}
			evt := rr.evt
			if f.filter != nil {
				evt = f.filter(evt)
				if evt == nil {
					continue
				}
			}
			return evt, nil
		}
	}
}

func (f *forwarder) Close() error {
	f.once.Do(func() {
		close(f.done)
		f.src.Close()
	})
	return nil
}

// SynthesizeChat replays a buffered reply as a chat.completion.chunk stream
// for chat-dialect clients that asked for SSE when the upstream exchange was
// buffered: role chunk, content chunk, one chunk per tool call, a finish
// chunk carrying usage, then the terminator.
func SynthesizeChat(f *Final) Sequence {
	id := f.ID
	if id == "" {
		id = "chatcmpl-" + newID()
	}
	created := f.Created
	if created == 0 {
		created = time.Now().Unix()
	}

	base := func(delta map[string]any, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   f.Model,
			"choices": []any{
				map[string]any{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
	}

	var events []*Event
	add := func(m map[string]any) {
		b, err := json.Marshal(m)
		if err != nil {
			return
		}
		events = append(events, &Event{Data: string(b)})
	}

	add(base(map[string]any{"role": "assistant"}, nil))
	if f.Text != "" {
		add(base(map[string]any{"content": f.Text}, nil))
	}
	for i, tc := range f.ToolCalls {
		add(base(map[string]any{
			"tool_calls": []any{
				map[string]any{
					"index": i,
					"id":    tc.ID,
					"type":  "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Args,
					},
				},
			},
		}, nil))
	}

	reason := f.FinishReason
	if reason == "" {
		reason = "stop"
	}
	last := base(map[string]any{}, reason)
	if f.Usage != nil {
		last["usage"] = map[string]any{
			"prompt_tokens":     f.Usage.PromptTokens,
			"completion_tokens": f.Usage.CompletionTokens,
			"total_tokens":      f.Usage.TotalTokens,
		}
	}
	add(last)
	events = append(events, &Event{Data: Terminator})

	return &sliceSeq{events: events}
}
