package stream

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Streams collected into a buffered reply are capped so a runaway upstream
// cannot exhaust memory.
const defaultCollectCap = 32 << 20

// CollectChat drains a chat-protocol stream into its buffered equivalent.
// Used when the streaming policy forced an SSE upstream exchange but the
// client asked for a single body.
func CollectChat(ctx context.Context, src io.ReadCloser, maxBytes int64) (*Final, error) {
	defer src.Close()
	if maxBytes <= 0 {
		maxBytes = defaultCollectCap
	}

	var (
		f     Final
		text  strings.Builder
		tools = map[int]*FinalToolCall{}
		order []int
		total int64
	)

	r := NewReader(src)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		evt, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if evt.Data == Terminator {
			break
		}
		total += int64(len(evt.Data))
		if total > maxBytes {
			return nil, fmt.Errorf("stream exceeded %d bytes while collecting", maxBytes)
		}

		chunk, err := DecodeChatChunk(evt.Data)
		if err != nil {
			continue
		}
		if chunk.Err() {
			return nil, fmt.Errorf("upstream stream error: %s", chunk.ErrMessage)
		}

		if f.ID == "" {
			f.ID = chunk.ID
		}
		if f.Model == "" {
			f.Model = chunk.Model
		}
		if f.Created == 0 {
			f.Created = chunk.Created
		}
		if chunk.Usage != nil {
			f.Usage = chunk.Usage
		}
		text.WriteString(chunk.Text)

		for _, td := range chunk.ToolCalls {
			tc, ok := tools[td.Index]
			if !ok {
				tc = &FinalToolCall{ID: td.ID}
				if tc.ID == "" {
					tc.ID = "call_" + newID()
				}
				tools[td.Index] = tc
				order = append(order, td.Index)
			}
			if td.Name != "" && tc.Name == "" {
				tc.Name = td.Name
			}
			tc.Args += td.Args
		}

		if chunk.FinishReason != "" {
			f.FinishReason = chunk.FinishReason
		}
	}

	f.Text = text.String()
	sort.Ints(order)
	for _, idx := range order {
		f.ToolCalls = append(f.ToolCalls, *tools[idx])
	}
	return &f, nil
}

// CollectAnthropic drains an Anthropic Messages stream into the neutral
// buffered form. The stop reason is translated to chat vocabulary.
func CollectAnthropic(ctx context.Context, src io.ReadCloser, maxBytes int64) (*Final, error) {
	defer src.Close()
	if maxBytes <= 0 {
		maxBytes = defaultCollectCap
	}

	var (
		f            Final
		text         strings.Builder
		toolsByBlock = map[int]*FinalToolCall{}
		order        []int
		inputTokens  int
		outputTokens int
		total        int64
	)

	r := NewReader(src)
loop:
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		evt, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		total += int64(len(evt.Data))
		if total > maxBytes {
			return nil, fmt.Errorf("stream exceeded %d bytes while collecting", maxBytes)
		}

		ae, err := DecodeAnthropicEvent(evt)
		if err != nil {
			continue
		}
		switch ae.Type {
		case "message_start":
			f.ID = ae.MessageID
			f.Model = ae.Model
			inputTokens = ae.InputTokens
		case "content_block_start":
			if ae.BlockType == "tool_use" {
				tc := &FinalToolCall{ID: ae.ToolID, Name: ae.ToolName}
				if tc.ID == "" {
					tc.ID = "toolu_" + newID()
				}
				toolsByBlock[ae.Index] = tc
				order = append(order, ae.Index)
			}
		case "content_block_delta":
			if ae.Text != "" {
				text.WriteString(ae.Text)
			}
			if ae.PartialJSON != "" {
				if tc := toolsByBlock[ae.Index]; tc != nil {
					tc.Args += ae.PartialJSON
				}
			}
		case "message_delta":
			if ae.StopReason != "" {
				f.FinishReason = MapAnthropicStopToChat(ae.StopReason)
			}
			if ae.OutputTokens != 0 {
				outputTokens = ae.OutputTokens
			}
		case "error":
			return nil, fmt.Errorf("upstream stream error: %s", ae.ErrMessage)
		case "message_stop":
			break loop
		}
	}

	if inputTokens != 0 || outputTokens != 0 {
		f.Usage = &Usage{
			PromptTokens:     inputTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      inputTokens + outputTokens,
		}
	}
	f.Text = text.String()
	sort.Ints(order)
	for _, idx := range order {
		f.ToolCalls = append(f.ToolCalls, *toolsByBlock[idx])
	}
	return &f, nil
}
