package stream

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sequence is a pull-based stream of client-dialect SSE events. Next blocks
// until an event is ready, the context is cancelled, or the stream has ended
// (io.EOF after the terminal event). Close releases the upstream connection
// and is safe to call more than once. A Sequence is not safe for concurrent
// use; exactly one goroutine pumps it.
type Sequence interface {
	Next(ctx context.Context) (*Event, error)
	Close() error
}

// Options configure a coalescer.
type Options struct {
	// Window batches consecutive text deltas into one client event. Zero
	// emits one event per upstream chunk.
	Window time.Duration
	// Model fills event payloads when upstream chunks omit the model name.
	Model string
	// InputTokens is the request-side token estimate used in usage stubs and
	// synthesized usage blocks.
	InputTokens int
	// CountTokens estimates output tokens when the upstream omits usage.
	CountTokens func(string) int
	// Filter runs on each raw upstream event before decoding; returning nil
	// drops the event. Compatibility patches with stream hooks install here.
	Filter EventFilter
}

// EventFilter rewrites or drops a raw SSE event. Returning nil drops it.
type EventFilter func(*Event) *Event

// draft is an event body before sequence numbering and marshalling.
type draft struct {
	event string
	data  map[string]any
}

// streamMeta captures upstream identity from the first chunk.
type streamMeta struct {
	ID      string
	Created int64
	Model   string
}

// toolCall tracks one streamed function call through its lifecycle: created
// on the first fragment naming it, accumulating argument chunks, closed by
// the terminal sequence.
type toolCall struct {
	Index  int
	ID     string
	ItemID string // synthesized output item id
	Name   string
	Args   strings.Builder
	Block  int // anthropic content block index
	Added  bool
}

// emitter turns decoded upstream activity into client-dialect event drafts.
// Calls are single-threaded and follow stream order; finish is called exactly
// once per stream (fail replaces it on error).
type emitter interface {
	start(m *streamMeta) []draft
	text(t string) []draft
	toolAdded(tc *toolCall) []draft
	toolDelta(tc *toolCall, chunk string) []draft
	finish(reason string, usage *Usage, tools []*toolCall, text string) []draft
	fail(code, typ, message string) []draft
}

// eventQueue assigns monotonic sequence numbers and marshals drafts.
type eventQueue struct {
	queue []*Event
	seq   int64
}

func (q *eventQueue) push(drafts []draft) {
	for _, d := range drafts {
		d.data["sequence_number"] = q.seq
		q.seq++
		b, err := json.Marshal(d.data)
		if err != nil {
			continue
		}
		q.queue = append(q.queue, &Event{Event: d.event, Data: string(b)})
	}
}

func (q *eventQueue) pop() *Event {
	evt := q.queue[0]
	q.queue = q.queue[1:]
	return evt
}

type readResult struct {
	evt *Event
	err error
}

// coalescer adapts a chat-protocol upstream stream into another dialect's
// event vocabulary. A reader goroutine feeds an unbuffered channel so that a
// slow client blocks the upstream read (backpressure); the only buffering is
// the text window, bounded by time.
type coalescer struct {
	eventQueue
	emit emitter
	opts Options

	src    io.ReadCloser
	events chan readResult
	done   chan struct{}
	once   sync.Once

	meta     streamMeta
	started  bool
	finished bool
	ended    bool

	textBuf strings.Builder // pending window
	textAll strings.Builder // full text for terminal events

	timer       *time.Timer
	timerActive bool

	tools map[int]*toolCall
	order []int

	finishReason string
	usage        *Usage
}

func newCoalescer(src io.ReadCloser, e emitter, opts Options) *coalescer {
	c := &coalescer{
		emit:   e,
		opts:   opts,
		src:    src,
		events: make(chan readResult),
		done:   make(chan struct{}),
		tools:  make(map[int]*toolCall),
		timer:  time.NewTimer(time.Hour),
	}
	if !c.timer.Stop() {
		<-c.timer.C
	}
	go c.readLoop()
	return c
}

func (c *coalescer) readLoop() {
	defer close(c.events)
	r := NewReader(c.src)
	for {
		evt, err := r.Next()
		if err != nil {
			if err != io.EOF {
				select {
				case c.events <- readResult{err: err}:
				case <-c.done:
				}
			}
			return
		}
		select {
		case c.events <- readResult{evt: evt}:
		case <-c.done:
			return
		}
	}
}

func (c *coalescer) Next(ctx context.Context) (*Event, error) {
	for {
		if len(c.queue) > 0 {
			return c.pop(), nil
		}
		if c.ended {
			return nil, io.EOF
		}

		var timerC <-chan time.Time
		if c.timerActive {
			timerC = c.timer.C
		}

		select {
		case <-ctx.Done():
			c.Close()
			return nil, ctx.Err()
		case <-timerC:
			c.timerActive = false
			c.flushText()
		case rr, ok := <-c.events:
			if !ok {
				c.finishUp()
				c.ended = true
				continue
			}
			if rr.err != nil {
				c.failUp("stream_error", "upstream_error", rr.err.Error())
				c.ended = true
				continue
			}
			c.ingest(rr.evt)
		}
	}
}

// Close releases the upstream socket and stops the reader goroutine.
func (c *coalescer) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.src.Close()
	})
	return nil
}

func (c *coalescer) ingest(evt *Event) {
	if c.finished {
		return
	}
	if c.opts.Filter != nil {
		evt = c.opts.Filter(evt)
		if evt == nil {
			return
		}
	}
	if evt.Data == Terminator {
		c.finishUp()
		return
	}
	chunk, err := DecodeChatChunk(evt.Data)
	if err != nil {
		// Tolerate a malformed interleaved chunk rather than killing the
		// stream; keep-alives and vendor extensions land here.
		return
	}
	if chunk.Err() {
		c.failUp(chunk.ErrCode, chunk.ErrType, chunk.ErrMessage)
		c.Close()
		return
	}

	if !c.started {
		c.started = true
		c.meta = streamMeta{ID: chunk.ID, Created: chunk.Created, Model: chunk.Model}
		if c.meta.Model == "" {
			c.meta.Model = c.opts.Model
		}
		if c.meta.Created == 0 {
			c.meta.Created = time.Now().Unix()
		}
		c.push(c.emit.start(&c.meta))
	}

	if chunk.Usage != nil {
		c.usage = chunk.Usage
	}

	if chunk.Text != "" {
		c.textBuf.WriteString(chunk.Text)
		if c.opts.Window <= 0 {
			c.flushText()
		} else if !c.timerActive {
			c.timer.Reset(c.opts.Window)
			c.timerActive = true
		}
	}

	for _, td := range chunk.ToolCalls {
		c.ingestTool(td)
	}

	if chunk.FinishReason != "" {
		c.finishReason = chunk.FinishReason
		c.finishUp()
	}
}

func (c *coalescer) ingestTool(td ToolCallDelta) {
	// Tool activity flushes buffered text so ordering is preserved.
	c.flushText()

	tc, ok := c.tools[td.Index]
	if !ok {
		tc = &toolCall{Index: td.Index, ID: td.ID}
		if tc.ID == "" {
			tc.ID = "call_" + newID()
		}
		c.tools[td.Index] = tc
		c.order = append(c.order, td.Index)
	}
	if td.Name != "" && tc.Name == "" {
		tc.Name = td.Name
	}
	if !tc.Added {
		tc.Added = true
		c.push(c.emit.toolAdded(tc))
	}
	if td.Args != "" {
		tc.Args.WriteString(td.Args)
		c.push(c.emit.toolDelta(tc, td.Args))
	}
}

func (c *coalescer) flushText() {
	if c.timerActive {
		if !c.timer.Stop() {
			select {
			case <-c.timer.C:
			default:
			}
		}
		c.timerActive = false
	}
	if c.textBuf.Len() == 0 {
		return
	}
	t := c.textBuf.String()
	c.textBuf.Reset()
	c.textAll.WriteString(t)
	c.push(c.emit.text(t))
}

// finishUp emits the terminal sequence exactly once. It runs on the upstream
// finish chunk, the [DONE] terminator, or EOF, whichever comes first; an EOF
// cut mid-call still closes every open tool call with its accumulated
// arguments.
func (c *coalescer) finishUp() {
	if c.finished {
		return
	}
	c.finished = true
	c.flushText()

	usage := c.usage
	if usage == nil && c.opts.CountTokens != nil {
		var sb strings.Builder
		sb.WriteString(c.textAll.String())
		for _, idx := range c.order {
			sb.WriteString(c.tools[idx].Args.String())
		}
		out := c.opts.CountTokens(sb.String())
		usage = &Usage{
			PromptTokens:     c.opts.InputTokens,
			CompletionTokens: out,
			TotalTokens:      c.opts.InputTokens + out,
		}
	}

	tools := make([]*toolCall, 0, len(c.order))
	for _, idx := range c.order {
		tools = append(tools, c.tools[idx])
	}
	reason := c.finishReason
	if reason == "" {
		reason = "stop"
	}
	c.push(c.emit.finish(reason, usage, tools, c.textAll.String()))
}

func (c *coalescer) failUp(code, typ, message string) {
	if c.finished {
		return
	}
	c.finished = true
	c.flushText()
	c.push(c.emit.fail(code, typ, message))
}

// Final is a fully buffered reply in neutral form, used to replay a stream
// for clients that asked for SSE when the upstream exchange was buffered,
// and as the result of draining a stream for clients that did not.
type Final struct {
	ID           string
	Created      int64
	Model        string
	Text         string
	ToolCalls    []FinalToolCall
	FinishReason string
	Usage        *Usage
}

// FinalToolCall is one completed function call.
type FinalToolCall struct {
	ID   string
	Name string
	Args string
}

// synthesize replays a buffered result through an emitter, producing the same
// event sequence a live stream would have, with one text delta carrying the
// whole text.
func synthesize(e emitter, f *Final) Sequence {
	var q eventQueue

	meta := streamMeta{ID: f.ID, Created: f.Created, Model: f.Model}
	if meta.Created == 0 {
		meta.Created = time.Now().Unix()
	}
	q.push(e.start(&meta))

	if f.Text != "" {
		q.push(e.text(f.Text))
	}

	tools := make([]*toolCall, 0, len(f.ToolCalls))
	for i, ftc := range f.ToolCalls {
		tc := &toolCall{Index: i, ID: ftc.ID, Name: ftc.Name, Added: true}
		if tc.ID == "" {
			tc.ID = "call_" + newID()
		}
		q.push(e.toolAdded(tc))
		if ftc.Args != "" {
			tc.Args.WriteString(ftc.Args)
			q.push(e.toolDelta(tc, ftc.Args))
		}
		tools = append(tools, tc)
	}

	reason := f.FinishReason
	if reason == "" {
		reason = "stop"
	}
	q.push(e.finish(reason, f.Usage, tools, f.Text))

	return &sliceSeq{events: q.queue}
}

// sliceSeq replays a fixed slice of events.
type sliceSeq struct {
	events []*Event
	pos    int
}

func (s *sliceSeq) Next(ctx context.Context) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	evt := s.events[s.pos]
	s.pos++
	return evt, nil
}

func (s *sliceSeq) Close() error { return nil }

func newID() string { return uuid.NewString() }
