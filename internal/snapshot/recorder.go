package snapshot

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Recorder buffers stage digests in memory per request and flushes them to
// the store together with the exchange record when the request finishes.
// Recording is at-least-once: a flush failure logs and drops, it never
// fails the request.
type Recorder struct {
	store *Store

	mu      sync.Mutex
	pending map[string][]StageRecord
}

// NewRecorder builds a recorder writing to the given store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{
		store:   store,
		pending: make(map[string][]StageRecord),
	}
}

// RecordSnapshot buffers one stage phase digest for the request.
func (r *Recorder) RecordSnapshot(requestID, pipelineID, phase, digest string) {
	rec := StageRecord{
		RequestID:  requestID,
		Pipeline:   pipelineID,
		Phase:      phase,
		Digest:     digest,
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
	}
	r.mu.Lock()
	r.pending[requestID] = append(r.pending[requestID], rec)
	r.mu.Unlock()
}

// FlushSuccess finalises a successful request: the exchange row and its
// buffered stage records are written and the buffer is released.
func (r *Recorder) FlushSuccess(ex *Exchange) {
	r.flush(ex)
}

// FlushError finalises a failed request. The caller sets FaultKind on the
// exchange; the stage records written so far are kept for diagnosis.
func (r *Recorder) FlushError(ex *Exchange) {
	r.flush(ex)
}

func (r *Recorder) flush(ex *Exchange) {
	r.mu.Lock()
	records := r.pending[ex.ID]
	delete(r.pending, ex.ID)
	r.mu.Unlock()

	if err := r.store.InsertExchange(ex); err != nil {
		log.Warn().Err(err).Str("request_id", ex.ID).Msg("exchange record dropped")
		return
	}
	if err := r.store.insertStageRecords(records); err != nil {
		log.Warn().Err(err).Str("request_id", ex.ID).Msg("stage records dropped")
	}
}

// Discard releases a request's buffer without writing, for requests that
// never reached dispatch.
func (r *Recorder) Discard(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}
