package snapshot

import (
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "switchyard.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleExchange(id string) *Exchange {
	return &Exchange{
		ID:               id,
		ReceivedAt:       time.Now().UTC().Format(time.RFC3339),
		CompletedAt:      time.Now().UTC().Format(time.RFC3339),
		Dialect:          "chat",
		Category:         "default",
		Pipeline:         "acme.large",
		Provider:         "acme",
		Model:            "large",
		Status:           200,
		LatencyMs:        412,
		Retries:          1,
		Streamed:         true,
		PromptTokens:     120,
		CompletionTokens: 48,
	}
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)

	version, err := s.currentVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != migrations[len(migrations)-1].Version {
		t.Errorf("migration version = %d", version)
	}
	if err := s.Ping(); err != nil {
		t.Error(err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchyard.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s2.Close()
}

func TestExchangeRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := sampleExchange("req-1")
	if err := s.InsertExchange(want); err != nil {
		t.Fatal(err)
	}

	got, records, err := s.GetExchange("req-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Pipeline != want.Pipeline || got.Status != want.Status || !got.Streamed {
		t.Errorf("exchange = %+v", got)
	}
	if got.Retries != 1 || got.PromptTokens != 120 {
		t.Errorf("exchange = %+v", got)
	}
	if len(records) != 0 {
		t.Errorf("unexpected stage records: %v", records)
	}

	if _, _, err := s.GetExchange("nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing exchange err = %v", err)
	}
}

func TestRecorderFlushWritesExchangeAndStages(t *testing.T) {
	s := openTestStore(t)
	r := NewRecorder(s)

	r.RecordSnapshot("req-2", "acme.large", "inbound_decoded", "digest-aa")
	r.RecordSnapshot("req-2", "acme.large", "outbound_encoded", "digest-bb")
	r.RecordSnapshot("other", "acme.large", "inbound_decoded", "digest-cc")

	r.FlushSuccess(sampleExchange("req-2"))

	_, records, err := s.GetExchange("req-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("stage records = %d, want 2", len(records))
	}
	if records[0].Phase != "inbound_decoded" || records[1].Phase != "outbound_encoded" {
		t.Errorf("phases = %s, %s", records[0].Phase, records[1].Phase)
	}
	for _, rec := range records {
		if !strings.HasPrefix(rec.Digest, "digest-") {
			t.Errorf("digest = %q", rec.Digest)
		}
	}

	// The other request's buffer is untouched.
	r.mu.Lock()
	remaining := len(r.pending["other"])
	r.mu.Unlock()
	if remaining != 1 {
		t.Errorf("other pending = %d", remaining)
	}
}

func TestRecorderFlushErrorKeepsFaultKind(t *testing.T) {
	s := openTestStore(t)
	r := NewRecorder(s)

	ex := sampleExchange("req-3")
	ex.Status = 429
	ex.FaultKind = "rate_limit_exhausted"
	r.RecordSnapshot("req-3", "acme.large", "inbound_decoded", "digest-dd")
	r.FlushError(ex)

	got, records, err := s.GetExchange("req-3")
	if err != nil {
		t.Fatal(err)
	}
	if got.FaultKind != "rate_limit_exhausted" || got.Status != 429 {
		t.Errorf("exchange = %+v", got)
	}
	if len(records) != 1 {
		t.Errorf("stage records = %d", len(records))
	}
}

func TestRecorderDiscard(t *testing.T) {
	s := openTestStore(t)
	r := NewRecorder(s)

	r.RecordSnapshot("req-4", "acme.large", "inbound_decoded", "digest-ee")
	r.Discard("req-4")

	r.mu.Lock()
	pending := len(r.pending)
	r.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending = %d after discard", pending)
	}
}

func TestListExchangesOrdering(t *testing.T) {
	s := openTestStore(t)

	for i, ts := range []string{
		"2025-06-01T10:00:00Z",
		"2025-06-01T12:00:00Z",
		"2025-06-01T11:00:00Z",
	} {
		ex := sampleExchange("req-" + string(rune('a'+i)))
		ex.ReceivedAt = ts
		if err := s.InsertExchange(ex); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListExchanges(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].ID != "req-b" || got[1].ID != "req-c" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
}

func TestStatsAggregation(t *testing.T) {
	s := openTestStore(t)

	ok := sampleExchange("req-ok")
	ok.Streamed = false
	failed := sampleExchange("req-bad")
	failed.FaultKind = "upstream_unavailable"
	for _, ex := range []*Exchange{ok, failed} {
		if err := s.InsertExchange(ex); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.GetStats(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalExchanges != 2 || stats.Failed != 1 || stats.Streamed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalRetries != 2 || stats.PromptTokens != 240 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPruneRemovesOldRows(t *testing.T) {
	s := openTestStore(t)

	old := sampleExchange("req-old")
	old.ReceivedAt = time.Now().UTC().AddDate(0, 0, -30).Format(time.RFC3339)
	fresh := sampleExchange("req-fresh")
	for _, ex := range []*Exchange{old, fresh} {
		if err := s.InsertExchange(ex); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.insertStageRecords([]StageRecord{{
		RequestID: "req-old", Pipeline: "acme.large", Phase: "inbound_decoded",
		Digest: "x", RecordedAt: old.ReceivedAt,
	}}); err != nil {
		t.Fatal(err)
	}

	n, err := s.Prune(7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	if _, _, err := s.GetExchange("req-old"); err == nil {
		t.Error("old exchange survived prune")
	}
	if _, _, err := s.GetExchange("req-fresh"); err != nil {
		t.Error("fresh exchange pruned")
	}
}
