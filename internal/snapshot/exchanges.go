package snapshot

import (
	"database/sql"
	"fmt"
	"time"
)

// Exchange is one client request's lifecycle record.
type Exchange struct {
	ID               string `json:"id"`
	ReceivedAt       string `json:"received_at"`
	CompletedAt      string `json:"completed_at,omitempty"`
	Dialect          string `json:"dialect"`
	Category         string `json:"category,omitempty"`
	Pipeline         string `json:"pipeline,omitempty"`
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	Status           int    `json:"status"`
	LatencyMs        int64  `json:"latency_ms"`
	Retries          int    `json:"retries"`
	Streamed         bool   `json:"streamed"`
	FaultKind        string `json:"fault_kind,omitempty"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// StageRecord is one stage phase digest belonging to an exchange.
type StageRecord struct {
	RequestID  string `json:"request_id"`
	Pipeline   string `json:"pipeline"`
	Phase      string `json:"phase"`
	Digest     string `json:"digest"`
	RecordedAt string `json:"recorded_at"`
}

// Stats aggregates exchanges over a time range.
type Stats struct {
	TotalExchanges   int64   `json:"total_exchanges"`
	Streamed         int64   `json:"streamed"`
	Failed           int64   `json:"failed"`
	TotalRetries     int64   `json:"total_retries"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
}

// InsertExchange stores one exchange record.
func (s *Store) InsertExchange(ex *Exchange) error {
	streamed := 0
	if ex.Streamed {
		streamed = 1
	}
	_, err := s.writer.Exec(`
		INSERT INTO exchanges (
			id, received_at, completed_at, dialect, category, pipeline,
			provider, model, status, latency_ms, retries, streamed,
			fault_kind, prompt_tokens, completion_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.ReceivedAt, ex.CompletedAt, ex.Dialect, ex.Category, ex.Pipeline,
		ex.Provider, ex.Model, ex.Status, ex.LatencyMs, ex.Retries, streamed,
		ex.FaultKind, ex.PromptTokens, ex.CompletionTokens,
	)
	if err != nil {
		return fmt.Errorf("snapshot: insert exchange: %w", err)
	}
	return nil
}

// insertStageRecords stores the stage digests for one exchange in a single
// transaction.
func (s *Store) insertStageRecords(records []StageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("snapshot: begin stage records: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO snapshots (request_id, pipeline, phase, digest, recorded_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: prepare stage insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.Exec(rec.RequestID, rec.Pipeline, rec.Phase, rec.Digest, rec.RecordedAt); err != nil {
			return fmt.Errorf("snapshot: insert stage record: %w", err)
		}
	}
	return tx.Commit()
}

// GetExchange retrieves one exchange and its stage records by id. Returns
// sql.ErrNoRows when the exchange does not exist.
func (s *Store) GetExchange(id string) (*Exchange, []StageRecord, error) {
	ex := &Exchange{}
	var streamed int
	err := s.reader.QueryRow(`
		SELECT id, received_at, completed_at, dialect, category, pipeline,
		       provider, model, status, latency_ms, retries, streamed,
		       fault_kind, prompt_tokens, completion_tokens
		FROM exchanges WHERE id = ?`, id,
	).Scan(
		&ex.ID, &ex.ReceivedAt, &ex.CompletedAt, &ex.Dialect, &ex.Category, &ex.Pipeline,
		&ex.Provider, &ex.Model, &ex.Status, &ex.LatencyMs, &ex.Retries, &streamed,
		&ex.FaultKind, &ex.PromptTokens, &ex.CompletionTokens,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: get exchange %s: %w", id, err)
	}
	ex.Streamed = streamed != 0

	rows, err := s.reader.Query(`
		SELECT request_id, pipeline, phase, digest, recorded_at
		FROM snapshots WHERE request_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: get stage records %s: %w", id, err)
	}
	defer rows.Close()

	var records []StageRecord
	for rows.Next() {
		var rec StageRecord
		if err := rows.Scan(&rec.RequestID, &rec.Pipeline, &rec.Phase, &rec.Digest, &rec.RecordedAt); err != nil {
			return nil, nil, fmt.Errorf("snapshot: scan stage record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("snapshot: stage record iteration: %w", err)
	}
	return ex, records, nil
}

// ListExchanges returns a page of exchanges ordered by receive time
// descending.
func (s *Store) ListExchanges(limit, offset int) ([]*Exchange, error) {
	rows, err := s.reader.Query(`
		SELECT id, received_at, completed_at, dialect, category, pipeline,
		       provider, model, status, latency_ms, retries, streamed,
		       fault_kind, prompt_tokens, completion_tokens
		FROM exchanges
		ORDER BY received_at DESC
		LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list exchanges: %w", err)
	}
	defer rows.Close()

	var results []*Exchange
	for rows.Next() {
		ex := &Exchange{}
		var streamed int
		if err := rows.Scan(
			&ex.ID, &ex.ReceivedAt, &ex.CompletedAt, &ex.Dialect, &ex.Category, &ex.Pipeline,
			&ex.Provider, &ex.Model, &ex.Status, &ex.LatencyMs, &ex.Retries, &streamed,
			&ex.FaultKind, &ex.PromptTokens, &ex.CompletionTokens,
		); err != nil {
			return nil, fmt.Errorf("snapshot: scan exchange row: %w", err)
		}
		ex.Streamed = streamed != 0
		results = append(results, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: list exchanges iteration: %w", err)
	}
	return results, nil
}

// GetStats aggregates exchanges received at or after since.
func (s *Store) GetStats(since time.Time) (*Stats, error) {
	sinceStr := since.UTC().Format(time.RFC3339)
	stats := &Stats{}

	err := s.reader.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(streamed), 0),
			COALESCE(SUM(CASE WHEN fault_kind != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(retries), 0),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(AVG(latency_ms), 0.0)
		FROM exchanges
		WHERE received_at >= ?`, sinceStr,
	).Scan(
		&stats.TotalExchanges,
		&stats.Streamed,
		&stats.Failed,
		&stats.TotalRetries,
		&stats.PromptTokens,
		&stats.CompletionTokens,
		&stats.AvgLatencyMs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return stats, nil
		}
		return nil, fmt.Errorf("snapshot: get stats: %w", err)
	}

	return stats, nil
}
