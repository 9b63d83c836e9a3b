package store

import (
	"context"
	"time"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// ProxyLogEntry is one completed proxied request.
type ProxyLogEntry struct {
	ID           int64  `json:"id"`
	Timestamp    int64  `json:"timestamp"`
	Method       string `json:"method"`
	URL          string `json:"url"`
	AccountEmail string `json:"account_email"`
	Model        string `json:"model"`
	TokensIn     int64  `json:"tokens_in"`
	TokensOut    int64  `json:"tokens_out"`
	LatencyMs    int64  `json:"latency_ms"`
	StatusCode   int    `json:"status_code"`
	Error        string `json:"error,omitempty"`
	RequestBody  string `json:"request_body,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`
}

// LogSink records completed requests without blocking the request path.
type LogSink struct {
	store *Store
}

// NewLogSink creates a LogSink over the store.
func NewLogSink(store *Store) *LogSink {
	return &LogSink{store: store}
}

// Record appends a log entry asynchronously and trims the table to the
// retention cap. Failures are logged and dropped; logging must never fail
// a request.
func (l *LogSink) Record(entry ProxyLogEntry) {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}
	go func() {
		if err := l.store.insertProxyLog(entry); err != nil {
			utils.Error("[LogSink] Failed to record proxy log: %v", err)
		}
	}()
}

func (s *Store) insertProxyLog(entry ProxyLogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO proxy_logs (
			timestamp, method, url, account_email, model,
			tokens_in, tokens_out, latency_ms, status_code,
			error, request_body, response_body
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Method, entry.URL, entry.AccountEmail, entry.Model,
		entry.TokensIn, entry.TokensOut, entry.LatencyMs, entry.StatusCode,
		nullable(entry.Error), nullable(entry.RequestBody), nullable(entry.ResponseBody))
	if err != nil {
		return err
	}

	// Bounded retention: evict rows beyond the newest N.
	_, err = s.db.Exec(
		`DELETE FROM proxy_logs WHERE id IN (
			SELECT id FROM proxy_logs ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, config.ProxyLogRetention)
	return err
}

// GetLogs returns log entries newest-first with paging.
func (s *Store) GetLogs(ctx context.Context, limit, offset int) ([]*ProxyLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, method, url, account_email, model,
			tokens_in, tokens_out, latency_ms, status_code,
			COALESCE(error,''), COALESCE(request_body,''), COALESCE(response_body,'')
		FROM proxy_logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ProxyLogEntry
	for rows.Next() {
		e := &ProxyLogEntry{}
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Method, &e.URL, &e.AccountEmail, &e.Model,
			&e.TokensIn, &e.TokensOut, &e.LatencyMs, &e.StatusCode,
			&e.Error, &e.RequestBody, &e.ResponseBody); err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// CountLogs returns the total number of stored log entries.
func (s *Store) CountLogs(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proxy_logs").Scan(&count)
	return count, err
}

// ClearLogs purges all log entries.
func (s *Store) ClearLogs(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM proxy_logs")
	return err
}
