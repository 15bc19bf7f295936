package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

// CallLog records one row per terminated call. It satisfies the bridge
// machine's call logger; writes happen on the machine loop, so failures
// are logged rather than returned.
type CallLog struct {
	db     *DB
	logger *slog.Logger
}

// NewCallLog creates the call log.
func NewCallLog(db *DB, logger *slog.Logger) *CallLog {
	return &CallLog{db: db, logger: logger.With("subsystem", "call-log")}
}

// LogCall implements bridge.CallLogger.
func (l *CallLog) LogCall(rec bridge.CallRecord) {
	_, err := l.db.Exec(`
		INSERT INTO call_log (call_id, direction, remote_display, remote_uri, end_reason, start_time, answer_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, string(rec.Direction), rec.RemoteDisplay, rec.RemoteURI,
		string(rec.EndReason), rec.StartTime, rec.AnswerTime, rec.EndTime,
	)
	if err != nil {
		l.logger.Error("failed to record call", "call_id", rec.CallID, "error", err)
		return
	}
	l.logger.Debug("call recorded", "call_id", rec.CallID, "reason", rec.EndReason)
}

// Entry is one call log row.
type Entry struct {
	ID            int64      `json:"id"`
	CallID        string     `json:"call_id"`
	Direction     string     `json:"direction"`
	RemoteDisplay string     `json:"remote_display"`
	RemoteURI     string     `json:"remote_uri"`
	EndReason     string     `json:"end_reason"`
	StartTime     time.Time  `json:"start_time"`
	AnswerTime    *time.Time `json:"answer_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

// Recent returns the newest entries, most recent first.
func (l *CallLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, call_id, direction, remote_display, remote_uri, end_reason, start_time, answer_time, end_time
		FROM call_log ORDER BY start_time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying call log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CallID, &e.Direction, &e.RemoteDisplay,
			&e.RemoteURI, &e.EndReason, &e.StartTime, &e.AnswerTime, &e.EndTime); err != nil {
			return nil, fmt.Errorf("scanning call log row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call log: %w", err)
	}
	return out, nil
}

// CountByDirection returns the total logged calls grouped by direction.
func (l *CallLog) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT direction, COUNT(*) FROM call_log GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting call log: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning call log count: %w", err)
		}
		counts[dir] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call log counts: %w", err)
	}
	return counts, nil
}
