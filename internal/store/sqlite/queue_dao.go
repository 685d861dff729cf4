package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/store"
)

const queueColumns = `id, model_type, model_id, op, payload, idempotency_key, status,
	attempt_count, next_retry_at, last_error, last_error_is_network,
	temp_client_id, id_negotiation_status, created_at`

// queueDAO is the sync_queue table implementation of store.SyncQueueDAO.
// Grounded on the teacher's storage/sqlite query style (queries.go,
// queries_delete.go): hand-written parameterized SQL per operation rather
// than a query builder or ORM.
type queueDAO struct {
	store  *Store
	conn   dbConn
	active *activeTx
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (d *queueDAO) Insert(ctx context.Context, e *store.Entry) (int64, error) {
	var payload sql.NullString
	if e.Payload != nil {
		raw, err := json.Marshal(map[string]any(e.Payload))
		if err != nil {
			return 0, fmt.Errorf("sqlite: marshal queue payload: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.NextRetryAt.IsZero() {
		e.NextRetryAt = e.CreatedAt
	}
	if e.Status == "" {
		e.Status = store.StatusPending
	}
	if e.IDNegotiationStatus == "" {
		e.IDNegotiationStatus = store.NegotiationNone
	}

	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO sync_queue (model_type, model_id, op, payload, idempotency_key,
			status, attempt_count, next_retry_at, last_error, last_error_is_network,
			temp_client_id, id_negotiation_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ModelType, e.ModelID, string(e.Op), payload, e.IdempotencyKey,
		string(e.Status), e.AttemptCount, timeStr(e.NextRetryAt), e.LastError, e.LastErrorIsNetwork,
		e.TemporaryClientID, string(e.IDNegotiationStatus), timeStr(e.CreatedAt))
	if err != nil {
		return 0, wrapDBError("insert sync_queue entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("insert sync_queue entry: last insert id", err)
	}
	d.touchQueue()
	return id, nil
}

func (d *queueDAO) UpdatePayload(ctx context.Context, id int64, payload model.Record) error {
	raw, err := json.Marshal(map[string]any(payload))
	if err != nil {
		return fmt.Errorf("sqlite: marshal queue payload: %w", err)
	}
	_, err = d.conn.ExecContext(ctx, `UPDATE sync_queue SET payload = ? WHERE id = ?`, string(raw), id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("update sync_queue entry %d payload", id), err)
	}
	d.touchQueue()
	return nil
}

func (d *queueDAO) UpdateRetry(ctx context.Context, id int64, nextRetryAt time.Time, attemptCount int, lastError string, isNetwork bool) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE sync_queue
		SET next_retry_at = ?, attempt_count = ?, last_error = ?, last_error_is_network = ?, status = ?
		WHERE id = ?
	`, timeStr(nextRetryAt), attemptCount, lastError, isNetwork, string(store.StatusPending), id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("update sync_queue entry %d retry", id), err)
	}
	d.touchQueue()
	return nil
}

func (d *queueDAO) Delete(ctx context.Context, id int64) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("delete sync_queue entry %d", id), err)
	}
	d.touchQueue()
	return nil
}

func (d *queueDAO) MarkStatus(ctx context.Context, id int64, status store.Status) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE sync_queue SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("mark sync_queue entry %d status", id), err)
	}
	d.touchQueue()
	return nil
}

func (d *queueDAO) GetActive(ctx context.Context, key store.Key) ([]*store.Entry, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE model_type = ? AND model_id = ? AND status IN ('pending', 'in_progress')
		ORDER BY id ASC
	`, key.ModelType, key.ModelID)
	if err != nil {
		return nil, wrapDBError("get active sync_queue entries", err)
	}
	return scanEntries(rows)
}

func (d *queueDAO) GetDueTasks(ctx context.Context, now time.Time, limit int) ([]*store.Entry, error) {
	query := `
		SELECT ` + queueColumns + ` FROM sync_queue
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, last_error_is_network ASC, id ASC
	`
	args := []any{timeStr(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("get due sync_queue tasks", err)
	}
	return scanEntries(rows)
}

func (d *queueDAO) GetTasksForModel(ctx context.Context, modelType string) ([]*store.Entry, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue WHERE model_type = ? ORDER BY id ASC
	`, modelType)
	if err != nil {
		return nil, wrapDBError("get sync_queue tasks for model", err)
	}
	return scanEntries(rows)
}

func (d *queueDAO) GetAllTasks(ctx context.Context) ([]*store.Entry, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY id ASC`)
	if err != nil {
		return nil, wrapDBError("get all sync_queue tasks", err)
	}
	return scanEntries(rows)
}

func (d *queueDAO) GetByID(ctx context.Context, id int64) (*store.Entry, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	return scanEntryRow(row)
}

// RewriteModelID rewrites model_id and, for entries whose JSON payload
// references oldID (either as its own id field or via a foreign key
// column matching oldID), the payload too. Mirrors the teacher's
// rename.go approach of a dedicated rewrite pass over affected rows
// rather than relying on a database-level foreign key ON UPDATE CASCADE,
// since the reference lives inside a JSON blob, not a real FK column.
func (d *queueDAO) RewriteModelID(ctx context.Context, modelType, oldID, newID string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE sync_queue SET model_id = ? WHERE model_type = ? AND model_id = ?
	`, newID, modelType, oldID)
	if err != nil {
		return wrapDBError("rewrite sync_queue model_id", err)
	}

	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, payload FROM sync_queue WHERE payload LIKE ?
	`, "%"+oldID+"%")
	if err != nil {
		return wrapDBError("scan sync_queue payloads for rewrite", err)
	}
	type hit struct {
		id  int64
		raw string
	}
	var hits []hit
	for rows.Next() {
		var h hit
		var raw sql.NullString
		if err := rows.Scan(&h.id, &raw); err != nil {
			_ = rows.Close()
			return wrapDBError("scan sync_queue payload row", err)
		}
		h.raw = raw.String
		hits = append(hits, h)
	}
	_ = rows.Close()

	for _, h := range hits {
		if h.raw == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(h.raw), &payload); err != nil {
			continue
		}
		rec := model.Record(payload).RewriteForeignKey("id", oldID, newID)
		for k, v := range rec {
			if s, ok := v.(string); ok && s == oldID {
				rec[k] = newID
			}
		}
		raw, err := json.Marshal(map[string]any(rec))
		if err != nil {
			continue
		}
		if _, err := d.conn.ExecContext(ctx, `UPDATE sync_queue SET payload = ? WHERE id = ?`, string(raw), h.id); err != nil {
			return wrapDBError(fmt.Sprintf("rewrite sync_queue payload %d", h.id), err)
		}
	}
	d.touchQueue()
	return nil
}

func (d *queueDAO) touchQueue() {
	if d.active != nil {
		d.active.queueTouched = true
		return
	}
	d.store.watchers.notifyQueueCommit()
}

func scanEntries(rows *sql.Rows) ([]*store.Entry, error) {
	defer func() { _ = rows.Close() }()
	var out []*store.Entry
	for rows.Next() {
		e, err := scanEntryCols(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, wrapDBError("iterate sync_queue rows", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntryRow(row *sql.Row) (*store.Entry, error) {
	e, err := scanEntryCols(row)
	if err != nil {
		return nil, wrapDBError("get sync_queue entry", err)
	}
	return e, nil
}

func scanEntryCols(s scanner) (*store.Entry, error) {
	var (
		e                  store.Entry
		op, status, negSt  string
		payload            sql.NullString
		nextRetry, created string
	)
	if err := s.Scan(&e.ID, &e.ModelType, &e.ModelID, &op, &payload, &e.IdempotencyKey,
		&status, &e.AttemptCount, &nextRetry, &e.LastError, &e.LastErrorIsNetwork,
		&e.TemporaryClientID, &negSt, &created); err != nil {
		return nil, err
	}
	e.Op = store.Op(op)
	e.Status = store.Status(status)
	e.IDNegotiationStatus = store.NegotiationStatus(negSt)
	e.NextRetryAt = parseTime(nextRetry)
	e.CreatedAt = parseTime(created)
	if payload.Valid && payload.String != "" {
		rec, err := decodeRecord(payload.String)
		if err != nil {
			return nil, err
		}
		e.Payload = rec
	}
	return &e, nil
}
