package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/store"
)

// entityDAO is the generic, schemaless store.EntityDAO implementation:
// one table per model type, each row an id plus a JSON payload blob.
// Grounded on the teacher's storage/sqlite query conventions (parameterized
// SQL, wrapDBError on every path) but genericized from per-field columns
// to a JSON payload, since this package serves arbitrary registered model
// types rather than one fixed Issue struct.
type entityDAO struct {
	store     *Store
	modelType string
	conn      dbConn
	active    *activeTx // nil when auto-committing
}

func (d *entityDAO) table() string {
	t, _ := entityTableName(d.modelType)
	return t
}

func (d *entityDAO) Get(ctx context.Context, id string) (model.Record, error) {
	row := d.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, d.table()), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return nil, wrapDBError(fmt.Sprintf("get %s %s", d.modelType, id), err)
	}
	return decodeRecord(raw)
}

func (d *entityDAO) GetAll(ctx context.Context, q store.Query) ([]model.Record, error) {
	where, args := buildWhere(q)
	query := fmt.Sprintf(`SELECT payload FROM %s`, d.table())
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY " + buildOrderBy(q) + buildLimitOffset(q)

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get all %s", d.modelType), err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapDBError("scan "+d.modelType+" row", err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, wrapDBError("iterate "+d.modelType+" rows", rows.Err())
}

func (d *entityDAO) Put(ctx context.Context, rec model.Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("sqlite: put %s: record has no id", d.modelType)
	}
	raw, err := json.Marshal(map[string]any(rec))
	if err != nil {
		return fmt.Errorf("sqlite: marshal %s %s: %w", d.modelType, id, err)
	}
	_, err = d.conn.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, d.table()), id, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return wrapDBError(fmt.Sprintf("put %s %s", d.modelType, id), err)
	}
	d.touch(id)
	return nil
}

func (d *entityDAO) Delete(ctx context.Context, id string) error {
	_, err := d.conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, d.table()), id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("delete %s %s", d.modelType, id), err)
	}
	d.touch(id)
	return nil
}

func (d *entityDAO) Truncate(ctx context.Context) error {
	rows, err := d.conn.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s`, d.table()))
	if err != nil {
		return wrapDBError("truncate "+d.modelType+" list ids", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return wrapDBError("truncate "+d.modelType+" scan id", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()

	if _, err := d.conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, d.table())); err != nil {
		return wrapDBError("truncate "+d.modelType, err)
	}
	for _, id := range ids {
		d.touch(id)
	}
	return nil
}

func (d *entityDAO) RewriteID(ctx context.Context, oldID, newID string) error {
	_, err := d.conn.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET id = ?, payload = json_set(payload, '$.id', ?) WHERE id = ?
	`, d.table()), newID, newID, oldID)
	if err != nil {
		return wrapDBError(fmt.Sprintf("rewrite id %s %s->%s", d.modelType, oldID, newID), err)
	}
	d.touch(oldID)
	d.touch(newID)
	return nil
}

func (d *entityDAO) Watch(_ context.Context, id string) (<-chan model.Record, func(), error) {
	key := store.Key{ModelType: d.modelType, ModelID: id}
	subID, ch := d.store.watchers.addRecordWatch(key)

	current, err := d.Get(context.Background(), id)
	if err != nil {
		current = nil
	}
	ch <- current

	unsub := func() { d.store.watchers.removeRecordWatch(key, subID) }
	return ch, unsub, nil
}

func (d *entityDAO) WatchAll(ctx context.Context, q store.Query) (<-chan []model.Record, func(), error) {
	subID, ch := d.store.watchers.addQueryWatch(d.modelType, q)

	current, err := d.GetAll(ctx, q)
	if err != nil {
		current = nil
	}
	ch <- current

	unsub := func() { d.store.watchers.removeQueryWatch(d.modelType, subID) }
	return ch, unsub, nil
}

func (d *entityDAO) touch(id string) {
	if d.active != nil {
		d.active.touch(d.modelType, id)
		return
	}
	// Auto-commit path (no ambient WithTransaction): notify immediately
	// since there is no outer commit to batch into.
	once := &activeTx{touched: map[store.Key]struct{}{{ModelType: d.modelType, ModelID: id}: {}}}
	d.store.watchers.notifyCommit(context.Background(), d.store, once)
}

func decodeRecord(raw string) (model.Record, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("sqlite: decode record: %w", err)
	}
	return model.Record(m), nil
}
