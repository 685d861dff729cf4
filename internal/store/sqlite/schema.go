package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

const schemaSyncQueue = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	model_type            TEXT NOT NULL,
	model_id              TEXT NOT NULL,
	op                    TEXT NOT NULL,
	payload               TEXT,
	idempotency_key       TEXT NOT NULL,
	status                TEXT NOT NULL,
	attempt_count         INTEGER NOT NULL DEFAULT 0,
	next_retry_at         TEXT NOT NULL,
	last_error            TEXT,
	last_error_is_network INTEGER NOT NULL DEFAULT 0,
	temp_client_id        TEXT,
	id_negotiation_status TEXT NOT NULL DEFAULT 'none',
	created_at            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_key ON sync_queue(model_type, model_id);
CREATE INDEX IF NOT EXISTS idx_sync_queue_due ON sync_queue(status, next_retry_at, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_idempotency ON sync_queue(idempotency_key) WHERE status != 'dead';
`

// validTableSuffix matches model type names safe to interpolate into a
// table name. modelType comes from internal/model registrations (compiled
// into the binary), not user input, but this still guards against a typo
// producing an injectable identifier.
var validTableSuffix = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func entityTableName(modelType string) (string, error) {
	if !validTableSuffix.MatchString(modelType) {
		return "", fmt.Errorf("sqlite: invalid model type name %q", modelType)
	}
	return "entity_" + modelType, nil
}

// ensureEntityTable creates the generic per-model table if it doesn't
// already exist. Records are stored schemaless (id + JSON payload), the
// way the teacher's JSONL import/export round-trips a whole types.Issue
// through encoding/json rather than column-by-column, generalized here
// to an arbitrary model.Record instead of one fixed struct.
func ensureEntityTable(ctx context.Context, db *sql.DB, modelType string) error {
	table, err := entityTableName(modelType)
	if err != nil {
		return err
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`, table)
	_, err = db.ExecContext(ctx, ddl)
	return wrapDBError("ensure entity table "+modelType, err)
}
