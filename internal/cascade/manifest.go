package cascade

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DeletionRecord is one line of the cascade-delete audit manifest,
// retargeted from the teacher's deletions.DeletionRecord (which logs
// top-level issue deletions by ID) to log every row cascade delete removes,
// so an operator can reconstruct which rows a given top-level delete took
// down with it.
type DeletionRecord struct {
	ModelType string    `json:"model_type"`
	ModelID   string    `json:"model_id"`
	Root      string    `json:"root,omitempty"` // model_id of the delete() call that triggered this row's removal
	Timestamp time.Time `json:"ts"`
}

// AppendManifest appends record to the manifest at path, creating the file
// and its parent directory if needed. Mirrors deletions.AppendDeletion:
// append-only, fsynced for durability.
func AppendManifest(path string, record DeletionRecord) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cascade: create manifest dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G302,G304 -- operator-controlled path
	if err != nil {
		return fmt.Errorf("cascade: open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cascade: marshal manifest record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("cascade: write manifest record: %w", err)
	}
	return f.Sync()
}

// LoadManifest reads every record from the manifest at path, tolerating
// corrupt lines (skipped, not fatal) the same way deletions.LoadDeletions
// does. A missing file yields an empty slice, not an error.
func LoadManifest(path string) ([]DeletionRecord, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-controlled path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cascade: open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []DeletionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var rec DeletionRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cascade: read manifest: %w", err)
	}
	return out, nil
}
