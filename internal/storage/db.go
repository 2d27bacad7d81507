package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB is the run ledger: one row per build, the digest of every source it
// loaded and the sampled row failures.
type DB struct {
	conn *sql.DB
}

type Run struct {
	ID         string
	Command    string
	ConfigPath string
	Output     string
	Status     string
	Counts     map[string]int
	StartedAt  string
	FinishedAt string
}

type SourceLoad struct {
	RunID    string
	SourceID string
	Location string
	Digest   string
	Bytes    int
	Status   string
	Error    string
}

type DiagnosticRow struct {
	RunID    string
	SourceID string
	Kind     string
	Line     int
	Raw      string
	Error    string
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  command TEXT NOT NULL,
  configPath TEXT NOT NULL,
  output TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'running',
  countsJson TEXT NOT NULL DEFAULT '{}',
  startedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finishedAt TEXT
);

CREATE TABLE IF NOT EXISTS source_loads (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  runId TEXT NOT NULL,
  sourceId TEXT NOT NULL,
  location TEXT NOT NULL,
  digest TEXT,
  bytes INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  error TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(runId) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS idx_source_loads_source ON source_loads(sourceId, id);

CREATE TABLE IF NOT EXISTS diagnostics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  runId TEXT NOT NULL,
  sourceId TEXT NOT NULL,
  kind TEXT NOT NULL,
  lineNo INTEGER NOT NULL,
  raw TEXT,
  error TEXT NOT NULL,
  FOREIGN KEY(runId) REFERENCES runs(id)
);
`

	_, err := d.conn.Exec(schema)
	return err
}

func (d *DB) InsertRun(id, command, configPath, output string) error {
	_, err := d.conn.Exec(`INSERT INTO runs (id, command, configPath, output) VALUES (?, ?, ?, ?)`, id, command, configPath, output)
	return err
}

func (d *DB) FinishRun(id, status string, counts map[string]int) error {
	countsJSON, _ := json.Marshal(counts)
	_, err := d.conn.Exec(`UPDATE runs SET status = ?, countsJson = ?, finishedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, string(countsJSON), id)
	return err
}

func (d *DB) InsertSourceLoad(l SourceLoad) error {
	_, err := d.conn.Exec(`
INSERT INTO source_loads (runId, sourceId, location, digest, bytes, status, error)
VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''))
`, l.RunID, l.SourceID, l.Location, l.Digest, l.Bytes, l.Status, l.Error)
	return err
}

// LastSourceDigest returns the digest of the most recent load of sourceID
// that did not fail, or nil when there is none.
func (d *DB) LastSourceDigest(sourceID string) (*string, error) {
	var digest string
	err := d.conn.QueryRow(`
SELECT digest FROM source_loads
WHERE sourceId = ? AND status != 'failed' AND digest IS NOT NULL
ORDER BY id DESC LIMIT 1
`, sourceID).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &digest, nil
}

func (d *DB) InsertDiagnostics(rows []DiagnosticRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT INTO diagnostics (runId, sourceId, kind, lineNo, raw, error) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.RunID, r.SourceID, r.Kind, r.Line, r.Raw, r.Error); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.conn.Query(`
SELECT id, command, configPath, output, status, countsJson, startedAt, COALESCE(finishedAt, '')
FROM runs
ORDER BY startedAt DESC, rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var countsJSON string
		if err := rows.Scan(&run.ID, &run.Command, &run.ConfigPath, &run.Output, &run.Status, &countsJSON, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(countsJSON), &run.Counts)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (d *DB) ListDiagnostics(runID string) ([]DiagnosticRow, error) {
	rows, err := d.conn.Query(`
SELECT runId, sourceId, kind, lineNo, COALESCE(raw, ''), error
FROM diagnostics WHERE runId = ? ORDER BY id
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DiagnosticRow
	for rows.Next() {
		var r DiagnosticRow
		if err := rows.Scan(&r.RunID, &r.SourceID, &r.Kind, &r.Line, &r.Raw, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
