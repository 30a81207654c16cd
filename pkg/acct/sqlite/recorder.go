// Package sqlite stores accounting entries in a SQLite database
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/butter-bot-machines/kestrel/pkg/acct"
	"github.com/butter-bot-machines/kestrel/pkg/errors"
)

// Recorder implements acct.Recorder on SQLite
type Recorder struct {
	db *sql.DB
}

// Open opens or creates the database at path
func Open(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create accounting directory")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open accounting database %s", path)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Recorder{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS processes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		pid         INTEGER NOT NULL,
		ppid        INTEGER NOT NULL,
		name        TEXT NOT NULL,
		status      INTEGER NOT NULL,
		disposition TEXT NOT NULL,
		started     DATETIME NOT NULL,
		exited      DATETIME NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "create processes table")
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_pid ON processes(pid);",
		"CREATE INDEX IF NOT EXISTS idx_exited ON processes(exited);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return errors.Wrap(err, "create index")
		}
	}
	return nil
}

func (r *Recorder) Record(ctx context.Context, e acct.Entry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processes (pid, ppid, name, status, disposition, started, exited)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.PID, e.PPID, e.Name, e.Status, string(e.Disposition),
		e.Started.UTC(), e.Exited.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "record pid %d", e.PID)
	}
	return nil
}

func (r *Recorder) List(ctx context.Context) ([]acct.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT pid, ppid, name, status, disposition, started, exited
		FROM processes ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query processes")
	}
	defer rows.Close()

	var entries []acct.Entry
	for rows.Next() {
		var e acct.Entry
		var disposition string
		var started, exited time.Time
		if err := rows.Scan(&e.PID, &e.PPID, &e.Name, &e.Status, &disposition, &started, &exited); err != nil {
			return nil, errors.Wrap(err, "scan process row")
		}
		e.Disposition = acct.Disposition(disposition)
		e.Started = started
		e.Exited = exited
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate process rows")
	}
	return entries, nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}
