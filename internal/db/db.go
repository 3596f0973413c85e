package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "loopline.db"

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".loopline", defaultDBName)
}

// EnsureWorkspace creates the .loopline state directory if missing, including
// the per-session log directory.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".loopline")
	if err := os.MkdirAll(filepath.Join(path, "sessions"), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// SessionsDir returns the directory holding per-session JSONL logs.
func SessionsDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".loopline", "sessions")
}

// Open opens the SQLite database with foreign keys on. SQLite allows a single
// writer; one pooled connection keeps writes serialized within the process.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
