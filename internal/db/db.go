package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".caseline"
	fileName = "caseline.db"
)

type Config struct {
	Workspace string
	// BusyTimeout bounds how long a writer waits on a locked database.
	// Zero means five seconds.
	BusyTimeout time.Duration
}

// Dir is the per-workspace state directory holding the database.
func Dir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir)
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), fileName)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := Dir(workspace)
	return dir, os.MkdirAll(dir, 0o755)
}

// Open opens the workspace database. Foreign keys are enforced and WAL
// journaling lets readers proceed while a job transaction commits.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"foreign_keys(1)",
		"journal_mode(WAL)",
		"busy_timeout(" + strconv.FormatInt(busy.Milliseconds(), 10) + ")",
	}
	return sql.Open("sqlite", "file:"+Path(cfg.Workspace)+"?_pragma="+strings.Join(pragmas, "&_pragma="))
}
