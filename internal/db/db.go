// Package db opens the workspace-local SQLite store backing the delivery
// pipeline. One database per workspace, under .redress/.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultDBName = "redress.db"

type Config struct {
	Workspace string
	// Path overrides the workspace-derived location entirely. Use
	// ":memory:" for a throwaway store.
	Path string
	// Pragmas are appended to the defaults (foreign keys on, WAL
	// journal, busy timeout), e.g. "synchronous(OFF)".
	Pragmas []string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".redress", defaultDBName)
}

// EnsureWorkspace creates the workspace data directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".redress")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// DSN builds the sqlite connection string for the config. Queue claims
// and event appends contend on single writers, so the busy timeout keeps
// a second writer waiting instead of failing with SQLITE_BUSY.
func DSN(cfg Config) string {
	target := cfg.Path
	if target == "" {
		target = dbPath(cfg.Workspace)
	}
	pragmas := append([]string{
		"foreign_keys(1)",
		"journal_mode(WAL)",
		"busy_timeout(5000)",
	}, cfg.Pragmas...)
	var b strings.Builder
	fmt.Fprintf(&b, "file:%s?cache=shared", target)
	for _, p := range pragmas {
		fmt.Fprintf(&b, "&_pragma=%s", p)
	}
	return b.String()
}

// Open opens the SQLite database, creating the workspace directory when
// the path is workspace-derived.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := sql.Open("sqlite", DSN(cfg))
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes per connection; a single writer
	// avoids lock churn between the worker and the API.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
