package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "diwan.db"

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".diwan", defaultDBName)
}

// EnsureWorkspace creates the .diwan state directory under the
// workspace if it is missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".diwan")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("ensure workspace: %w", err)
	}
	return path, nil
}

// Open opens the workspace database, creating the state directory on
// first use. Foreign keys are enforced per connection.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}

// Path reports where the workspace's database file lives.
func Path(workspace string) string {
	return dbPath(workspace)
}
