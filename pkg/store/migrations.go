package store

import (
	"embed"
	"fmt"
	"sort"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationScripts returns the ordered list of embedded migration scripts.
// Order is the lexical order of the file names; each file is one version.
func migrationScripts() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	scripts := make([]string, 0, len(names))
	for _, name := range names {
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		scripts = append(scripts, string(data))
	}
	return scripts, nil
}

// GetSchemaVersion returns the database schema version from the SQLite
// user_version pragma.
func (s *Store) GetSchemaVersion() (int, error) {
	var version int
	if err := s.db.Raw("PRAGMA user_version").Scan(&version).Error; err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// SetSchemaVersion sets the SQLite user_version pragma.
func (s *Store) SetSchemaVersion(version int) error {
	// PRAGMA does not accept bound parameters.
	if err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)).Error; err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// RunMigrations applies every pending migration script in order. A script
// at index i runs only when the current version is at most i; afterwards
// the version is set to i+1, so applying migrations twice is a no-op.
func (s *Store) RunMigrations() error {
	scripts, err := migrationScripts()
	if err != nil {
		return err
	}

	current, err := s.GetSchemaVersion()
	if err != nil {
		return err
	}

	for i, script := range scripts {
		if current > i {
			continue
		}
		if err := s.db.Exec(script).Error; err != nil {
			return &MigrationError{Version: i, SQL: script, Err: err}
		}
		if err := s.SetSchemaVersion(i + 1); err != nil {
			return &MigrationError{Version: i, SQL: script, Err: err}
		}
	}

	return nil
}
