package cache

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a region has never been written.
var ErrNotFound = errors.New("not cached")

// ErrCorrupt is returned when a region exists but its payload cannot be
// decoded, so callers can distinguish "nothing cached yet" from damage.
var ErrCorrupt = errors.New("cache corrupt")

// Store is a named-region persistent cache backed by SQLite. Each region
// holds one whole JSON payload plus a schema version and an update stamp.
// Writes replace the payload wholesale; staleness is evaluated at read time.
type Store struct {
	db *sql.DB

	// mu serializes read-modify-write sequences on regions. SQLite itself
	// only serializes individual statements.
	mu sync.Mutex

	now func() time.Time
}

// Open opens (or creates) the cache database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory store (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "fortify.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// get reads a region's raw payload and stored schema version.
func (s *Store) get(region string) (json.RawMessage, int, error) {
	var payload string
	var version int
	err := s.db.QueryRow(
		"SELECT payload, schema_version FROM cache_regions WHERE region = ?", region,
	).Scan(&payload, &version)
	if err == sql.ErrNoRows {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading region %s: %w", region, err)
	}
	return json.RawMessage(payload), version, nil
}

// put replaces a region's payload wholesale and stamps a new update time.
func (s *Store) put(region string, version int, payload []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO cache_regions (region, schema_version, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(region) DO UPDATE SET
			schema_version = excluded.schema_version,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		region, version, string(payload), s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing region %s: %w", region, err)
	}
	return nil
}

// LastUpdated returns the time of a region's most recent write.
func (s *Store) LastUpdated(region string) (time.Time, error) {
	var stamp string
	err := s.db.QueryRow("SELECT updated_at FROM cache_regions WHERE region = ?", region).Scan(&stamp)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading region %s stamp: %w", region, err)
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: region %s update stamp %q", ErrCorrupt, region, stamp)
	}
	return t, nil
}

// Fresh reports whether a region was written within maxAge. Absent or
// unreadable regions are never fresh.
func (s *Store) Fresh(region string, maxAge time.Duration) bool {
	t, err := s.LastUpdated(region)
	if err != nil {
		return false
	}
	return s.now().Sub(t) < maxAge
}

// Clear removes one region.
func (s *Store) Clear(region string) error {
	if _, err := s.db.Exec("DELETE FROM cache_regions WHERE region = ?", region); err != nil {
		return fmt.Errorf("clearing region %s: %w", region, err)
	}
	return nil
}

// ClearAll removes every region.
func (s *Store) ClearAll() error {
	if _, err := s.db.Exec("DELETE FROM cache_regions"); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

// Regions lists the names of all populated regions.
func (s *Store) Regions() ([]string, error) {
	rows, err := s.db.Query("SELECT region FROM cache_regions ORDER BY region")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
