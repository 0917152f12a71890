// Package opstate is the device's persisted configuration store: a
// namespaced key-value table that survives reboots. It holds cloud
// identity and TLS material ("iot"), station pairing ("station") and the
// last-known addressing of each interface ("netif/<name>"). Tunables
// that an operator edits by hand belong in the YAML config instead.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key-value store backed by SQLite. It is safe for
// concurrent use; the device loops and the CLI may hold it open at once.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at dbPath. WAL mode
// and a busy timeout let `chargelight pair` write while serve runs.
func NewStore(dbPath string) (*Store, error) {
	dsn := "file:" + dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS device_settings (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	) WITHOUT ROWID;
	`)
	return err
}

const upsertSQL = `
	INSERT INTO device_settings (namespace, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (namespace, key) DO UPDATE
	SET value = excluded.value, updated_at = excluded.updated_at`

// Get returns the value for namespace/key, or "" if it was never set.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM device_settings WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set writes one value.
func (s *Store) Set(namespace, key, value string) error {
	if _, err := s.db.Exec(upsertSQL, namespace, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// SetMany writes several keys of one namespace in a single transaction,
// so a reader never sees half of a provisioning update.
func (s *Store) SetMany(namespace string, values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set %s: %w", namespace, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertSQL)
	if err != nil {
		return fmt.Errorf("set %s: %w", namespace, err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, k := range sortedKeys(values) {
		if _, err := stmt.Exec(namespace, k, values[k], now); err != nil {
			return fmt.Errorf("set %s/%s: %w", namespace, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set %s: %w", namespace, err)
	}
	return nil
}

// Delete removes namespace/key. Deleting a missing key is not an error.
func (s *Store) Delete(namespace, key string) error {
	if _, err := s.db.Exec(
		`DELETE FROM device_settings WHERE namespace = ? AND key = ?`,
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes every key in namespace.
func (s *Store) DeleteNamespace(namespace string) error {
	if _, err := s.db.Exec(`DELETE FROM device_settings WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

// List returns every key/value in namespace. The map is never nil.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM device_settings WHERE namespace = ?`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("list %s: %w", namespace, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Namespaces lists the namespaces holding at least one key, sorted.
func (s *Store) Namespaces() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT namespace FROM device_settings ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("list namespaces: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// Getter is the read half of a settings store.
type Getter interface {
	Get(namespace, key string) (string, error)
}

// Setter is the write half of a settings store.
type Setter interface {
	Set(namespace, key, value string) error
}

// BatchSetter writes several keys atomically.
type BatchSetter interface {
	SetMany(namespace string, values map[string]string) error
}

// Lister enumerates stored settings.
type Lister interface {
	Namespaces() ([]string, error)
	List(namespace string) (map[string]string, error)
}

// NamespaceDeleter drops a whole namespace.
type NamespaceDeleter interface {
	DeleteNamespace(namespace string) error
}

// SetAll writes values into namespace, atomically when s supports it.
func SetAll(s Setter, namespace string, values map[string]string) error {
	if b, ok := s.(BatchSetter); ok {
		return b.SetMany(namespace, values)
	}
	for _, k := range sortedKeys(values) {
		if err := s.Set(namespace, k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// GetBool reads a boolean setting. A missing key yields def.
func GetBool(g Getter, namespace, key string, def bool) (bool, error) {
	v, err := g.Get(namespace, key)
	if err != nil {
		return def, err
	}
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("parse %s/%s=%q: %w", namespace, key, v, err)
	}
	return b, nil
}

// SetBool writes a boolean setting.
func SetBool(s Setter, namespace, key string, v bool) error {
	return s.Set(namespace, key, strconv.FormatBool(v))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
