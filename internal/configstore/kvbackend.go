package configstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLDriver selects which database/sql driver KVBackend registers
// against. Both are wire-compatible with the same schema; the choice
// is a deployment-shape decision, not a schema one.
type SQLDriver string

const (
	// DriverCGO uses mattn/go-sqlite3, a cgo binding. Appropriate for
	// the multi-threaded server deployment shape, where cross-compiling
	// cgo is not a constraint.
	DriverCGO SQLDriver = "sqlite3"
	// DriverPure uses modernc.org/sqlite, a pure-Go port. Appropriate
	// for the single-threaded embedded deployment shape, where cgo
	// cross-compilation toolchains are often unavailable.
	DriverPure SQLDriver = "sqlite"
)

// chunkSize is the value-size ceiling modeled after embedded
// flash-backed KV namespaces: a document larger than this is split
// across multiple rows rather than stored as one oversized value.
const chunkSize = 4096

// KVBackend stores every record as one or more rows in a single
// namespaced table, chunking values larger than chunkSize. It
// implements the same Backend trait as FSBackend so either can be
// selected by a config field rather than a build tag.
type KVBackend struct {
	db *sql.DB
}

// NewKVBackend opens (and migrates) a KVBackend using the given driver
// and data source name.
func NewKVBackend(driver SQLDriver, dsn string) (*KVBackend, error) {
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("configstore: open %s database: %w", driver, err)
	}
	// SQLite serializes writers regardless; pinning the pool to a
	// single connection also keeps an in-memory DSN's data visible
	// across every query instead of handing out fresh empty databases.
	db.SetMaxOpenConns(1)
	b := &KVBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("configstore: migrate: %w", err)
	}
	return b, nil
}

// Close releases the underlying database handle.
func (b *KVBackend) Close() error {
	return b.db.Close()
}

func (b *KVBackend) migrate() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS configstore (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)`)
	return err
}

// chunkMeta is the JSON value of the "<key>#meta" header row.
type chunkMeta struct {
	Chunks int `json:"chunks"`
}

// saveRecord JSON-encodes value and writes it under namespace/key,
// splitting it into chunkSize-sized rows keyed "<key>#0".."<key>#N-1"
// plus a "<key>#meta" header row recording the chunk count. Any rows
// left over from a previous, larger value are deleted so a shrink
// never leaves stale chunk tails behind.
func (b *KVBackend) saveRecord(namespace, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("configstore: encode %s/%s: %w", namespace, key, err)
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("configstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM configstore WHERE namespace = ? AND key LIKE ?`,
		namespace, key+"#%"); err != nil {
		return fmt.Errorf("configstore: clear old chunks for %s/%s: %w", namespace, key, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	chunks := chunkify(data, chunkSize)
	for i, c := range chunks {
		if _, err := tx.Exec(
			`INSERT INTO configstore (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)`,
			namespace, fmt.Sprintf("%s#%d", key, i), string(c), now,
		); err != nil {
			return fmt.Errorf("configstore: write chunk %d of %s/%s: %w", i, namespace, key, err)
		}
	}

	metaBytes, err := json.Marshal(chunkMeta{Chunks: len(chunks)})
	if err != nil {
		return fmt.Errorf("configstore: encode meta for %s/%s: %w", namespace, key, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO configstore (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		namespace, key+"#meta", string(metaBytes), now,
	); err != nil {
		return fmt.Errorf("configstore: write meta for %s/%s: %w", namespace, key, err)
	}

	return tx.Commit()
}

// loadRecord reassembles a record written by saveRecord and decodes it
// into out.
func (b *KVBackend) loadRecord(namespace, key string, out any) error {
	var metaRaw string
	err := b.db.QueryRow(
		`SELECT value FROM configstore WHERE namespace = ? AND key = ?`,
		namespace, key+"#meta",
	).Scan(&metaRaw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("configstore: read meta %s/%s: %w", namespace, key, err)
	}
	var meta chunkMeta
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return &CorruptError{Key: namespace + "/" + key, Err: err}
	}

	var buf []byte
	for i := 0; i < meta.Chunks; i++ {
		var chunk string
		if err := b.db.QueryRow(
			`SELECT value FROM configstore WHERE namespace = ? AND key = ?`,
			namespace, fmt.Sprintf("%s#%d", key, i),
		).Scan(&chunk); err != nil {
			return &CorruptError{Key: namespace + "/" + key, Err: fmt.Errorf("missing chunk %d: %w", i, err)}
		}
		buf = append(buf, chunk...)
	}

	if err := json.Unmarshal(buf, out); err != nil {
		return &CorruptError{Key: namespace + "/" + key, Err: err}
	}
	return nil
}

// chunkify splits data into consecutive slices of at most size bytes.
// An empty input still yields one (empty) chunk, so meta.Chunks is
// never zero for a successfully saved record.
func chunkify(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

const (
	namespaceSettings = "settings"
	namespaceVessel   = "vessel"
	namespaceSecurity = "security"
	namespacePlugins  = "plugins"

	recordSingleton = "singleton"
)

func (b *KVBackend) LoadSettings() (Settings, error) {
	var s Settings
	if err := b.loadRecord(namespaceSettings, recordSingleton, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (b *KVBackend) SaveSettings(s Settings) error {
	return b.saveRecord(namespaceSettings, recordSingleton, s)
}

func (b *KVBackend) LoadVessel() (Vessel, error) {
	var v Vessel
	if err := b.loadRecord(namespaceVessel, recordSingleton, &v); err != nil {
		return Vessel{}, err
	}
	return v, nil
}

func (b *KVBackend) SaveVessel(v Vessel) error {
	return b.saveRecord(namespaceVessel, recordSingleton, v)
}

func (b *KVBackend) LoadSecurity() (Security, error) {
	var s Security
	if err := b.loadRecord(namespaceSecurity, recordSingleton, &s); err != nil {
		return Security{}, err
	}
	return s, nil
}

func (b *KVBackend) SaveSecurity(s Security) error {
	return b.saveRecord(namespaceSecurity, recordSingleton, s)
}

func (b *KVBackend) LoadPluginConfig(id string, out any) error {
	return b.loadRecord(namespacePlugins, id, out)
}

func (b *KVBackend) SavePluginConfig(id string, value any) error {
	return b.saveRecord(namespacePlugins, id, value)
}
