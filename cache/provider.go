package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is the storage capability behind the gateway's cache
// generations. It manages named generations and hands out handles scoped
// to a single generation. Entries are opaque to the store: the codec used
// to produce Entry.Bytes lives with the caller.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns a handle to the named generation, creating the
	// generation if it does not exist.
	Open(ctx context.Context, name string) (Generation, error)
	// Names returns the names of all generations currently in the store,
	// in lexical order.
	Names(ctx context.Context) ([]string, error)
	// Drop deletes the named generation and every entry it owns.
	// Handles opened before the drop stay valid; their reads miss and
	// their writes store nothing from then on.
	Drop(ctx context.Context, name string) error
	// Close releases the underlying storage.
	Close() error
}

// Generation is a handle scoped to one named generation.
type Generation interface {
	Name() string
	// Match returns the stored entry for the given key, if it exists.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry under its key, replacing any previous entry.
	// A put into a dropped generation stores nothing.
	Put(ctx context.Context, entry Entry) error
	// Delete removes the entry for the given key.
	Delete(ctx context.Context, key string) error
	// Keys returns all keys stored in the generation, in lexical order.
	Keys(ctx context.Context) ([]string, error)
	// Has checks if the specified key exists in the generation.
	Has(ctx context.Context, key string) bool
}

// Entry is one stored response. Entries are never mutated in place, only
// replaced.
type Entry struct {
	Key      string    `json:"key"`
	StoredAt time.Time `json:"storedAt"`
	Bytes    []byte    `json:"bytes"`
}

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider creates a new provider with the given filename as the
// db. If file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) SQLiteProvider {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS generations (name TEXT PRIMARY KEY)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		generation TEXT NOT NULL,
		key TEXT NOT NULL,
		stored_at INTEGER NOT NULL,
		bytes BLOB NOT NULL,
		PRIMARY KEY (generation, key)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteProvider) Open(ctx context.Context, name string) (Generation, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO generations (name) VALUES (?)", name)
	if err != nil {
		return nil, err
	}
	return sqliteGeneration{name: name, db: s.db, writeMutex: s.writeMutex}, nil
}

func (s SQLiteProvider) Names(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY name")
	if err != nil {
		return names, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteProvider) Drop(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", name)
	return err
}

func (s SQLiteProvider) Close() error {
	return s.db.Close()
}

type sqliteGeneration struct {
	name       string
	db         *sql.DB
	writeMutex *sync.Mutex
}

func (g sqliteGeneration) Name() string {
	return g.name
}

func (g sqliteGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := g.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE generation = ? AND key = ?",
		g.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (g sqliteGeneration) Put(ctx context.Context, entry Entry) error {
	g.writeMutex.Lock()
	defer g.writeMutex.Unlock()
	// a put racing a drop must not leave entry rows no generation owns
	_, err := g.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (generation, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE name = ?)`,
		g.name, entry.Key, entry.StoredAt.Unix(), entry.Bytes, g.name)
	return err
}

func (g sqliteGeneration) Delete(ctx context.Context, key string) error {
	g.writeMutex.Lock()
	defer g.writeMutex.Unlock()
	_, err := g.db.ExecContext(ctx, "DELETE FROM entries WHERE generation = ? AND key = ?", g.name, key)
	return err
}

func (g sqliteGeneration) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	rows, err := g.db.QueryContext(ctx, "SELECT key FROM entries WHERE generation = ? ORDER BY key", g.name)
	if err != nil {
		return keys, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (g sqliteGeneration) Has(ctx context.Context, key string) bool {
	var one int
	err := g.db.QueryRowContext(ctx,
		"SELECT 1 FROM entries WHERE generation = ? AND key = ?",
		g.name, key,
	).Scan(&one)
	return err == nil
}
