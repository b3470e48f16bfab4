package fwdproxy

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// indexBackend persists the whole URL -> IndexEntry mapping. save always
// receives the complete index and replaces whatever was stored before.
// Callers serialize access.
type indexBackend interface {
	load() (map[string]IndexEntry, error)
	save(map[string]IndexEntry) error
	// owns reports whether a directory entry of the cache dir belongs to the
	// backend, so Clear leaves it alone.
	owns(name string) bool
	close() error
}

func openIndexBackend(kind, dir string, log zerolog.Logger) (indexBackend, error) {
	switch kind {
	case IndexJSON, "":
		return &jsonIndex{path: filepath.Join(dir, jsonIndexName), log: log}, nil
	case IndexLevelDB:
		return openLevelIndex(filepath.Join(dir, levelIndexName))
	case IndexSQLite:
		return openSQLiteIndex(filepath.Join(dir, sqliteIndexName))
	default:
		return nil, fmt.Errorf("unknown index backend %q", kind)
	}
}

// ---- json document ----

const jsonIndexName = "cache_index.json"

type jsonIndex struct {
	path string
	log  zerolog.Logger
}

func (j *jsonIndex) load() (map[string]IndexEntry, error) {
	b, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]IndexEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	idx := map[string]IndexEntry{}
	if err := json.Unmarshal(b, &idx); err != nil {
		// an unreadable index only costs cache hits; start over
		j.log.Warn().Err(err).Str("path", j.path).Msg("Cache index is corrupt, starting empty")
		return map[string]IndexEntry{}, nil
	}
	return idx, nil
}

func (j *jsonIndex) save(idx map[string]IndexEntry) error {
	b, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return writeFileAtomic(j.path, b)
}

func (j *jsonIndex) owns(name string) bool { return name == jsonIndexName }

func (j *jsonIndex) close() error { return nil }

// ---- leveldb ----

const levelIndexName = "cache_index.leveldb"

var levelMetaPrefix = []byte("m:")

type levelIndex struct {
	db *leveldb.DB
}

func openLevelIndex(path string) (*levelIndex, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelIndex{db: db}, nil
}

func (l *levelIndex) load() (map[string]IndexEntry, error) {
	it := l.db.NewIterator(util.BytesPrefix(levelMetaPrefix), nil)
	defer it.Release()

	idx := map[string]IndexEntry{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), levelMetaPrefix))
		var ent IndexEntry
		if err := decodeGob(it.Value(), &ent); err != nil {
			continue
		}
		idx[key] = ent
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (l *levelIndex) save(idx map[string]IndexEntry) error {
	batch := new(leveldb.Batch)

	it := l.db.NewIterator(util.BytesPrefix(levelMetaPrefix), nil)
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), levelMetaPrefix))
		if _, ok := idx[key]; !ok {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	for key, ent := range idx {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		batch.Put(append(append([]byte(nil), levelMetaPrefix...), key...), b)
	}
	return l.db.Write(batch, nil)
}

func (l *levelIndex) owns(name string) bool { return name == levelIndexName }

func (l *levelIndex) close() error { return l.db.Close() }

// ---- sqlite ----

const sqliteIndexName = "cache_index.db"

type sqliteIndex struct {
	db *sql.DB
}

func openSQLiteIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps writes ordered and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_index (
			url TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			etag TEXT NOT NULL DEFAULT '',
			last_modified TEXT NOT NULL DEFAULT ''
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &sqliteIndex{db: db}, nil
}

func (s *sqliteIndex) load() (map[string]IndexEntry, error) {
	rows, err := s.db.Query("SELECT url, filename, stored_at, etag, last_modified FROM cache_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	idx := map[string]IndexEntry{}
	for rows.Next() {
		var url string
		var storedAt int64
		var ent IndexEntry
		if err := rows.Scan(&url, &ent.Filename, &storedAt, &ent.ETag, &ent.LastModified); err != nil {
			return nil, err
		}
		ent.StoredAt = time.Unix(0, storedAt)
		idx[url] = ent
	}
	return idx, rows.Err()
}

func (s *sqliteIndex) save(idx map[string]IndexEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM cache_index"); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO cache_index
		(url, filename, stored_at, etag, last_modified) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for url, ent := range idx {
		if _, err := stmt.Exec(url, ent.Filename, ent.StoredAt.UnixNano(), ent.ETag, ent.LastModified); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteIndex) owns(name string) bool {
	switch name {
	case sqliteIndexName, sqliteIndexName + "-wal", sqliteIndexName + "-shm", sqliteIndexName + "-journal":
		return true
	}
	return false
}

func (s *sqliteIndex) close() error { return s.db.Close() }

// ---- helpers ----

// writeFileAtomic writes b to a temp file next to path and renames it over
// path, so readers never observe a partial file.
func writeFileAtomic(path string, b []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
