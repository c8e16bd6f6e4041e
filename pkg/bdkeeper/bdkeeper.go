// Package bdkeeper is the sqlite-backed local persistent store. It keeps the
// key-value rows used by the sync queue and the offline snapshot, and the
// response caches used by the worker.
package bdkeeper

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/wurt83ow/hifzkeeper/pkg/models"
	"github.com/wurt83ow/hifzkeeper/pkg/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrCacheMiss is returned when no cached response matches.
var ErrCacheMiss = errors.New("bdkeeper: cache miss")

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

type Keeper struct {
	db *sql.DB
}

// NewKeeper wraps an already opened database. Call Migrate before use.
func NewKeeper(db *sql.DB) *Keeper {
	return &Keeper{
		db: db,
	}
}

// Open opens (creating if needed) the sqlite file at path and applies
// migrations.
func Open(ctx context.Context, path string) (*Keeper, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	k := NewKeeper(db)
	if err := k.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return k, nil
}

// Migrate brings the schema up to date.
func (k *Keeper) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, k.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (k *Keeper) Close() error {
	return k.db.Close()
}

func (k *Keeper) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := k.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

func (k *Keeper) Put(ctx context.Context, key string, value []byte) error {
	_, err := k.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (k *Keeper) Delete(ctx context.Context, key string) error {
	if _, err := k.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// MatchCached returns the response stored under namespace and url.
func (k *Keeper) MatchCached(ctx context.Context, namespace, url string) (*models.CachedResponse, error) {
	var (
		resp   models.CachedResponse
		header string
	)
	err := k.db.QueryRowContext(ctx,
		"SELECT status, header, body, stored_at FROM cache_entries WHERE namespace = ? AND url = ?",
		namespace, url).Scan(&resp.Status, &header, &resp.Body, &resp.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("match %s %s: %w", namespace, url, err)
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	return &resp, nil
}

func (k *Keeper) PutCached(ctx context.Context, namespace, url string, resp *models.CachedResponse) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	_, err = k.db.ExecContext(ctx,
		`INSERT INTO cache_entries (namespace, url, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, url) DO UPDATE SET
		   status = excluded.status, header = excluded.header, body = excluded.body, stored_at = excluded.stored_at`,
		namespace, url, resp.Status, string(header), resp.Body, storedAt)
	if err != nil {
		return fmt.Errorf("cache %s %s: %w", namespace, url, err)
	}
	return nil
}

// CacheNamespaces lists namespaces holding at least one entry.
func (k *Keeper) CacheNamespaces(ctx context.Context) ([]string, error) {
	rows, err := k.db.QueryContext(ctx, "SELECT DISTINCT namespace FROM cache_entries")
	if err != nil {
		return nil, fmt.Errorf("list cache namespaces: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows encountered an error: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (k *Keeper) DeleteCacheNamespace(ctx context.Context, namespace string) error {
	if _, err := k.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE namespace = ?", namespace); err != nil {
		return fmt.Errorf("delete cache %s: %w", namespace, err)
	}
	return nil
}
