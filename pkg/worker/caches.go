package worker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wurt83ow/hifzkeeper/pkg/models"
)

// ShellCachePrefix prefixes every versioned app-shell cache namespace.
const ShellCachePrefix = "hifz-shell-"

var ErrCacheMiss = errors.New("worker: cache miss")

// CacheStorage is named response caches. bdkeeper.Keeper implements it on
// sqlite; MemoryCaches keeps them in process.
type CacheStorage interface {
	MatchCached(ctx context.Context, namespace, url string) (*models.CachedResponse, error)
	PutCached(ctx context.Context, namespace, url string, resp *models.CachedResponse) error
	CacheNamespaces(ctx context.Context) ([]string, error)
	DeleteCacheNamespace(ctx context.Context, namespace string) error
}

// CacheName returns the shell cache namespace of version.
func CacheName(version string) string {
	return ShellCachePrefix + version
}

type MemoryCaches struct {
	mu sync.RWMutex
	ns map[string]map[string]models.CachedResponse
}

func NewMemoryCaches() *MemoryCaches {
	return &MemoryCaches{ns: make(map[string]map[string]models.CachedResponse)}
}

func (m *MemoryCaches) MatchCached(_ context.Context, namespace, url string) (*models.CachedResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp, ok := m.ns[namespace][url]
	if !ok {
		return nil, ErrCacheMiss
	}
	resp.Body = append([]byte(nil), resp.Body...)
	return &resp, nil
}

func (m *MemoryCaches) PutCached(_ context.Context, namespace, url string, resp *models.CachedResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.ns[namespace]
	if !ok {
		entries = make(map[string]models.CachedResponse)
		m.ns[namespace] = entries
	}
	cp := *resp
	cp.Body = append([]byte(nil), resp.Body...)
	if cp.StoredAt.IsZero() {
		cp.StoredAt = time.Now().UTC()
	}
	entries[url] = cp
	return nil
}

func (m *MemoryCaches) CacheNamespaces(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.ns))
	for name := range m.ns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryCaches) DeleteCacheNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ns, namespace)
	return nil
}

// ClearCaches deletes every namespace.
func ClearCaches(ctx context.Context, caches CacheStorage) error {
	names, err := caches.CacheNamespaces(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if err := caches.DeleteCacheNamespace(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deleteStaleShells removes shell namespaces other than keep.
func deleteStaleShells(ctx context.Context, caches CacheStorage, keep string) ([]string, error) {
	names, err := caches.CacheNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range names {
		if name == keep || !strings.HasPrefix(name, ShellCachePrefix) {
			continue
		}
		if err := caches.DeleteCacheNamespace(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}
