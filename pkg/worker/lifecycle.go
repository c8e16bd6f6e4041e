// Package worker is the offline layer in front of the web app: it keeps
// versioned app-shell caches, answers navigations when the app origin is
// unreachable, relays push notifications and talks to open windows over a
// websocket channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wurt83ow/hifzkeeper/pkg/models"
)

type State int

const (
	StateInstalling State = iota + 1
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Policy controls when a freshly installed version takes over.
type Policy struct {
	// SkipWaiting activates a new version as soon as it is installed instead
	// of waiting for an explicit skip-waiting request.
	SkipWaiting bool
	// ClaimClients makes an activated version control open windows at once
	// rather than from their next navigation.
	ClaimClients bool
}

func DefaultPolicy() Policy {
	return Policy{SkipWaiting: true, ClaimClients: true}
}

// DefaultPrecache is the app shell stored at install time.
var DefaultPrecache = []string{"/", "/offline.html", "/manifest.webmanifest"}

var ErrNoWaitingVersion = errors.New("worker: no waiting version")

type Version struct {
	ID    string
	State State
	// CacheName is the shell namespace the version precached into.
	CacheName   string
	InstalledAt time.Time
}

// ShellFetcher loads app-shell resources from the app origin.
type ShellFetcher interface {
	Fetch(ctx context.Context, path string) (*models.CachedResponse, error)
}

// Registration tracks the installing, waiting and active versions.
type Registration struct {
	caches   CacheStorage
	fetcher  ShellFetcher
	windows  Windows
	policy   Policy
	precache []string
	logger   *slog.Logger

	mu         sync.Mutex
	installing *Version
	waiting    *Version
	active     *Version
	controller string
	// closed and replaced on every state change
	changed chan struct{}
}

type RegistrationOption func(*Registration)

func WithPolicy(p Policy) RegistrationOption {
	return func(r *Registration) { r.policy = p }
}

func WithPrecache(paths ...string) RegistrationOption {
	return func(r *Registration) { r.precache = paths }
}

func WithRegistrationLogger(l *slog.Logger) RegistrationOption {
	return func(r *Registration) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistration(caches CacheStorage, fetcher ShellFetcher, windows Windows, opts ...RegistrationOption) *Registration {
	r := &Registration{
		caches:   caches,
		fetcher:  fetcher,
		windows:  windows,
		policy:   DefaultPolicy(),
		precache: DefaultPrecache,
		logger:   slog.Default(),
		changed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "worker")
	return r
}

// Install precaches the shell for version. On success the version waits, or
// activates at once when the policy says so or nothing is active yet.
func (r *Registration) Install(ctx context.Context, version string) error {
	v := &Version{ID: version, State: StateInstalling, CacheName: CacheName(version)}

	r.mu.Lock()
	if r.installing != nil {
		r.mu.Unlock()
		return fmt.Errorf("worker: version %s is already installing", r.installing.ID)
	}
	if (r.active != nil && r.active.ID == version) || (r.waiting != nil && r.waiting.ID == version) {
		r.mu.Unlock()
		return nil
	}
	r.installing = v
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Info("installing version", "version", version)
	if err := r.precacheShell(ctx, v.CacheName); err != nil {
		r.mu.Lock()
		v.State = StateRedundant
		r.installing = nil
		r.notifyLocked()
		r.mu.Unlock()
		if derr := r.caches.DeleteCacheNamespace(ctx, v.CacheName); derr != nil {
			r.logger.Warn("failed to drop partial shell cache", "cache", v.CacheName, "error", derr)
		}
		r.logger.Error("install failed", "version", version, "error", err)
		return err
	}

	r.mu.Lock()
	v.State = StateInstalled
	v.InstalledAt = time.Now().UTC()
	if r.waiting != nil {
		r.waiting.State = StateRedundant
	}
	r.waiting = v
	r.installing = nil
	hadActive := r.active != nil
	r.notifyLocked()
	r.mu.Unlock()

	if hadActive {
		r.logger.Info("new content available", "version", version)
		r.broadcast(ctx, NewMessage(MsgNewContentAvailable, map[string]string{"version": version}))
	}
	if !hadActive || r.policy.SkipWaiting {
		return r.activate(ctx)
	}
	return nil
}

func (r *Registration) precacheShell(ctx context.Context, namespace string) error {
	for _, path := range r.precache {
		resp, err := r.fetcher.Fetch(ctx, path)
		if err != nil {
			return fmt.Errorf("precache %s: %w", path, err)
		}
		if err := r.caches.PutCached(ctx, namespace, path, resp); err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
	}
	return nil
}

// SkipWaiting activates the waiting version.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	return r.activate(ctx)
}

func (r *Registration) activate(ctx context.Context) error {
	r.mu.Lock()
	v := r.waiting
	if v == nil {
		r.mu.Unlock()
		return ErrNoWaitingVersion
	}
	r.waiting = nil
	v.State = StateActivating
	r.notifyLocked()
	r.mu.Unlock()

	deleted, err := deleteStaleShells(ctx, r.caches, v.CacheName)
	if err != nil {
		r.logger.Warn("failed to delete old caches", "error", err)
	}
	if len(deleted) > 0 {
		r.logger.Info("deleted old caches", "caches", deleted)
	}

	r.mu.Lock()
	if r.active != nil {
		r.active.State = StateRedundant
	}
	v.State = StateActivated
	r.active = v
	if r.policy.ClaimClients || r.controller == "" {
		r.controller = v.ID
	}
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Info("version activated", "version", v.ID)
	return nil
}

// Navigated records that windows reloaded under the active version.
func (r *Registration) Navigated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.controller = r.active.ID
	}
}

// WaitActivated blocks until version is active or ctx is done.
func (r *Registration) WaitActivated(ctx context.Context, version string) error {
	for {
		r.mu.Lock()
		if r.active != nil && r.active.ID == version {
			r.mu.Unlock()
			return nil
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Registration) Active() (Version, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return Version{}, false
	}
	return *r.active, true
}

func (r *Registration) Waiting() (Version, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == nil {
		return Version{}, false
	}
	return *r.waiting, true
}

// Controller is the version serving the open windows.
func (r *Registration) Controller() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller
}

// Latest returns the newest installed version id, waiting or active.
func (r *Registration) Latest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.waiting != nil:
		return r.waiting.ID
	case r.active != nil:
		return r.active.ID
	default:
		return ""
	}
}

// CacheName is the shell namespace of the active version, or "" before the
// first activation.
func (r *Registration) CacheName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.CacheName
}

func (r *Registration) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Registration) broadcast(ctx context.Context, msg Message) {
	if r.windows != nil {
		r.windows.Broadcast(ctx, msg)
	}
}
