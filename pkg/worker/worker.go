package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"

	"github.com/wurt83ow/hifzkeeper/pkg/syncqueue"
)

// Connectivity is the part of the connectivity observer windows can drive.
type Connectivity interface {
	SetOnline(ctx context.Context, online bool)
	SyncNow(ctx context.Context) (syncqueue.Result, error)
}

// DataCache is the application's data cache dropped by ForceRefresh.
type DataCache interface {
	Reset(ctx context.Context) error
}

// Worker answers window messages and push events.
type Worker struct {
	reg     *Registration
	caches  CacheStorage
	windows Windows
	net     Connectivity
	data    DataCache
	opener  Opener
	updater *Updater
	origin  *url.URL
	logger  *slog.Logger
}

type Config struct {
	Registration *Registration
	Caches       CacheStorage
	Windows      Windows
	Connectivity Connectivity
	DataCache    DataCache
	Opener       Opener
	Updater      *Updater
	// Origin is where windows load the app from, i.e. the proxy address.
	Origin *url.URL
	Logger *slog.Logger
}

func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		reg:     cfg.Registration,
		caches:  cfg.Caches,
		windows: cfg.Windows,
		net:     cfg.Connectivity,
		data:    cfg.DataCache,
		opener:  cfg.Opener,
		updater: cfg.Updater,
		origin:  cfg.Origin,
		logger:  logger.With("component", "worker"),
	}
}

// HandleMessage dispatches a message posted by a window. Failures are
// logged; none reach the window except as toasts.
func (w *Worker) HandleMessage(ctx context.Context, from Window, msg Message) {
	w.logger.Debug("message from window", "window", from.ID, "type", msg.Type)
	switch msg.Type {
	case MsgSkipWaiting:
		if err := w.reg.SkipWaiting(ctx); err != nil && !errors.Is(err, ErrNoWaitingVersion) {
			w.logger.Warn("skip waiting failed", "error", err)
		}
	case MsgClearCache:
		if err := ClearCaches(ctx, w.caches); err != nil {
			w.logger.Warn("clear cache failed", "error", err)
		}
	case MsgApplyUpdate:
		w.applyUpdate(ctx)
	case MsgForceRefresh:
		// failures are logged by ForceRefresh
		_ = w.ForceRefresh(ctx)
	case MsgOnline, MsgOffline:
		if w.net != nil {
			w.net.SetOnline(ctx, msg.Type == MsgOnline)
		}
	case MsgSyncNow:
		if w.net == nil {
			return
		}
		if _, err := w.net.SyncNow(ctx); err != nil {
			w.logger.Info("sync now not performed", "error", err)
		}
	case MsgNotificationClick:
		var n Notification
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &n); err != nil {
				w.logger.Warn("bad notification click", "error", err)
			}
		}
		if err := w.HandleNotificationClick(ctx, n); err != nil {
			w.logger.Warn("notification click failed", "error", err)
		}
	default:
		w.logger.Debug("ignoring unknown message", "type", msg.Type)
	}
}

// HandlePush parses a push payload and shows the notification in every open
// window.
func (w *Worker) HandlePush(ctx context.Context, raw []byte) Notification {
	n := ParsePushPayload(raw)
	w.logger.Info("push received", "title", n.Title, "tag", n.Tag)
	w.windows.Broadcast(ctx, NewMessage(MsgNotification, n))
	return n
}

// HandleNotificationClick closes the notification and brings the user to
// its URL: an open window on the app origin is navigated and focused,
// otherwise a new window is opened. Without an opener any connected window
// is navigated instead.
func (w *Worker) HandleNotificationClick(ctx context.Context, n Notification) error {
	w.windows.Broadcast(ctx, NewMessage(MsgNotificationClose, map[string]string{"tag": n.Tag}))

	target := n.Data.URL
	if target == "" {
		target = DefaultURL
	}
	if w.origin != nil {
		if ref, err := url.Parse(target); err == nil {
			target = w.origin.ResolveReference(ref).String()
		}
	}

	windows := w.windows.Windows()
	for _, win := range windows {
		if w.origin != nil && !sameOrigin(win.URL, w.origin) {
			continue
		}
		if w.navigate(ctx, win, target) {
			return nil
		}
	}
	if w.opener != nil {
		return w.opener.Open(ctx, target)
	}

	// nothing can open a new window, so reuse any connected one
	for _, win := range windows {
		if w.origin != nil && sameOrigin(win.URL, w.origin) {
			continue
		}
		if w.navigate(ctx, win, target) {
			return nil
		}
	}
	return errors.New("worker: no window to open " + target)
}

func (w *Worker) navigate(ctx context.Context, win Window, target string) bool {
	if err := w.windows.Post(ctx, win.ID, NewMessage(MsgNavigate, map[string]string{"url": target})); err != nil {
		w.logger.Warn("navigate failed", "window", win.ID, "error", err)
		return false
	}
	if err := w.windows.Post(ctx, win.ID, NewMessage(MsgFocus, nil)); err != nil {
		w.logger.Warn("focus failed", "window", win.ID, "error", err)
		return false
	}
	return true
}

// applyUpdate activates the waiting version and reloads the windows. Without
// an updater the waiting version is activated without waiting for it.
func (w *Worker) applyUpdate(ctx context.Context) {
	if w.updater != nil {
		if err := w.updater.ApplyUpdate(ctx); err != nil {
			w.logger.Warn("apply update failed", "error", err)
		}
		return
	}
	if err := w.reg.SkipWaiting(ctx); err != nil && !errors.Is(err, ErrNoWaitingVersion) {
		w.logger.Warn("skip waiting failed", "error", err)
	}
	w.windows.Broadcast(ctx, NewMessage(MsgReload, nil))
}

// ForceRefresh clears every cache, drops the application's data cache and
// reloads the windows.
func (w *Worker) ForceRefresh(ctx context.Context) error {
	err := ClearCaches(ctx, w.caches)
	if w.data != nil {
		err = errors.Join(err, w.data.Reset(ctx))
	}
	if err != nil {
		w.logger.Warn("force refresh incomplete", "error", err)
	}
	w.windows.Broadcast(ctx, NewMessage(MsgReload, nil))
	return err
}

// RelaySyncEvents forwards sync completions to the windows. Subscribe the
// returned func on the queue.
func RelaySyncEvents(ctx context.Context, windows Windows) func(syncqueue.Event) {
	return func(ev syncqueue.Event) {
		if ev.Kind != syncqueue.EventSyncComplete {
			return
		}
		windows.Broadcast(ctx, NewMessage(MsgSyncComplete, map[string]string{
			"id":   ev.Item.ID,
			"type": string(ev.Item.Type),
		}))
	}
}

// SyncRegistry holds background-sync registrations until connectivity
// returns.
type SyncRegistry struct {
	windows Windows
	logger  *slog.Logger

	mu   sync.Mutex
	tags []string
}

func NewSyncRegistry(windows Windows, logger *slog.Logger) *SyncRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncRegistry{windows: windows, logger: logger.With("component", "background-sync")}
}

// Register records tag once.
func (s *SyncRegistry) Register(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tags {
		if t == tag {
			return nil
		}
	}
	s.tags = append(s.tags, tag)
	return nil
}

// Pending lists registered tags.
func (s *SyncRegistry) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tags...)
}

// Fire tells the windows to sync for every registered tag and clears the
// registrations.
func (s *SyncRegistry) Fire(ctx context.Context) {
	s.mu.Lock()
	tags := s.tags
	s.tags = nil
	s.mu.Unlock()

	for _, tag := range tags {
		s.logger.Debug("background sync fired", "tag", tag)
		if s.windows != nil {
			s.windows.Broadcast(ctx, NewMessage(MsgSyncQueue, map[string]string{"tag": tag}))
		}
	}
}
