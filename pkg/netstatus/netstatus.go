// Package netstatus tracks whether the remote service is reachable and
// replays the sync queue when it comes back.
package netstatus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wurt83ow/hifzkeeper/pkg/syncqueue"
)

var ErrOffline = errors.New("netstatus: offline")

type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

const (
	MsgBackOnline  = "Back online. Syncing your changes."
	MsgOffline     = "You are offline. Changes are saved on this device and will sync when the connection returns."
	MsgSyncDone    = "All changes synced."
	MsgSyncPartial = "Some changes could not be synced and will be retried."
	MsgSyncFailed  = "Sync failed. Your changes are kept and will be retried."
)

// Prober reports connectivity; a nil error means online.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Ping(ctx context.Context) error { return f(ctx) }

type Replayer interface {
	ReplayAll(ctx context.Context) (syncqueue.Result, error)
	Pending(ctx context.Context) (int, error)
}

// Notifier shows user-facing signals in the open windows.
type Notifier interface {
	Toast(ctx context.Context, level, text string)
	Banner(ctx context.Context, text string, visible bool)
}

// SyncTrigger fires pending background-sync registrations.
type SyncTrigger interface {
	Fire(ctx context.Context)
}

type Observer struct {
	probe    Prober
	replayer Replayer
	notifier Notifier
	trigger  SyncTrigger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	state State
	subs  []func(State)
}

type Option func(*Observer)

func WithNotifier(n Notifier) Option {
	return func(o *Observer) { o.notifier = n }
}

func WithSyncTrigger(t SyncTrigger) Option {
	return func(o *Observer) { o.trigger = t }
}

// WithInterval sets the polling period. Zero disables polling in Run.
func WithInterval(d time.Duration) Option {
	return func(o *Observer) { o.interval = d }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(o *Observer) { o.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Observer) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewObserver(probe Prober, replayer Replayer, opts ...Option) *Observer {
	o := &Observer{
		probe:    probe,
		replayer: replayer,
		interval: 30 * time.Second,
		timeout:  5 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "netstatus")
	return o
}

func (o *Observer) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Observer) Online() bool {
	return o.State() == StateOnline
}

// Subscribe registers fn for state transitions.
func (o *Observer) Subscribe(fn func(State)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, fn)
}

// Run probes once to set the initial state and then polls until ctx is
// done.
func (o *Observer) Run(ctx context.Context) error {
	o.Check(ctx)
	if o.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Check(ctx)
		}
	}
}

// Check probes now and applies the result.
func (o *Observer) Check(ctx context.Context) State {
	pctx, cancel := context.WithTimeout(ctx, o.timeout)
	err := o.probe.Ping(pctx)
	cancel()
	if err != nil && ctx.Err() != nil {
		// shutting down, not a connectivity signal
		return o.State()
	}
	if err != nil {
		o.logger.Debug("probe failed", "error", err)
	}
	o.SetOnline(ctx, err == nil)
	return o.State()
}

// SetOnline applies an explicit connectivity report.
func (o *Observer) SetOnline(ctx context.Context, online bool) {
	next := StateOffline
	if online {
		next = StateOnline
	}

	o.mu.Lock()
	prev := o.state
	o.state = next
	subs := append(([]func(State))(nil), o.subs...)
	o.mu.Unlock()

	if prev == next {
		return
	}
	o.logger.Info("connectivity changed", "from", prev.String(), "to", next.String())
	for _, fn := range subs {
		fn(next)
	}

	switch {
	case next == StateOffline:
		o.banner(ctx, MsgOffline, true)
	case prev == StateOffline:
		o.banner(ctx, "", false)
		o.toast(ctx, "info", MsgBackOnline)
		o.reconnected(ctx)
	default:
		// first probe came back online; flush whatever a previous run left
		o.reconnected(ctx)
	}
}

func (o *Observer) reconnected(ctx context.Context) {
	if o.trigger != nil {
		o.trigger.Fire(ctx)
	}
	if o.replayer == nil {
		return
	}
	pending, err := o.replayer.Pending(ctx)
	if err != nil {
		o.logger.Warn("failed to read sync queue", "error", err)
		return
	}
	if pending == 0 {
		return
	}
	res, err := o.replayer.ReplayAll(ctx)
	if err != nil {
		o.logger.Warn("automatic replay stopped", "error", err)
		return
	}
	o.logger.Info("automatic replay finished",
		"attempted", res.Attempted, "succeeded", res.Succeeded, "failed", res.Failed)
}

// SyncNow replays the queue on demand. It does nothing and returns
// ErrOffline while offline.
func (o *Observer) SyncNow(ctx context.Context) (syncqueue.Result, error) {
	if !o.Online() {
		return syncqueue.Result{}, ErrOffline
	}
	res, err := o.replayer.ReplayAll(ctx)
	switch {
	case err != nil:
		o.logger.Warn("manual sync failed", "error", err)
		o.toast(ctx, "error", MsgSyncFailed)
	case res.Failed > 0:
		o.toast(ctx, "warning", MsgSyncPartial)
	case !res.Coalesced:
		o.toast(ctx, "success", MsgSyncDone)
	}
	return res, err
}

func (o *Observer) toast(ctx context.Context, level, text string) {
	if o.notifier != nil {
		o.notifier.Toast(ctx, level, text)
	}
}

func (o *Observer) banner(ctx context.Context, text string, visible bool) {
	if o.notifier != nil {
		o.notifier.Banner(ctx, text, visible)
	}
}
