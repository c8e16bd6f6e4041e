package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wurt83ow/hifzkeeper/pkg/models"
	"github.com/wurt83ow/hifzkeeper/pkg/syncqueue"
)

type posted struct {
	window string // empty for broadcast
	msg    Message
}

type fakeWindows struct {
	mu      sync.Mutex
	windows []Window
	posts   []posted
}

func (f *fakeWindows) Windows() []Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Window(nil), f.windows...)
}

func (f *fakeWindows) Post(_ context.Context, id string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, posted{window: id, msg: msg})
	return nil
}

func (f *fakeWindows) Broadcast(_ context.Context, msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, posted{msg: msg})
}

func (f *fakeWindows) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.posts))
	for _, p := range f.posts {
		out = append(out, p.msg.Type)
	}
	return out
}

type fakeFetcher struct {
	fail map[string]bool
}

func (f *fakeFetcher) Fetch(_ context.Context, path string) (*models.CachedResponse, error) {
	if f.fail[path] {
		return nil, errors.New("fetch failed")
	}
	return &models.CachedResponse{
		Status: http.StatusOK,
		Header: map[string][]string{"Content-Type": {"text/html"}},
		Body:   []byte("shell " + path),
	}, nil
}

func TestFirstInstallActivates(t *testing.T) {
	caches := NewMemoryCaches()
	windows := &fakeWindows{}
	reg := NewRegistration(caches, &fakeFetcher{}, windows)
	ctx := context.Background()

	require.NoError(t, reg.Install(ctx, "v1"))

	active, ok := reg.Active()
	require.True(t, ok)
	assert.Equal(t, "v1", active.ID)
	assert.Equal(t, StateActivated, active.State)
	assert.Equal(t, "v1", reg.Controller())
	assert.Equal(t, CacheName("v1"), reg.CacheName())
	assert.NotContains(t, windows.types(), MsgNewContentAvailable)

	resp, err := caches.MatchCached(ctx, CacheName("v1"), "/offline.html")
	require.NoError(t, err)
	assert.Equal(t, "shell /offline.html", string(resp.Body))
}

func TestUpdateReplacesOldCaches(t *testing.T) {
	caches := NewMemoryCaches()
	windows := &fakeWindows{}
	reg := NewRegistration(caches, &fakeFetcher{}, windows)
	ctx := context.Background()

	require.NoError(t, caches.PutCached(ctx, "runtime-images", "/logo.png", &models.CachedResponse{Status: 200}))
	require.NoError(t, reg.Install(ctx, "v1"))
	require.NoError(t, reg.Install(ctx, "v2"))

	active, ok := reg.Active()
	require.True(t, ok)
	assert.Equal(t, "v2", active.ID)
	assert.Contains(t, windows.types(), MsgNewContentAvailable)

	names, err := caches.CacheNamespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{CacheName("v2"), "runtime-images"}, names)

	// same version again is a no-op
	require.NoError(t, reg.Install(ctx, "v2"))
}

func TestWaitingPolicy(t *testing.T) {
	caches := NewMemoryCaches()
	reg := NewRegistration(caches, &fakeFetcher{}, &fakeWindows{}, WithPolicy(Policy{}))
	ctx := context.Background()

	require.NoError(t, reg.Install(ctx, "v1"))
	require.NoError(t, reg.Install(ctx, "v2"))

	active, _ := reg.Active()
	assert.Equal(t, "v1", active.ID)
	waiting, ok := reg.Waiting()
	require.True(t, ok)
	assert.Equal(t, StateInstalled, waiting.State)
	assert.Equal(t, "v2", reg.Latest())

	require.NoError(t, reg.SkipWaiting(ctx))
	active, _ = reg.Active()
	assert.Equal(t, "v2", active.ID)
	// not claimed: windows keep the old controller until they navigate
	assert.Equal(t, "v1", reg.Controller())
	reg.Navigated()
	assert.Equal(t, "v2", reg.Controller())

	assert.ErrorIs(t, reg.SkipWaiting(ctx), ErrNoWaitingVersion)
}

func TestFailedInstall(t *testing.T) {
	caches := NewMemoryCaches()
	reg := NewRegistration(caches, &fakeFetcher{fail: map[string]bool{"/offline.html": true}}, &fakeWindows{})
	ctx := context.Background()

	require.Error(t, reg.Install(ctx, "v1"))
	_, ok := reg.Active()
	assert.False(t, ok)
	_, ok = reg.Waiting()
	assert.False(t, ok)

	names, err := caches.CacheNamespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func newFallbackHandler(t *testing.T, upstream http.Handler, precache ...string) (*Handler, *httptest.Server, *Registration) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	caches := NewMemoryCaches()
	opts := []RegistrationOption{}
	if len(precache) > 0 {
		opts = append(opts, WithPrecache(precache...))
	}
	reg := NewRegistration(caches, &fakeFetcher{}, &fakeWindows{}, opts...)
	require.NoError(t, reg.Install(context.Background(), "v1"))

	return NewHandler(origin, srv.Client(), caches, reg, nil), srv, reg
}

func navigate(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNavigationNetworkFirst(t *testing.T) {
	h, _, _ := newFallbackHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "live %s", r.URL.Path)
	}))

	rec := navigate(h, "/students")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "live /students", rec.Body.String())
}

func TestNavigationFallbackChain(t *testing.T) {
	h, srv, _ := newFallbackHandler(t, http.NotFoundHandler(), "/students", "/", "/offline.html")
	srv.Close()

	rec := navigate(h, "/students")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shell /students", rec.Body.String())

	rec = navigate(h, "/reports")
	assert.Equal(t, "shell /", rec.Body.String())
}

func TestNavigationFallsBackToOfflinePage(t *testing.T) {
	h, srv, _ := newFallbackHandler(t, http.NotFoundHandler(), "/offline.html")
	srv.Close()

	rec := navigate(h, "/reports")
	assert.Equal(t, "shell /offline.html", rec.Body.String())
}

func TestNavigationWithoutCache(t *testing.T) {
	h, srv, _ := newFallbackHandler(t, http.NotFoundHandler(), "/manifest.webmanifest")
	srv.Close()

	rec := navigate(h, "/reports")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "No connection")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestNonNavigationPassesThrough(t *testing.T) {
	h, _, _ := newFallbackHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "asset")
	}))

	req := httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "asset", rec.Body.String())
}

func TestParsePushPayload(t *testing.T) {
	// well-formed payload after a malformed one
	bad := ParsePushPayload([]byte(`{title:"X", body:`))
	assert.Equal(t, DefaultTitle, bad.Title)
	assert.Equal(t, DefaultBody, bad.Body)

	good := ParsePushPayload([]byte(`{"title":"X","body":"Y"}`))
	assert.Equal(t, "X", good.Title)
	assert.Equal(t, "Y", good.Body)
	assert.Equal(t, DefaultIcon, good.Icon)
	assert.Equal(t, DefaultURL, good.Data.URL)
	assert.Equal(t, []int{200, 100, 200}, good.Vibrate)
}

func TestParsePushPayloadVariants(t *testing.T) {
	n := ParsePushPayload([]byte("Class moved to 5pm"))
	assert.Equal(t, DefaultTitle, n.Title)
	assert.Equal(t, "Class moved to 5pm", n.Body)

	n = ParsePushPayload(nil)
	assert.Equal(t, DefaultNotification(), n)

	n = ParsePushPayload([]byte(`{"title":"Exam","data":{"url":"/exams/3"},"requireInteraction":true,"tag":"exam"}`))
	assert.Equal(t, "/exams/3", n.Data.URL)
	assert.True(t, n.RequireInteraction)
	assert.Equal(t, "exam", n.Tag)

	n = ParsePushPayload([]byte(`{"url":"/students"}`))
	assert.Equal(t, "/students", n.Data.URL)

	n = ParsePushPayload([]byte{0xff, 0xfe})
	assert.Equal(t, DefaultBody, n.Body)
}

type fakeOpener struct{ opened []string }

func (f *fakeOpener) Open(_ context.Context, target string) error {
	f.opened = append(f.opened, target)
	return nil
}

func newTestWorker(t *testing.T, windows *fakeWindows, opener Opener) (*Worker, *MemoryCaches) {
	t.Helper()
	origin, err := url.Parse("https://hifz.example")
	require.NoError(t, err)
	caches := NewMemoryCaches()
	reg := NewRegistration(caches, &fakeFetcher{}, windows, WithPolicy(Policy{}))
	return New(Config{
		Registration: reg,
		Caches:       caches,
		Windows:      windows,
		Opener:       opener,
		Origin:       origin,
	}), caches
}

func TestNotificationClickFocusesOpenWindow(t *testing.T) {
	windows := &fakeWindows{windows: []Window{
		{ID: "other", URL: "https://elsewhere.example/"},
		{ID: "app", URL: "https://hifz.example/dashboard"},
	}}
	opener := &fakeOpener{}
	w, _ := newTestWorker(t, windows, opener)

	require.NoError(t, w.HandleNotificationClick(context.Background(), Notification{Tag: "t", Data: NotificationData{URL: "/students/7"}}))

	assert.Empty(t, opener.opened)
	require.Len(t, windows.posts, 3)
	assert.Equal(t, MsgNotificationClose, windows.posts[0].msg.Type)
	assert.Equal(t, posted{window: "app", msg: NewMessage(MsgNavigate, map[string]string{"url": "https://hifz.example/students/7"})}, windows.posts[1])
	assert.Equal(t, "app", windows.posts[2].window)
	assert.Equal(t, MsgFocus, windows.posts[2].msg.Type)
}

func TestNotificationClickOpensWindow(t *testing.T) {
	windows := &fakeWindows{}
	opener := &fakeOpener{}
	w, _ := newTestWorker(t, windows, opener)

	require.NoError(t, w.HandleNotificationClick(context.Background(), Notification{}))
	assert.Equal(t, []string{"https://hifz.example/"}, opener.opened)
}

func TestNotificationClickOnProxyOrigin(t *testing.T) {
	origin, err := url.Parse("http://127.0.0.1:8080")
	require.NoError(t, err)
	windows := &fakeWindows{windows: []Window{{ID: "app", URL: "http://127.0.0.1:8080/dashboard"}}}
	caches := NewMemoryCaches()
	w := New(Config{
		Registration: NewRegistration(caches, &fakeFetcher{}, windows),
		Caches:       caches,
		Windows:      windows,
		Origin:       origin,
	})

	require.NoError(t, w.HandleNotificationClick(context.Background(), Notification{Data: NotificationData{URL: "/students/7"}}))
	require.Len(t, windows.posts, 3)
	assert.Equal(t, posted{window: "app", msg: NewMessage(MsgNavigate, map[string]string{"url": "http://127.0.0.1:8080/students/7"})}, windows.posts[1])
	assert.Equal(t, MsgFocus, windows.posts[2].msg.Type)
}

func TestNotificationClickWithoutOpenerUsesAnyWindow(t *testing.T) {
	windows := &fakeWindows{windows: []Window{{ID: "tab", URL: "http://localhost:8080/"}}}
	w, _ := newTestWorker(t, windows, nil)

	require.NoError(t, w.HandleNotificationClick(context.Background(), Notification{Data: NotificationData{URL: "/students/7"}}))
	require.Len(t, windows.posts, 3)
	assert.Equal(t, posted{window: "tab", msg: NewMessage(MsgNavigate, map[string]string{"url": "https://hifz.example/students/7"})}, windows.posts[1])
	assert.Equal(t, "tab", windows.posts[2].window)

	// no windows at all and nothing to open one
	empty := &fakeWindows{}
	w, _ = newTestWorker(t, empty, nil)
	assert.Error(t, w.HandleNotificationClick(context.Background(), Notification{}))
}

func TestHandlePushBroadcasts(t *testing.T) {
	windows := &fakeWindows{}
	w, _ := newTestWorker(t, windows, nil)

	n := w.HandlePush(context.Background(), []byte(`{"title":"X","body":"Y"}`))
	assert.Equal(t, "X", n.Title)
	require.Len(t, windows.posts, 1)
	assert.Equal(t, MsgNotification, windows.posts[0].msg.Type)

	var shown Notification
	require.NoError(t, json.Unmarshal(windows.posts[0].msg.Data, &shown))
	assert.Equal(t, n, shown)
}

type fakeConnectivity struct {
	reports []bool
	syncs   int
}

func (f *fakeConnectivity) SetOnline(_ context.Context, online bool) {
	f.reports = append(f.reports, online)
}

func (f *fakeConnectivity) SyncNow(context.Context) (syncqueue.Result, error) {
	f.syncs++
	return syncqueue.Result{}, nil
}

func TestHandleMessage(t *testing.T) {
	windows := &fakeWindows{}
	w, caches := newTestWorker(t, windows, nil)
	conn := &fakeConnectivity{}
	w.net = conn
	ctx := context.Background()
	from := Window{ID: "w1"}

	require.NoError(t, w.reg.Install(ctx, "v1"))
	require.NoError(t, w.reg.Install(ctx, "v2"))
	w.HandleMessage(ctx, from, Message{Type: MsgSkipWaiting})
	active, _ := w.reg.Active()
	assert.Equal(t, "v2", active.ID)

	// nothing waiting now; must not panic or fail
	w.HandleMessage(ctx, from, Message{Type: MsgSkipWaiting})

	w.HandleMessage(ctx, from, Message{Type: MsgOffline})
	w.HandleMessage(ctx, from, Message{Type: MsgOnline})
	assert.Equal(t, []bool{false, true}, conn.reports)

	w.HandleMessage(ctx, from, Message{Type: MsgSyncNow})
	assert.Equal(t, 1, conn.syncs)

	w.HandleMessage(ctx, from, Message{Type: MsgClearCache})
	names, err := caches.CacheNamespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	w.HandleMessage(ctx, from, Message{Type: "SOMETHING_ELSE"})
}

func TestHandleUpdateMessages(t *testing.T) {
	windows := &fakeWindows{}
	w, caches := newTestWorker(t, windows, nil)
	ctx := context.Background()
	from := Window{ID: "w1"}

	// without an updater the waiting version is activated directly
	require.NoError(t, w.reg.Install(ctx, "v1"))
	require.NoError(t, w.reg.Install(ctx, "v2"))
	w.HandleMessage(ctx, from, Message{Type: MsgApplyUpdate})
	active, _ := w.reg.Active()
	assert.Equal(t, "v2", active.ID)
	assert.Equal(t, MsgReload, windows.types()[len(windows.types())-1])

	u := NewUpdater(w.reg, &staticSource{version: "v3"}, windows, nil)
	u.ActivationTimeout = time.Second
	w.updater = u
	installed, err := u.CheckNow(ctx)
	require.NoError(t, err)
	require.True(t, installed)
	w.HandleMessage(ctx, from, Message{Type: MsgApplyUpdate})
	active, _ = w.reg.Active()
	assert.Equal(t, "v3", active.ID)
	assert.Equal(t, MsgReload, windows.types()[len(windows.types())-1])

	data := &fakeDataCache{}
	w.data = data
	windows.posts = nil
	w.HandleMessage(ctx, from, Message{Type: MsgForceRefresh})
	names, err := caches.CacheNamespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Equal(t, 1, data.resets)
	assert.Equal(t, []string{MsgReload}, windows.types())
}

type fakeDataCache struct{ resets int }

func (f *fakeDataCache) Reset(context.Context) error {
	f.resets++
	return nil
}

func TestForceRefresh(t *testing.T) {
	windows := &fakeWindows{}
	w, caches := newTestWorker(t, windows, nil)
	data := &fakeDataCache{}
	w.data = data
	ctx := context.Background()

	require.NoError(t, caches.PutCached(ctx, CacheName("v1"), "/", &models.CachedResponse{Status: 200}))
	require.NoError(t, w.ForceRefresh(ctx))

	names, err := caches.CacheNamespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Equal(t, 1, data.resets)
	assert.Equal(t, []string{MsgReload}, windows.types())
}

func TestSyncRegistry(t *testing.T) {
	windows := &fakeWindows{}
	reg := NewSyncRegistry(windows, nil)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, syncqueue.BackgroundSyncTag))
	require.NoError(t, reg.Register(ctx, syncqueue.BackgroundSyncTag))
	assert.Equal(t, []string{syncqueue.BackgroundSyncTag}, reg.Pending())

	reg.Fire(ctx)
	assert.Equal(t, []string{MsgSyncQueue}, windows.types())
	assert.Empty(t, reg.Pending())

	reg.Fire(ctx)
	assert.Len(t, windows.posts, 1)
}

func TestRelaySyncEvents(t *testing.T) {
	windows := &fakeWindows{}
	relay := RelaySyncEvents(context.Background(), windows)

	relay(syncqueue.Event{Kind: syncqueue.EventSyncFailed})
	relay(syncqueue.Event{Kind: syncqueue.EventSyncComplete, Item: models.SyncQueueItem{ID: "i1", Type: models.TypeAttendance}})

	require.Len(t, windows.posts, 1)
	assert.Equal(t, MsgSyncComplete, windows.posts[0].msg.Type)
	assert.JSONEq(t, `{"id":"i1","type":"attendance"}`, string(windows.posts[0].msg.Data))
}

type staticSource struct {
	version string
	err     error
}

func (s *staticSource) LatestVersion(context.Context) (string, error) { return s.version, s.err }

func TestUpdaterCheckAndApply(t *testing.T) {
	windows := &fakeWindows{}
	reg := NewRegistration(NewMemoryCaches(), &fakeFetcher{}, windows, WithPolicy(Policy{}))
	source := &staticSource{version: "v1"}
	u := NewUpdater(reg, source, windows, nil)
	ctx := context.Background()

	installed, err := u.CheckNow(ctx)
	require.NoError(t, err)
	assert.True(t, installed)

	installed, err = u.CheckNow(ctx)
	require.NoError(t, err)
	assert.False(t, installed)

	source.version = "v2"
	installed, err = u.CheckNow(ctx)
	require.NoError(t, err)
	assert.True(t, installed)
	_, waiting := reg.Waiting()
	assert.True(t, waiting)

	require.NoError(t, u.ApplyUpdate(ctx))
	active, _ := reg.Active()
	assert.Equal(t, "v2", active.ID)
	assert.Equal(t, MsgReload, windows.types()[len(windows.types())-1])
}

func TestUpdaterChecksHourly(t *testing.T) {
	u := NewUpdater(NewRegistration(NewMemoryCaches(), &fakeFetcher{}, &fakeWindows{}), &staticSource{}, &fakeWindows{}, nil)
	sched, err := cron.ParseStandard(u.schedule)
	require.NoError(t, err)

	// an hour after the previous check, not at the top of the hour
	start := time.Date(2024, 3, 1, 10, 17, 0, 0, time.UTC)
	assert.Equal(t, start.Add(time.Hour), sched.Next(start))
}

func TestApplyUpdateWithoutWaitingStillReloads(t *testing.T) {
	windows := &fakeWindows{}
	reg := NewRegistration(NewMemoryCaches(), &fakeFetcher{}, windows)
	u := NewUpdater(reg, &staticSource{err: errors.New("offline")}, windows, nil)
	u.ActivationTimeout = 10 * time.Millisecond

	_, err := u.CheckNow(context.Background())
	assert.Error(t, err)

	require.NoError(t, u.ApplyUpdate(context.Background()))
	assert.Equal(t, []string{MsgReload}, windows.types())
}

func TestManifestVersionSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"version":"2024.01.02"}`)
	}))
	defer srv.Close()
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	v, err := NewManifestVersionSource(origin, "/version.json", srv.Client()).LatestVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024.01.02", v)

	_, err = NewManifestVersionSource(origin, "/missing.json", srv.Client()).LatestVersion(context.Background())
	assert.Error(t, err)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/offline.html" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "offline")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)
	f := NewHTTPFetcher(origin, srv.Client())

	resp, err := f.Fetch(context.Background(), "/offline.html")
	require.NoError(t, err)
	assert.Equal(t, "offline", string(resp.Body))
	assert.Equal(t, "text/html", http.Header(resp.Header).Get("Content-Type"))

	_, err = f.Fetch(context.Background(), "/nope")
	assert.Error(t, err)
}
