package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/wurt83ow/hifzkeeper/pkg/models"
)

const offlinePage = `<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>No connection</h1><p>Check your internet connection and try again.</p></body></html>`

// HTTPDoer performs HTTP requests; *http.Client implements it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Handler sits in front of the app origin. Navigations go to the network
// first and fall back to the shell cache; everything else is proxied as is.
type Handler struct {
	origin *url.URL
	client HTTPDoer
	caches CacheStorage
	reg    *Registration
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

func NewHandler(origin *url.URL, client HTTPDoer, caches CacheStorage, reg *Registration, logger *slog.Logger) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		origin: origin,
		client: client,
		caches: caches,
		reg:    reg,
		logger: logger.With("component", "fallback"),
	}
	h.proxy = httputil.NewSingleHostReverseProxy(origin)
	if t, ok := client.(*http.Client); ok && t.Transport != nil {
		h.proxy.Transport = t.Transport
	}
	return h
}

func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isNavigation(r) {
		h.proxy.ServeHTTP(w, r)
		return
	}

	resp, err := h.fetch(r)
	if err == nil {
		defer resp.Body.Close()
		if h.reg != nil {
			h.reg.Navigated()
		}
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			h.logger.Debug("navigation copy interrupted", "path", r.URL.Path, "error", err)
		}
		return
	}

	h.logger.Info("network unavailable, serving navigation from cache", "path", r.URL.Path, "error", err)
	cached := h.fallback(r.Context(), r.URL.Path)
	if cached == nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, offlinePage)
		return
	}
	copyHeader(w.Header(), cached.Header)
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
}

func (h *Handler) fetch(r *http.Request) (*http.Response, error) {
	target := h.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	return h.client.Do(req)
}

// fallback tries the exact path, then the shell root, then the offline page.
func (h *Handler) fallback(ctx context.Context, path string) *models.CachedResponse {
	if h.reg == nil {
		return nil
	}
	ns := h.reg.CacheName()
	if ns == "" {
		return nil
	}
	for _, candidate := range []string{path, "/", "/offline.html"} {
		resp, err := h.caches.MatchCached(ctx, ns, candidate)
		if err == nil {
			return resp
		}
	}
	return nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// HTTPFetcher loads shell resources from the app origin.
type HTTPFetcher struct {
	origin *url.URL
	client HTTPDoer
}

func NewHTTPFetcher(origin *url.URL, client HTTPDoer) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{origin: origin, client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, path string) (*models.CachedResponse, error) {
	target := f.origin.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return &models.CachedResponse{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   buf.Bytes(),
	}, nil
}
