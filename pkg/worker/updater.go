package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultActivationTimeout bounds how long ApplyUpdate waits before
// reloading anyway.
const DefaultActivationTimeout = 3 * time.Second

// VersionSource reports the version currently deployed at the app origin.
type VersionSource interface {
	LatestVersion(ctx context.Context) (string, error)
}

// ManifestVersionSource reads {"version": "..."} from a file on the origin.
type ManifestVersionSource struct {
	url    string
	client HTTPDoer
}

func NewManifestVersionSource(origin *url.URL, path string, client HTTPDoer) *ManifestVersionSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &ManifestVersionSource{
		url:    origin.ResolveReference(&url.URL{Path: path}).String(),
		client: client,
	}
}

func (s *ManifestVersionSource) LatestVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", s.url, resp.Status)
	}
	var manifest struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return "", fmt.Errorf("decode version manifest: %w", err)
	}
	if manifest.Version == "" {
		return "", errors.New("version manifest has no version")
	}
	return manifest.Version, nil
}

// Updater checks for new deployments on a schedule and on demand.
type Updater struct {
	reg      *Registration
	source   VersionSource
	windows  Windows
	schedule string
	logger   *slog.Logger

	// ActivationTimeout bounds the wait in ApplyUpdate.
	ActivationTimeout time.Duration
}

func NewUpdater(reg *Registration, source VersionSource, windows Windows, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		reg:               reg,
		source:            source,
		windows:           windows,
		schedule:          "@every 1h",
		logger:            logger.With("component", "updater"),
		ActivationTimeout: DefaultActivationTimeout,
	}
}

// Run checks once, then every hour after it until ctx is done.
func (u *Updater) Run(ctx context.Context) error {
	if _, err := u.CheckNow(ctx); err != nil {
		u.logger.Warn("update check failed", "error", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(u.schedule, func() {
		if _, err := u.CheckNow(ctx); err != nil {
			u.logger.Warn("update check failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule update checks: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// CheckNow installs the deployed version when it differs from the newest
// installed one. It reports whether an install happened.
func (u *Updater) CheckNow(ctx context.Context) (bool, error) {
	version, err := u.source.LatestVersion(ctx)
	if err != nil {
		return false, err
	}
	if version == u.reg.Latest() {
		return false, nil
	}
	if err := u.reg.Install(ctx, version); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyUpdate activates the waiting version, waits at most
// ActivationTimeout for it, and then reloads the windows regardless.
func (u *Updater) ApplyUpdate(ctx context.Context) error {
	waiting, ok := u.reg.Waiting()
	if ok {
		wctx, cancel := context.WithTimeout(ctx, u.ActivationTimeout)
		done := make(chan error, 1)
		go func() { done <- u.reg.WaitActivated(wctx, waiting.ID) }()

		if err := u.reg.SkipWaiting(ctx); err != nil && !errors.Is(err, ErrNoWaitingVersion) {
			u.logger.Warn("skip waiting failed", "error", err)
		}
		if err := <-done; err != nil {
			u.logger.Warn("activation not confirmed, reloading anyway", "version", waiting.ID, "error", err)
		}
		cancel()
	}
	u.windows.Broadcast(ctx, NewMessage(MsgReload, nil))
	return nil
}
