package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wurt83ow/hifzkeeper/pkg/netstatus"
	"github.com/wurt83ow/hifzkeeper/pkg/push"
	"github.com/wurt83ow/hifzkeeper/pkg/services"
	"github.com/wurt83ow/hifzkeeper/pkg/syncqueue"
	"github.com/wurt83ow/hifzkeeper/pkg/worker"
)

const versionManifest = "/version.json"

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the app with offline support and keep the sync queue flowing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	log := a.log.Logger
	origin := a.opts.Origin
	upstream := &http.Client{Timeout: 15 * time.Second}
	// windows load the app through the proxy, not from the upstream origin
	self := proxyOrigin(a.opts.Listen)

	hub := worker.NewHub(log, self.Host, origin.Host)
	registry := worker.NewSyncRegistry(hub, log)
	queue := a.newQueue(syncqueue.WithBackgroundSync(registry))

	observer := netstatus.NewObserver(a.remote, queue,
		netstatus.WithNotifier(hub),
		netstatus.WithSyncTrigger(registry),
		netstatus.WithInterval(a.opts.ProbeInterval),
		netstatus.WithLogger(log),
	)
	svc := services.NewServices(a.cache, queue, a.remote,
		services.WithConnectivity(observer),
		services.WithSafetyNet(a.opts.SafetyNet),
		services.WithLogger(log),
	)

	reg := worker.NewRegistration(a.keeper, worker.NewHTTPFetcher(origin, upstream), hub,
		worker.WithPolicy(a.opts.Worker),
		worker.WithRegistrationLogger(log),
	)
	updater := worker.NewUpdater(reg, worker.NewManifestVersionSource(origin, versionManifest, upstream), hub, log)
	w := worker.New(worker.Config{
		Registration: reg,
		Caches:       a.keeper,
		Windows:      hub,
		Connectivity: observer,
		DataCache:    a.cache,
		Updater:      updater,
		Origin:       self,
		Logger:       log,
	})
	hub.SetHandler(w)
	unsubscribe := queue.Subscribe(worker.RelaySyncEvents(ctx, hub))
	defer unsubscribe()

	mux := http.NewServeMux()
	mux.Handle(worker.HubPath, hub)
	mux.Handle("/", worker.NewHandler(origin, upstream, a.keeper, reg, log))
	srv := &http.Server{
		Addr:              a.opts.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", srv.Addr, "url", self.String(), "origin", origin.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return observer.Run(gctx) })
	g.Go(func() error { return updater.Run(gctx) })
	g.Go(func() error {
		// warm the student list so the first offline visit has data
		if id := a.teacherID(gctx); id != "" {
			if _, _, err := svc.RefreshStudents(gctx, id); err != nil {
				log.Warn("initial student refresh failed", "error", err)
			}
		}
		return nil
	})
	if a.opts.PushBroker != "" {
		sub := push.NewSubscriber(push.Options{
			Broker:   a.opts.PushBroker,
			ClientID: "hifzkeeper-" + uuid.NewString()[:8],
			Topic:    a.opts.PushTopic,
		}, func(ctx context.Context, raw []byte) { w.HandlePush(ctx, raw) }, log)
		g.Go(func() error { return sub.Run(gctx) })
	}

	return g.Wait()
}

// proxyOrigin is the origin windows see when they load the app through the
// listen address.
func proxyOrigin(listen string) *url.URL {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return &url.URL{Scheme: "http", Host: listen}
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return &url.URL{Scheme: "http", Host: net.JoinHostPort(host, port)}
}
