package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wurt83ow/hifzkeeper/pkg/appcontext"
	"github.com/wurt83ow/hifzkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/hifzkeeper/pkg/cache"
	"github.com/wurt83ow/hifzkeeper/pkg/config"
	"github.com/wurt83ow/hifzkeeper/pkg/encription"
	"github.com/wurt83ow/hifzkeeper/pkg/gksync"
	"github.com/wurt83ow/hifzkeeper/pkg/logger"
	"github.com/wurt83ow/hifzkeeper/pkg/storage"
	"github.com/wurt83ow/hifzkeeper/pkg/syncinfo"
	"github.com/wurt83ow/hifzkeeper/pkg/syncqueue"
)

const storeSalt = "hifzkeeper-local-store"

// app holds the components every command shares.
type app struct {
	opts     *config.Options
	log      *logger.Logger
	keeper   *bdkeeper.Keeper
	backend  storage.Backend
	cache    *cache.Cache
	remote   *gksync.Sync
	info     *syncinfo.SyncManager
	queueOps []syncqueue.Option
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	if cerr := a.close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "close:", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, *app) {
	v := config.New()
	a := &app{}

	root := &cobra.Command{
		Use:          "hifzkeeper",
		Short:        "Offline-first companion for Quran school teachers",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd, v)
		},
	}
	if err := config.RegisterFlags(root.PersistentFlags(), v); err != nil {
		panic(err)
	}

	root.AddCommand(
		newServeCmd(a),
		newShellCmd(a),
		newQueueCmd(a),
		newSyncCmd(a),
		newClearCmd(a),
		newEnqueueCmd(a),
		newStatusCmd(a),
	)
	return root, a
}

func (a *app) open(cmd *cobra.Command, v *viper.Viper) error {
	opts, err := config.NewConfig(v)
	if err != nil {
		return err
	}
	a.opts = opts

	var console io.Writer
	if cmd.Name() == "serve" {
		console = os.Stderr
	}
	a.log = logger.NewLogger(logger.Options{File: opts.LogFile, Level: opts.LogLevel, Console: console})
	slog.SetDefault(a.log.Logger)

	ctx := cmd.Context()
	if opts.AccessToken != "" {
		ctx = appcontext.WithJWTToken(ctx, opts.AccessToken)
		cmd.SetContext(ctx)
	}

	a.keeper, err = bdkeeper.Open(ctx, opts.DBPath)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	a.backend = a.keeper
	if opts.Passphrase != "" {
		enc, err := encription.NewEnc(opts.Passphrase, storeSalt)
		if err != nil {
			return err
		}
		a.backend = encription.NewSealedBackend(a.keeper, enc)
	}

	a.cache = cache.New(a.backend, a.log.Logger)
	a.remote, err = gksync.NewSync(opts.ServerURL, opts.AnonKey, a.log.Logger)
	if err != nil {
		return err
	}
	a.info, err = syncinfo.NewSyncManager(opts.SysInfoPath)
	if err != nil {
		return err
	}

	a.queueOps = []syncqueue.Option{
		syncqueue.WithLogger(a.log.Logger),
		syncqueue.WithRecorder(a.info),
	}
	if opts.RetryEnabled() {
		a.queueOps = append(a.queueOps, syncqueue.WithRetryPolicy(opts.Retry))
	}
	a.log.Debug("configuration loaded", "config", opts.ConfigFile, "db", opts.DBPath, "server", opts.ServerURL)
	return nil
}

func (a *app) newQueue(extra ...syncqueue.Option) *syncqueue.Manager {
	return syncqueue.NewManager(a.backend, a.remote, a.cache, slices.Concat(a.queueOps, extra)...)
}

func (a *app) teacherID(ctx context.Context) string {
	id, err := appcontext.TeacherID(ctx)
	if err != nil && !errors.Is(err, appcontext.ErrNoSubject) {
		a.log.Warn("cannot read teacher id from access token", "error", err)
	}
	return id
}

func (a *app) close() error {
	var errs []error
	if a.keeper != nil {
		errs = append(errs, a.keeper.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
