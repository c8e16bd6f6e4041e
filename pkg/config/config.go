package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wurt83ow/hifzkeeper/pkg/syncqueue"
	"github.com/wurt83ow/hifzkeeper/pkg/worker"
)

// EnvPrefix prefixes every environment override, e.g. HIFZ_SERVER_URL.
const EnvPrefix = "HIFZ"

const configName = "hifzkeeper"

type Options struct {
	ConfigFile  string
	DataDir     string
	DBPath      string
	LogFile     string
	LogLevel    slog.Level
	SysInfoPath string

	ServerURL   string
	AnonKey     string
	AccessToken string

	Listen string
	Origin *url.URL

	PushBroker string
	PushTopic  string

	ProbeInterval time.Duration
	Retry         syncqueue.RetryPolicy
	Worker        worker.Policy
	SafetyNet     bool
	Passphrase    string
}

// New returns a viper instance carrying the defaults and env bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("data-dir", defaultDataDir())
	v.SetDefault("db", "")
	v.SetDefault("log-file", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("server-url", "http://localhost:54321")
	v.SetDefault("anon-key", "")
	v.SetDefault("access-token", "")
	v.SetDefault("listen", "127.0.0.1:8080")
	v.SetDefault("origin", "http://localhost:5173")
	v.SetDefault("push-broker", "")
	v.SetDefault("push-topic", "hifz/notifications")
	v.SetDefault("probe-interval", 30*time.Second)
	v.SetDefault("retry-max-attempts", 0)
	v.SetDefault("retry-base-delay", time.Duration(0))
	v.SetDefault("retry-max-delay", time.Hour)
	v.SetDefault("skip-waiting", true)
	v.SetDefault("claim-clients", true)
	v.SetDefault("safety-net", false)
	v.SetDefault("passphrase", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// RegisterFlags adds the options as flags on fs and binds them to v.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("config", "", "config file (yaml)")
	fs.String("data-dir", v.GetString("data-dir"), "directory for the database, logs and sync info")
	fs.String("db", "", "sqlite database path (default <data-dir>/hifz.db)")
	fs.String("log-file", "", "log file (default <data-dir>/hifzkeeper.log)")
	fs.String("log-level", v.GetString("log-level"), "log level: debug, info, warn, error")
	fs.String("server-url", v.GetString("server-url"), "remote data service URL")
	fs.String("anon-key", "", "remote data service api key")
	fs.String("access-token", "", "teacher access token (JWT)")
	fs.String("listen", v.GetString("listen"), "address the app proxy listens on")
	fs.String("origin", v.GetString("origin"), "upstream app origin")
	fs.String("push-broker", "", "MQTT broker for push messages, empty disables push")
	fs.String("push-topic", v.GetString("push-topic"), "MQTT topic for push messages")
	fs.Duration("probe-interval", v.GetDuration("probe-interval"), "connectivity probe interval")
	fs.Int("retry-max-attempts", 0, "dead-letter an item after this many failed replays, 0 retries forever")
	fs.Duration("retry-base-delay", 0, "back off failed items starting at this delay, 0 retries on every pass")
	fs.Duration("retry-max-delay", v.GetDuration("retry-max-delay"), "retry delay cap")
	fs.Bool("skip-waiting", true, "activate new app versions immediately")
	fs.Bool("claim-clients", true, "take control of open windows on activation")
	fs.Bool("safety-net", false, "queue writes even when the remote confirmed them")
	fs.String("passphrase", "", "encrypt the local store with this passphrase")
	return v.BindPFlags(fs)
}

// NewConfig reads the optional config file and resolves the options. A
// config file named by --config must exist; otherwise hifzkeeper.yaml is
// looked up in the data dir and the working dir.
func NewConfig(v *viper.Viper) (*Options, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data-dir"))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	opts := &Options{
		ConfigFile:    v.ConfigFileUsed(),
		DataDir:       v.GetString("data-dir"),
		DBPath:        v.GetString("db"),
		LogFile:       v.GetString("log-file"),
		ServerURL:     strings.TrimRight(v.GetString("server-url"), "/"),
		AnonKey:       v.GetString("anon-key"),
		AccessToken:   v.GetString("access-token"),
		Listen:        v.GetString("listen"),
		PushBroker:    v.GetString("push-broker"),
		PushTopic:     v.GetString("push-topic"),
		ProbeInterval: v.GetDuration("probe-interval"),
		Retry: syncqueue.RetryPolicy{
			MaxAttempts: v.GetInt("retry-max-attempts"),
			BaseDelay:   v.GetDuration("retry-base-delay"),
			MaxDelay:    v.GetDuration("retry-max-delay"),
		},
		Worker: worker.Policy{
			SkipWaiting:  v.GetBool("skip-waiting"),
			ClaimClients: v.GetBool("claim-clients"),
		},
		SafetyNet:  v.GetBool("safety-net"),
		Passphrase: v.GetString("passphrase"),
	}

	if err := opts.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}
	if _, err := url.ParseRequestURI(opts.ServerURL); err != nil {
		return nil, fmt.Errorf("server-url: %w", err)
	}
	origin, err := url.Parse(v.GetString("origin"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin %q is not an absolute URL", v.GetString("origin"))
	}
	opts.Origin = origin
	if opts.ProbeInterval <= 0 {
		return nil, errors.New("probe-interval must be positive")
	}

	if opts.DataDir == "" {
		opts.DataDir = defaultDataDir()
	}
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(opts.DataDir, "hifz.db")
	}
	if opts.LogFile == "" {
		opts.LogFile = filepath.Join(opts.DataDir, "hifzkeeper.log")
	}
	opts.SysInfoPath = filepath.Join(opts.DataDir, "syncinfo.yaml")

	// Создание каталога данных, если он не существует
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return opts, nil
}

// RetryEnabled reports whether replays back off or dead-letter.
func (o *Options) RetryEnabled() bool {
	return o.Retry.MaxAttempts > 0 || o.Retry.BaseDelay > 0
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hifzkeeper"
	}
	return filepath.Join(home, "hifzkeeper")
}
