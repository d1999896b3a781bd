// Command stackaudit runs the correlation daemon: feed synchronization on
// a schedule, scan runs on demand, and the HTTP API serving both.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quay/zlog"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/stackaudit/stackaudit/datastore/postgres"
	"github.com/stackaudit/stackaudit/httpapi"
	"github.com/stackaudit/stackaudit/internal/locksource"
	"github.com/stackaudit/stackaudit/internal/matcher"
	"github.com/stackaudit/stackaudit/libscan"
	"github.com/stackaudit/stackaudit/sbom"
	"github.com/stackaudit/stackaudit/sbom/spdx"
	"github.com/stackaudit/stackaudit/updates"
	"github.com/stackaudit/stackaudit/updates/ghsa"
	"github.com/stackaudit/stackaudit/updates/nvd"
	"github.com/stackaudit/stackaudit/updates/osv"
)

// Config is the daemon's YAML configuration. Flags override the listen
// address and connection string.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	ConnString string `yaml:"conn_string"`
	Migrate    bool   `yaml:"migrate"`
	LogLevel   string `yaml:"log_level"`

	// directory of *.spdx.json documents, one per product
	SBOMDir string `yaml:"sbom_dir"`

	Scan struct {
		Concurrency int      `yaml:"concurrency"`
		MaxDuration string   `yaml:"max_duration"`
		Denylist    []string `yaml:"denylist"`
	} `yaml:"scan"`

	Sync struct {
		Interval   string   `yaml:"interval"`
		Ecosystems []string `yaml:"ecosystems"`
		// GitHub token for the GHSA GraphQL API; GHSA sources are
		// skipped when unset.
		GithubToken string `yaml:"github_token"`
		NvdAPIKey   string `yaml:"nvd_api_key"`
	} `yaml:"sync"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		SBOMDir:    "sboms",
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.UnmarshalStrict(b, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	return cfg, nil
}

func logLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration")
		listenAddr = flag.String("listen", "", "listen address override")
		connString = flag.String("conn-string", "", "postgres connection string override")
		migrate    = flag.Bool("migrate", false, "run migrations on startup")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *connString != "" {
		cfg.ConnString = *connString
	}
	cfg.Migrate = cfg.Migrate || *migrate

	l := zerolog.New(os.Stderr).Level(logLevel(cfg.LogLevel)).With().Timestamp().Logger()
	zlog.Set(&l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = zlog.ContextWithValues(ctx, "component", "cmd/stackaudit")

	if err := run(ctx, cfg); err != nil {
		zlog.Error(ctx).Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	pool, err := postgres.Connect(ctx, cfg.ConnString, cfg.Migrate)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)
	locks := locksource.NewPostgresSource(pool, time.Second)

	srcs, err := feedSources(ctx, cfg)
	if err != nil {
		return err
	}
	mgrOpts := []updates.ManagerOption{}
	if cfg.Sync.Interval != "" {
		d, err := time.ParseDuration(cfg.Sync.Interval)
		if err != nil {
			return fmt.Errorf("parsing sync interval: %w", err)
		}
		mgrOpts = append(mgrOpts, updates.WithInterval(d))
	}
	mgr, err := updates.NewManager(ctx, store, locks, srcs, mgrOpts...)
	if err != nil {
		return err
	}
	go func() {
		if err := mgr.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zlog.Error(ctx).Err(err).Msg("sync loop ended")
		}
	}()

	scanOpts := &libscan.Options{
		Store: store,
		Locks: locks,
		SBOM:  sbom.NewFS(os.DirFS(cfg.SBOMDir), spdx.NewDefaultDecoder(), ".spdx.json"),
		Matcher: matcher.Config{
			Denylist: cfg.Scan.Denylist,
		},
		ScanConcurrency: cfg.Scan.Concurrency,
	}
	if cfg.Scan.MaxDuration != "" {
		d, err := time.ParseDuration(cfg.Scan.MaxDuration)
		if err != nil {
			return fmt.Errorf("parsing scan max duration: %w", err)
		}
		scanOpts.MaxDuration = d
	}
	lib, err := libscan.New(ctx, scanOpts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     httpapi.New(lib, mgr, store),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	zlog.Info(ctx).Str("addr", cfg.ListenAddr).Msg("serving")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func feedSources(ctx context.Context, cfg *Config) ([]updates.Source, error) {
	ecos := cfg.Sync.Ecosystems
	if len(ecos) == 0 {
		ecos = osv.Ecosystems
	}

	var srcs []updates.Source
	for _, e := range ecos {
		s, err := osv.New(e)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, s)
	}
	if cfg.Sync.GithubToken != "" {
		gh, err := ghsa.Sources(ghsa.NewClient(ctx, cfg.Sync.GithubToken), ecos...)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, gh...)
	}
	nvdOpts := []nvd.Option{}
	if cfg.Sync.NvdAPIKey != "" {
		nvdOpts = append(nvdOpts, nvd.WithAPIKey(cfg.Sync.NvdAPIKey))
	}
	n, err := nvd.New(nvdOpts...)
	if err != nil {
		return nil, err
	}
	return append(srcs, n), nil
}
