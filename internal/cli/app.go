// Package cli implements the tiercache command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/breaker"
	"github.com/unkn0wn-root/tiercache/config"
	zaplog "github.com/unkn0wn-root/tiercache/log/zap"
	"github.com/unkn0wn-root/tiercache/monitor"
	"github.com/unkn0wn-root/tiercache/provider"
	"github.com/unkn0wn-root/tiercache/provider/redis"
)

type globalOptions struct {
	configPath string
	redisURL   string
	gobreaker  bool
	noLocal    bool
	logLevel   string
}

type App struct {
	root   *cobra.Command
	stdout io.Writer
	stderr io.Writer
	opts   globalOptions

	logger *zap.Logger // nil => built from config in PersistentPreRunE
	cfg    *config.Config
}

func New() *App {
	a := &App{stdout: os.Stdout, stderr: os.Stderr}
	a.root = &cobra.Command{
		Use:   "tiercache",
		Short: "Inspect and maintain a two-tier Redis cache",
		Long: `tiercache talks to the remote tier of a tiercache deployment.

Settings come from an optional YAML file (--config), then REDIS_* and
CACHE_* environment variables, then flags.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := a.root.PersistentFlags()
	pf.StringVarP(&a.opts.configPath, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&a.opts.redisURL, "redis-url", "", "Redis URL; overrides config and REDIS_URL")
	pf.BoolVar(&a.opts.gobreaker, "gobreaker", false, "Use sony/gobreaker instead of the built-in breaker")
	pf.BoolVar(&a.opts.noLocal, "no-local", false, "Skip the in-process tier")
	pf.StringVar(&a.opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	a.root.AddCommand(
		a.newHealthCmd(),
		a.newGetCmd(),
		a.newSetCmd(),
		a.newDelCmd(),
		a.newInvalidateCmd(),
		a.newKeyCmd(),
		a.newMonitorCmd(),
	)
	return a
}

func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout, a.stderr = stdout, stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// WithLogger replaces the zap logger built from the config.
func (a *App) WithLogger(l *zap.Logger) *App {
	a.logger = l
	return a
}

func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.root.ExecuteContext(ctx)
}

func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

func (a *App) setup(*cobra.Command, []string) error {
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}
	if a.opts.redisURL != "" {
		cfg.Redis.URL = a.opts.redisURL
	}
	if a.opts.noLocal {
		cfg.Local.Enabled = false
	}
	if a.opts.logLevel != "" {
		cfg.Log.Level = a.opts.logLevel
	}
	a.cfg = cfg

	if a.logger == nil {
		level, err := zap.ParseAtomicLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		zc := zap.NewProductionConfig()
		zc.Level = level
		l, err := zc.Build()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		a.logger = l
	}
	return nil
}

// stack is one wired cache: remote store, service and (optionally) the local tier.
type stack struct {
	svc     *tiercache.Service
	local   provider.Provider // nil when the local tier is off
	backend tiercache.Backend
	target  monitor.Target
	rec     *monitor.Recorder
}

func (s *stack) Close(ctx context.Context) error {
	if s.local != nil {
		_ = s.local.Close(ctx)
	}
	return s.svc.Close(ctx)
}

func (a *App) cacheLog() tiercache.Logger { return zaplog.New(a.logger) }

func (a *App) open(ctx context.Context) (*stack, error) {
	log := a.cacheLog()

	store, err := redis.New(a.cfg.StoreConfig(log))
	if err != nil {
		return nil, err
	}

	rec := monitor.NewRecorder(0, nil)
	opts := a.cfg.ServiceOptions(store, log, rec)
	if a.opts.gobreaker {
		bc := opts.Breaker
		bc.OnStateChange = func(from, to breaker.State) {
			log.Warn("breaker state changed", tiercache.Fields{"from": from.String(), "to": to.String()})
		}
		opts.Gate = breaker.NewGobreaker("tiercache", bc, 1)
	}

	svc, err := tiercache.New(opts)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	st := &stack{svc: svc, backend: svc, target: svc, rec: rec}
	if a.cfg.Local.Enabled {
		lp, err := a.cfg.LocalProvider(ctx)
		if err != nil {
			_ = svc.Close(ctx)
			return nil, err
		}
		st.local = lp
		fast := tiercache.NewFast(svc, tiercache.FastOptions{
			Local:    st.local,
			LocalTTL: a.cfg.Local.TTL,
			Logger:   log,
		})
		st.backend, st.target = fast, fast
	}
	return st, nil
}

// run opens a stack, hands it to fn and always closes it.
func (a *App) run(ctx context.Context, fn func(*stack) error) error {
	defer func() { _ = a.logger.Sync() }()
	st, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn("close cache", zap.Error(cerr))
		}
	}()
	return fn(st)
}
