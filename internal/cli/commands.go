package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/keys"
	"github.com/unkn0wn-root/tiercache/metrics/prom"
	"github.com/unkn0wn-root/tiercache/monitor"
)

var (
	ErrNotFound  = errors.New("key not found")
	ErrUnhealthy = errors.New("cache unhealthy")
)

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *App) typed(st *stack) (*tiercache.Typed[any], error) {
	cd, err := codec.ByName[any](a.cfg.Cache.Codec)
	if err != nil {
		return nil, err
	}
	limit := a.cfg.Cache.MaxValueSize
	return tiercache.For[any](st.backend, codec.LimitCodec[any]{Inner: cd, MaxEncode: limit, MaxDecode: limit}), nil
}

func (a *App) newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ping the remote tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), func(st *stack) error {
				ok := st.target.HealthCheck(cmd.Context())
				fmt.Fprintf(a.stdout, "healthy=%t breaker=%s\n", ok, st.target.BreakerState())
				if !ok {
					return ErrUnhealthy
				}
				return nil
			})
		},
	}
}

func (a *App) newGetCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Read a key and print its decoded value as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(st *stack) error {
				if raw {
					b, ok := tiercache.For[[]byte](st.backend, codec.Bytes{}).Get(cmd.Context(), args[0])
					if !ok {
						return fmt.Errorf("%w: %s", ErrNotFound, args[0])
					}
					_, err := a.stdout.Write(b)
					return err
				}
				t, err := a.typed(st)
				if err != nil {
					return err
				}
				v, ok := t.Get(cmd.Context(), args[0])
				if !ok {
					return fmt.Errorf("%w: %s", ErrNotFound, args[0])
				}
				return a.printJSON(v)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the stored bytes without decoding")
	return cmd
}

func (a *App) newSetCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:     "set KEY JSON",
		Short:   "Encode a JSON value with the configured codec and store it",
		Example: `  tiercache set profile:42 '{"name":"ada"}' --ttl 10m`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v any
			if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
				return fmt.Errorf("value is not JSON: %w", err)
			}
			if err := keys.ValidateKey(args[0]); err != nil {
				return err
			}
			return a.run(cmd.Context(), func(st *stack) error {
				t, err := a.typed(st)
				if err != nil {
					return err
				}
				return t.Set(cmd.Context(), args[0], v, ttl)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Time to live; 0 uses the configured default")
	return cmd
}

func (a *App) newDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del KEY...",
		Short: "Delete keys from both tiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(st *stack) error {
				var errs []error
				for _, k := range args {
					errs = append(errs, st.backend.Delete(cmd.Context(), k))
				}
				return errors.Join(errs...)
			})
		},
	}
}

func (a *App) newInvalidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate keys by pattern or entity",
	}

	pattern := &cobra.Command{
		Use:     "pattern PATTERN",
		Short:   "Delete every key matching a glob",
		Example: `  tiercache invalidate pattern 'profileSearch:*'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(st *stack) error {
				n, err := st.backend.InvalidateByPattern(cmd.Context(), args[0])
				fmt.Fprintf(a.stdout, "deleted %d keys\n", n)
				return err
			})
		},
	}

	user := &cobra.Command{
		Use:   "user ID",
		Short: "Drop a user and the profile looked up by that user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.invalidate(cmd.Context(), func(ctx context.Context, inv *tiercache.Invalidator) error {
				return inv.InvalidateUser(ctx, args[0])
			})
		},
	}

	var owner string
	profile := &cobra.Command{
		Use:   "profile ID",
		Short: "Drop a profile and sweep the search and nearby listings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.invalidate(cmd.Context(), func(ctx context.Context, inv *tiercache.Invalidator) error {
				return inv.InvalidateProfile(ctx, args[0], owner)
			})
		},
	}
	profile.Flags().StringVar(&owner, "owner", "", "Owning user ID; also drops profile:user:<owner>")

	cmd.AddCommand(pattern, user, profile)
	return cmd
}

// invalidate runs fn and then waits for its background sweeps, since the
// process exits right after.
func (a *App) invalidate(ctx context.Context, fn func(context.Context, *tiercache.Invalidator) error) error {
	return a.run(ctx, func(st *stack) error {
		inv := tiercache.NewInvalidator(st.backend, tiercache.InvalidatorOptions{
			Logger: a.cacheLog(),
			Hooks:  st.rec,
		})
		err := fn(ctx, inv)
		if cerr := inv.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return err
	})
}

func (a *App) newKeyCmd() *cobra.Command {
	var hashed bool
	cmd := &cobra.Command{
		Use:   "key NAMESPACE [FIELD=VALUE...]",
		Short: "Print the canonical cache key for a query",
		Example: `  tiercache key profileSearch city=paris minAge=30
  tiercache key nearby --hash lat=52.1 lng=21.0`,
		Args:              cobra.MinimumNArgs(1),
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil }, // pure, no config or connection
		RunE: func(_ *cobra.Command, args []string) error {
			q := keys.Query{}
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("bad field %q, want FIELD=VALUE", kv)
				}
				q[k] = v
			}
			if hashed {
				fmt.Fprintln(a.stdout, keys.HashedQuery(args[0], q))
			} else {
				fmt.Fprintln(a.stdout, keys.QueryKey(args[0], q))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&hashed, "hash", false, "Digest the canonical form instead of embedding it")
	return cmd
}

func (a *App) newMonitorCmd() *cobra.Command {
	var (
		once        bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Sample the cache periodically and log alerts",
		Long: `monitor health-checks the cache every monitor.interval and logs an alert
for a low hit rate, a high error rate, slow remote calls, repeated failed
health checks or an open breaker.

With --once it samples a single time and prints the status and report as JSON.
With --metrics-addr it also serves Prometheus metrics on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.run(ctx, func(st *stack) error {
				mc := a.cfg.MonitorConfig(st.rec, a.cacheLog())
				m := monitor.New(st.target, mc)

				if once {
					alerts := m.Tick(ctx)
					return a.printJSON(struct {
						Status monitor.Status  `json:"status"`
						Alerts []monitor.Alert `json:"alerts"`
						Report monitor.Report  `json:"report"`
					}{m.Status(), alerts, m.Report(mc.Window)})
				}

				if metricsAddr != "" {
					stop, err := a.serveMetrics(ctx, metricsAddr, st)
					if err != nil {
						return err
					}
					defer stop()
				}
				m.Start(ctx)
				<-ctx.Done()
				m.Stop()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Take one sample, print it and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func (a *App) serveMetrics(ctx context.Context, addr string, st *stack) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(prom.NewCollector("tiercache", st.target, nil)); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}, nil
}
