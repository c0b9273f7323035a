package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neurogrid/lifecycle/internal/agent"
	"github.com/neurogrid/lifecycle/internal/api"
	"github.com/neurogrid/lifecycle/internal/auth"
	"github.com/neurogrid/lifecycle/internal/config"
	"github.com/neurogrid/lifecycle/internal/ledger"
	"github.com/neurogrid/lifecycle/internal/lifecycle"
	"github.com/neurogrid/lifecycle/internal/logger"
	"github.com/neurogrid/lifecycle/internal/metrics"
	"github.com/neurogrid/lifecycle/internal/reaper"
	"github.com/neurogrid/lifecycle/internal/store"
	"github.com/neurogrid/lifecycle/internal/telemetry"
	"github.com/neurogrid/lifecycle/pkg/circuit"
	"github.com/neurogrid/lifecycle/pkg/messaging"
	"github.com/neurogrid/lifecycle/pkg/money"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the reaper and the event sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("NEUROGRID_CONFIG"), "path to a YAML config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before environment overrides")
	return cmd
}

// closers are released in reverse order on shutdown.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) closeAll(log *logger.Entry) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.GetLogger().Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	log := logger.GetLogger().WithComponent("main")

	var cleanup closers
	defer cleanup.closeAll(log)

	st, journal, err := openStore(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	var locker store.Locker
	if len(cfg.Etcd.Endpoints) > 0 {
		l, err := store.NewEtcdLocker(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Etcd.LockPrefix, cfg.Etcd.SessionTTL)
		if err != nil {
			return err
		}
		cleanup.add(l.Close)
		locker = l
		log.WithField("endpoints", cfg.Etcd.Endpoints).Info("using etcd node locks")
	}

	m := metrics.New(prometheus.NewRegistry())

	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 1,
		OnStateChange: func(name string, from, to circuit.State) {
			log.WithFields(logger.Fields{"sink": name, "from": from.String(), "to": to.String()}).Warn("event sink breaker changed state")
		},
	})
	bus := messaging.NewBus(breakers)
	hub := api.NewHub()
	bus.Attach("ws", hub)

	var natsClient *messaging.Client
	if cfg.NATS.URL != "" {
		natsClient, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			return err
		}
		cleanup.add(natsClient.Close)
		bus.Attach("nats", natsClient)
	}

	if cfg.Influx.URL != "" {
		rec := telemetry.NewRecorder(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
		cleanup.add(func() error { rec.Close(); return nil })
		if err := rec.Ping(ctx); err != nil {
			log.WithError(err).Warn("influx unreachable, earnings points will be retried per event")
		}
		bus.Attach("influx", rec)
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			return err
		}
		log.Warn("JWT_SECRET not set, sessions will not survive a restart")
	}
	authSvc := auth.NewService(secret, cfg.Auth.TokenTTL)

	price, err := money.ParseHourlyPrice(cfg.Deploy.DefaultHourlyPrice)
	if err != nil {
		return err
	}
	svc, err := lifecycle.NewService(lifecycle.Options{
		Store:    st,
		Locker:   locker,
		Journal:  journal,
		Notifier: bus,
		Metrics:  m,
		Access: lifecycle.GenesisAccess{
			AdminWallet: cfg.Genesis.AdminWallet,
			NodeID:      cfg.Genesis.NodeID,
			Fallback:    lifecycle.PaidAccess{},
		},
		GatewayTemplate:    cfg.Deploy.GatewayTemplate,
		Port:               cfg.Deploy.Port,
		DefaultHourlyPrice: price,
	})
	if err != nil {
		return err
	}
	if _, err := svc.SeedGenesis(ctx, lifecycle.GenesisNode{
		NodeID:      cfg.Genesis.NodeID,
		AdminWallet: cfg.Genesis.AdminWallet,
	}); err != nil {
		return fmt.Errorf("failed to seed genesis node: %w", err)
	}

	if natsClient != nil {
		if err := agent.NewListener(svc).Start(natsClient); err != nil {
			return err
		}
	}

	srv := api.NewServer(api.Config{
		ServiceName:    cfg.Service.Name,
		Version:        cfg.Service.Version,
		GenesisNodeID:  cfg.Genesis.NodeID,
		RateLimitRPS:   cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst: cfg.RateLimit.Burst,
	}, svc, authSvc, m, hub)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", cfg.Server.Port).Info("lifecycle service starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reaper.New(svc, cfg.Reaper.Interval).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		hub.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("lifecycle service stopped")
	return nil
}

// openStore picks the node repository and the journal for the configured
// driver. Redis, when configured, fronts whichever store was chosen.
func openStore(ctx context.Context, cfg *config.Config, cleanup *closers) (store.Store, ledger.Journal, error) {
	var (
		st      store.Store
		journal ledger.Journal
	)
	switch cfg.Store.Driver {
	case config.DriverBadger:
		bs, err := store.NewBadgerStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		st = bs
	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Store.MaxOpenConns / 5)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		ps := store.NewPostgresStore(db)
		if err := ps.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		pj := ledger.NewPostgresJournal(db)
		if err := pj.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		st, journal = ps, pj
	default:
		st = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		st = store.NewCachedStore(st, redis.NewClient(opts), cfg.Redis.TTL)
	}
	cleanup.add(st.Close)
	return st, journal, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
