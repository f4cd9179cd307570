package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	weekcount "github.com/KunoSayo/how-long-until-next-teacon-opens"
	"github.com/KunoSayo/how-long-until-next-teacon-opens/internal/config"
	"github.com/KunoSayo/how-long-until-next-teacon-opens/internal/log"
	"github.com/KunoSayo/how-long-until-next-teacon-opens/internal/server"
	"github.com/KunoSayo/how-long-until-next-teacon-opens/internal/visit"
	"github.com/KunoSayo/how-long-until-next-teacon-opens/store"
	"github.com/KunoSayo/how-long-until-next-teacon-opens/store/redis"
)

func main() {
	cfg, err := config.Parse("weekcountd", os.Args[1:], ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := log.Must(log.NewLogger(
		log.WithLogLevel(cfg.Log.Level),
		log.WithEncoding(cfg.Log.Encoding),
	))
	defer logger.Sync()

	if err := serve(cfg, logger); err != nil {
		logger.Fatal("weekcountd failed", zap.Error(err))
	}
}

func serve(cfg config.Config, logger *zap.Logger) error {
	// metrics
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Datastore, err)
	}

	counter := weekcount.New(
		weekcount.WithStore(st),
		weekcount.WithLogger(logger),
		weekcount.WithRegisterer(metrics),
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := counter.Flush(ctx); err != nil {
			logger.Error("final flush", zap.Error(err))
		}
		if err := counter.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	n, err := counter.Count(context.Background())
	if err != nil {
		return fmt.Errorf("read initial count: %w", err)
	}
	logger.Info("store ready",
		zap.String("datastore", cfg.Datastore),
		zap.Bool("tiered", cfg.Tiered),
		zap.Uint64("week_count", n),
	)

	dispatcher := visit.NewDispatcher(counter,
		visit.WithWorkers(cfg.Visit.Workers),
		visit.WithQueueSize(cfg.Visit.Queue),
		visit.WithTimeout(cfg.Visit.Timeout),
		visit.WithLogger(logger.Named("visit")),
		visit.WithRegisterer(metrics),
	)

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return dispatcher.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		httpServer := server.New(counter, dispatcher, logger.Named("http"),
			server.WithListen(cfg.BindAddress),
			server.WithShutdownTimeout(cfg.ShutdownTimeout),
			server.WithRegistry(metrics),
		)
		g.Add(func() error {
			return httpServer.Start()
		}, func(err error) {
			httpServer.Stop(err)
		})
	}
	if cfg.Visit.Retention > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			every(ctx, cfg.PruneInterval, func() {
				if _, err := counter.PruneVisits(ctx, cfg.Visit.Retention); err != nil {
					logger.Error("prune visit markers", zap.Error(err))
				}
			})
			return nil
		}, func(error) {
			cancel()
		})
	}
	if cfg.FlushInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			every(ctx, cfg.FlushInterval, func() {
				if err := <-counter.FlushAsync(ctx); err != nil {
					logger.Warn("background flush", zap.Error(err))
				}
			})
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		cancel := make(chan struct{})
		g.Add(func() error {
			c := make(chan os.Signal, 1)
			signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-c:
				return fmt.Errorf("received signal %s", sig)
			case <-cancel:
				return nil
			}
		}, func(error) {
			close(cancel)
		})
	}

	logger.Info("exit", zap.NamedError("reason", g.Run()))
	return nil
}

// every calls fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func openStore(cfg config.Config, logger *zap.Logger) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Datastore {
	case "memory":
		logger.Warn("memory datastore selected, the count is lost on restart")
		st = store.NewMemoryStore()
	case "bolt":
		if err = os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
		st, err = store.NewBoltStore(cfg.DBPath)
	case "sqlite":
		if err = os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
		st, err = store.NewSQLiteStore(cfg.DBPath)
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("could not connect to redis: %w", err)
		}
		st = redis.NewRedisStore(client)
	default:
		return nil, fmt.Errorf("invalid datastore %s", cfg.Datastore)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Tiered {
		st = store.NewTieredStore(st)
	}
	return st, nil
}
