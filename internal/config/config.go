package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff"
)

// EnvPrefix is prepended to every flag name when reading the environment,
// e.g. WEEKCOUNT_BIND_ADDRESS.
const EnvPrefix = "WEEKCOUNT"

type Config struct {
	BindAddress string
	Datastore   string
	DBPath      string
	Tiered      bool
	Redis       RedisConfig
	Log         LogConfig
	Visit       VisitConfig

	PruneInterval   time.Duration
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Address  string
	Password string
	Database int
}

type LogConfig struct {
	Level    string
	Encoding string
}

type VisitConfig struct {
	Workers int
	Queue   int
	Timeout time.Duration
	// Retention is how long visit markers are kept. Zero keeps them forever.
	Retention time.Duration
}

// Parse reads configuration from args, the environment and an optional
// config file, in increasing order of precedence: file, env, flags.
// Variables from envFile are loaded into the environment first when the file
// exists.
func Parse(name string, args []string, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var (
		bindAddress     = fs.String("bind-address", "0.0.0.0:8080", "http listen address")
		datastore       = fs.String("datastore", "bolt", "datastore type (bolt/sqlite/redis/memory)")
		dbPath          = fs.String("db-path", "./data/db", "database file for bolt and sqlite")
		tiered          = fs.Bool("tiered", false, "front the datastore with an in-process cache")
		redisAddress    = fs.String("redis-address", "localhost:6379", "redis address")
		redisPassword   = fs.String("redis-password", "", "redis password")
		redisDB         = fs.Int("redis-db", 0, "redis database")
		logLevel        = fs.String("log-level", "info", "log level (debug, info, warn, error)")
		logEncoding     = fs.String("log-encoding", "json", "log encoding (json, console)")
		visitWorkers    = fs.Int("visit-workers", 4, "background visit workers")
		visitQueue      = fs.Int("visit-queue", 1024, "background visit queue size")
		visitTimeout    = fs.Duration("visit-timeout", 5*time.Second, "timeout of a single background visit")
		visitRetention  = fs.Duration("visit-retention", 0, "prune visit markers older than this, 0 keeps them")
		pruneInterval   = fs.Duration("prune-interval", time.Hour, "how often visit markers are pruned")
		flushInterval   = fs.Duration("flush-interval", time.Minute, "how often the datastore is flushed, 0 disables")
		shutdownTimeout = fs.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
		_               = fs.String("config", "", "config file (optional)")
	)

	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(EnvPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		return Config{}, err
	}

	var config Config
	{
		config.BindAddress = *bindAddress
		config.Datastore = *datastore
		config.DBPath = *dbPath
		config.Tiered = *tiered
		config.Redis.Address = *redisAddress
		config.Redis.Password = *redisPassword
		config.Redis.Database = *redisDB
		config.Log.Level = *logLevel
		config.Log.Encoding = *logEncoding
		config.Visit.Workers = *visitWorkers
		config.Visit.Queue = *visitQueue
		config.Visit.Timeout = *visitTimeout
		config.Visit.Retention = *visitRetention
		config.PruneInterval = *pruneInterval
		config.FlushInterval = *flushInterval
		config.ShutdownTimeout = *shutdownTimeout
	}

	return config, config.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Datastore {
	case "bolt", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("invalid datastore %q", c.Datastore)
	}
	if c.Visit.Workers < 1 {
		return fmt.Errorf("visit-workers must be positive, got %d", c.Visit.Workers)
	}
	if c.Visit.Queue < 1 {
		return fmt.Errorf("visit-queue must be positive, got %d", c.Visit.Queue)
	}
	if c.Visit.Retention < 0 {
		return fmt.Errorf("visit-retention must not be negative, got %s", c.Visit.Retention)
	}
	if c.Visit.Retention > 0 && c.PruneInterval <= 0 {
		return fmt.Errorf("prune-interval must be positive when visit-retention is set")
	}
	return nil
}
