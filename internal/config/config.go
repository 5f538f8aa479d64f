// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
	LockMemory  = "memory"
	LockRedis   = "redis"
)

// Config holds every runtime setting of the server
type Config struct {
	HTTPAddr      string
	WorkspaceRoot string
	RuntimesFile  string
	PrepullImages bool

	StoreBackend  string
	MongoURI      string
	MongoDatabase string

	LockBackend string
	RedisAddr   string
	LockTTL     time.Duration

	ExecTimeout     time.Duration
	MaxConcurrent   int64
	Workers         int
	QueueCapacity   int
	BuildRetries    int
	BuildRetryDelay time.Duration
	CleanupImages   bool
	MemoryLimitMB   int64
	PidsLimit       int64
	NanoCPUs        int64
	NetworkDisabled bool

	RateLimitPerHour int
	RateLimitBurst   int

	DockerTLSCA   string
	DockerTLSCert string
	DockerTLSKey  string

	LogLevel  string
	LogFormat string
}

// Load reads .env files (when present) and then the process environment.
// The first entry in files that exists wins; no files means ".env".
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	p := &parser{}
	cfg := &Config{
		HTTPAddr:      p.str("HTTP_ADDR", ":8080"),
		WorkspaceRoot: p.str("WORKSPACE_ROOT", "./storage/workspaces"),
		RuntimesFile:  p.str("RUNTIMES_FILE", ""),
		PrepullImages: p.boolean("PREPULL_IMAGES", false),

		StoreBackend:  strings.ToLower(p.str("STORE_BACKEND", StoreMemory)),
		MongoURI:      p.str("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: p.str("MONGO_DATABASE", "rentrig"),

		LockBackend: strings.ToLower(p.str("LOCK_BACKEND", LockMemory)),
		RedisAddr:   p.str("REDIS_ADDR", "localhost:6379"),
		LockTTL:     p.duration("LOCK_TTL", 30*time.Minute),

		ExecTimeout:     p.duration("EXEC_TIMEOUT", 10*time.Minute),
		MaxConcurrent:   p.int64("MAX_CONCURRENT_EXECUTIONS", 4),
		Workers:         int(p.int64("WORKER_COUNT", 4)),
		QueueCapacity:   int(p.int64("QUEUE_CAPACITY", 100)),
		BuildRetries:    int(p.int64("BUILD_RETRIES", 1)),
		BuildRetryDelay: p.duration("BUILD_RETRY_DELAY", 2*time.Second),
		CleanupImages:   p.boolean("CLEANUP_IMAGES", true),
		MemoryLimitMB:   p.int64("MEMORY_LIMIT_MB", 2048),
		PidsLimit:       p.int64("PIDS_LIMIT", 256),
		NanoCPUs:        p.int64("NANO_CPUS", 0),
		NetworkDisabled: p.boolean("NETWORK_DISABLED", true),

		RateLimitPerHour: int(p.int64("RATE_LIMIT_PER_HOUR", 100)),
		RateLimitBurst:   int(p.int64("RATE_LIMIT_BURST", 10)),

		DockerTLSCA:   p.str("DOCKER_TLS_CA", ""),
		DockerTLSCert: p.str("DOCKER_TLS_CERT", ""),
		DockerTLSKey:  p.str("DOCKER_TLS_KEY", ""),

		LogLevel:  strings.ToLower(p.str("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(p.str("LOG_FORMAT", "json")),
	}
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case StoreMemory, StoreMongo:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreMemory, StoreMongo, c.StoreBackend))
	}
	switch c.LockBackend {
	case LockMemory, LockRedis:
	default:
		errs = append(errs, fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockMemory, LockRedis, c.LockBackend))
	}
	if c.ExecTimeout <= 0 {
		errs = append(errs, errors.New("EXEC_TIMEOUT must be positive"))
	}
	// a redis lock must outlive the run it guards
	if c.LockBackend == LockRedis && c.LockTTL <= c.ExecTimeout {
		errs = append(errs, errors.New("LOCK_TTL must be longer than EXEC_TIMEOUT"))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_EXECUTIONS must be at least 1"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be at least 1"))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, errors.New("QUEUE_CAPACITY must be at least 1"))
	}
	if c.BuildRetries < 0 {
		errs = append(errs, errors.New("BUILD_RETRIES must not be negative"))
	}
	if c.RateLimitPerHour < 1 || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_HOUR and RATE_LIMIT_BURST must be at least 1"))
	}
	tls := []string{c.DockerTLSCA, c.DockerTLSCert, c.DockerTLSKey}
	set := 0
	for _, v := range tls {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != len(tls) {
		errs = append(errs, errors.New("DOCKER_TLS_CA, DOCKER_TLS_CERT and DOCKER_TLS_KEY must be set together"))
	}
	return errors.Join(errs...)
}

// DockerTLS reports whether engine TLS material was configured
func (c *Config) DockerTLS() bool {
	return c.DockerTLSCA != ""
}

type parser struct {
	errs []error
}

func (p *parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (p *parser) int64(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// duration accepts Go duration strings or a bare number of seconds
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}
