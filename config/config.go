package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

type Config struct {
	DevMode       bool
	HostPort      string
	AllowedOrigin string
	JWTSecret     []byte

	BusBackend    string
	RedisEndpoint string

	DynamoDBEndpoint string
	DynamoDBTable    string
	SQSEndpoint      string
	SQSTeardownQueue string

	LeaseTimeout         time.Duration
	ReapInterval         time.Duration
	NegotiationTimeout   time.Duration
	NegotiationRetries   int
	CursorInterval       time.Duration
	SessionTTL           time.Duration
	CounterFlushInterval time.Duration

	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// Load reads the configuration from the environment, seeded from a .env
// file when one exists.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

func FromEnv(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		DevMode:       getenv("DEV_MODE") == "true",
		HostPort:      r.str("HOST_PORT", "8080"),
		AllowedOrigin: getenv("ALLOWED_ORIGIN"),

		BusBackend:    r.str("BUS_BACKEND", BusRedis),
		RedisEndpoint: r.str("REDIS_ENDPOINT", "localhost:6379"),

		DynamoDBEndpoint: r.str("DYNAMODB_ENDPOINT", "http://localhost:8000"),
		DynamoDBTable:    r.str("DYNAMODB_TABLE", "StudySync"),
		SQSEndpoint:      r.str("SQS_ENDPOINT", "http://localhost:9324"),
		SQSTeardownQueue: r.str("SQS_TEARDOWN_QUEUE", "SessionTeardownQueue"),

		LeaseTimeout:         r.duration("LEASE_TIMEOUT", 15*time.Second),
		ReapInterval:         r.duration("REAP_INTERVAL", 5*time.Second),
		NegotiationTimeout:   r.duration("NEGOTIATION_TIMEOUT", 20*time.Second),
		NegotiationRetries:   r.integer("NEGOTIATION_RETRIES", 2),
		CursorInterval:       r.duration("CURSOR_INTERVAL", 50*time.Millisecond),
		SessionTTL:           r.duration("SESSION_TTL", 24*time.Hour),
		CounterFlushInterval: r.duration("COUNTER_FLUSH_INTERVAL", time.Minute),

		TURNServer: getenv("TURN_SERVER"),
		TURNUser:   getenv("TURN_USER"),
		TURNPass:   getenv("TURN_PASS"),
		ForceRelay: getenv("FORCE_RELAY") == "true",
	}
	if r.err != nil {
		return Config{}, r.err
	}

	if cfg.BusBackend != BusMemory && cfg.BusBackend != BusRedis {
		return Config{}, fmt.Errorf("BUS_BACKEND must be %q or %q, got %q", BusMemory, BusRedis, cfg.BusBackend)
	}
	if cfg.ForceRelay && cfg.TURNServer == "" {
		return Config{}, errors.New("FORCE_RELAY requires TURN_SERVER")
	}

	secret, err := base64.StdEncoding.DecodeString(getenv("JWT_SECRET"))
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode base64 JWT_SECRET: %w", err)
	}
	if len(secret) == 0 {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	cfg.JWTSecret = secret

	return cfg, nil
}

// reader keeps the first parse error so every variable is read in one pass.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) str(key string, fallback string) string {
	if v := r.getenv(key); v != "" {
		return v
	}
	return fallback
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := r.getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err == nil && d <= 0 {
		err = errors.New("must be positive")
	}
	if err != nil {
		r.fail(key, v, err)
		return fallback
	}
	return d
}

func (r *reader) integer(key string, fallback int) int {
	v := r.getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err == nil && n < 0 {
		err = errors.New("must not be negative")
	}
	if err != nil {
		r.fail(key, v, err)
		return fallback
	}
	return n
}

func (r *reader) fail(key string, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}
