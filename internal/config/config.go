package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Hold     HoldConfig
	Gateway  GatewayConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
}

// HoldConfig tunes the reservation hold lifecycle. TTL is how long an
// unpaid hold keeps its seats; SweepInterval and SweepGrace drive the
// reconciliation sweep that resolves holds missed by in-process timers.
type HoldConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	SweepGrace    time.Duration
}

type GatewayConfig struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	serverHost := os.Getenv("SERVER_HOST")
	if serverHost == "" {
		serverHost = "localhost"
	}

	serverPortStr := os.Getenv("SERVER_PORT")
	if serverPortStr == "" {
		serverPortStr = "8080"
	}

	serverPort, err := strconv.Atoi(serverPortStr)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid SERVER_PORT: %w", op, err)
	}

	serverCfg := ServerConfig{
		Host: serverHost,
		Port: serverPort,
	}

	postgresHost := os.Getenv("POSTGRES_HOST")
	if postgresHost == "" {
		postgresHost = "localhost"
	}

	postgresPortStr := os.Getenv("POSTGRES_PORT")
	if postgresPortStr == "" {
		postgresPortStr = "5432"
	}

	postgresPort, err := strconv.Atoi(postgresPortStr)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid POSTGRES_PORT: %w", op, err)
	}

	postgresUser := os.Getenv("POSTGRES_USER")
	if postgresUser == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_USER", op)
	}

	postgresPassword := os.Getenv("POSTGRES_PASSWORD")
	if postgresPassword == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_PASSWORD", op)
	}

	postgresDB := os.Getenv("POSTGRES_DB")
	if postgresDB == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_DB", op)
	}

	postgresSSLMode := os.Getenv("POSTGRES_SSLMODE")
	if postgresSSLMode == "" {
		postgresSSLMode = "disable"
	}

	postgresCfg := PostgresConfig{
		User:     postgresUser,
		Password: postgresPassword,
		Name:     postgresDB,
		Host:     postgresHost,
		Port:     postgresPort,
		SSLMode:  postgresSSLMode,
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	redisCfg := RedisConfig{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	}

	holdTTL, err := durationEnv("HOLD_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sweepInterval, err := durationEnv("HOLD_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sweepGrace, err := durationEnv("HOLD_SWEEP_GRACE", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	holdCfg := HoldConfig{
		TTL:           holdTTL,
		SweepInterval: sweepInterval,
		SweepGrace:    sweepGrace,
	}

	gatewayURL := os.Getenv("GATEWAY_BASE_URL")
	if gatewayURL == "" {
		gatewayURL = "https://dev.khalti.com/api/v2"
	}

	gatewayTimeout, err := durationEnv("GATEWAY_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	gatewayCfg := GatewayConfig{
		BaseURL:   gatewayURL,
		SecretKey: os.Getenv("GATEWAY_SECRET_KEY"),
		Timeout:   gatewayTimeout,
	}

	return &Config{
		Server:   serverCfg,
		Postgres: postgresCfg,
		Redis:    redisCfg,
		Hold:     holdCfg,
		Gateway:  gatewayCfg,
	}, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(name)
	if s == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}

	return d, nil
}
