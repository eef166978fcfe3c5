// Package config loads the ingester's configuration from the environment,
// with an optional JSON file overlay for the defaults environment
// variables don't set. This mirrors the teacher's own env-first loadConfig
// idiom (cmd/api/main.go's envOr), extended with a file overlay the way the
// original's figment (Env + Toml merge) did, with JSON standing in for
// Toml since no Toml library is attested anywhere in the example pack.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// KindConfig is the per-kind override block.
type KindConfig struct {
	Enable                   bool `json:"enable"`
	ChronFetchBatchSize      int  `json:"chron_fetch_batch_size"`
	InsertRawEntityBatchSize int  `json:"insert_raw_entity_batch_size"`
	ProcessBatchSize         int  `json:"process_batch_size"`
	IngestParallelism        int  `json:"ingest_parallelism,omitempty"`
}

func defaultKindConfig() KindConfig {
	return KindConfig{
		Enable:                   true,
		ChronFetchBatchSize:      1000,
		InsertRawEntityBatchSize: 1000,
		ProcessBatchSize:         1000,
		IngestParallelism:        1,
	}
}

// GlobalConfig is the full, merged ingester configuration.
type GlobalConfig struct {
	StartIngestEveryLaunch bool   `json:"start_ingest_every_launch"`
	IngestPeriodSeconds    int    `json:"ingest_period"`
	DBPoolSize             int    `json:"db_pool_size"`
	UseLocalCheapCashews   bool   `json:"use_local_cheap_cashews"`
	AdminPort              int    `json:"admin_port"`
	NATSURL                string `json:"nats_url"`

	Kinds map[string]KindConfig `json:"kinds"`

	// Postgres connection parameters, composed into a DSN by DSN().
	PostgresUser     string `json:"-"`
	PostgresPassword string `json:"-"`
	PostgresHost     string `json:"-"`
	PostgresDB       string `json:"-"`
}

var defaultKinds = []string{"team", "team_feed", "player", "player_feed", "game"}

func defaultConfig() GlobalConfig {
	kinds := make(map[string]KindConfig, len(defaultKinds))
	for _, k := range defaultKinds {
		kinds[k] = defaultKindConfig()
	}
	return GlobalConfig{
		StartIngestEveryLaunch: true,
		IngestPeriodSeconds:    30 * 60,
		DBPoolSize:             20,
		UseLocalCheapCashews:   false,
		AdminPort:              8080,
		Kinds:                  kinds,
	}
}

// Load builds a GlobalConfig from defaults, optionally overlaid by a JSON
// file (path from CHRON_CONFIG_FILE), then overridden by explicitly-set
// environment variables — the same precedence order as the original's
// figment Env::prefixed merged over a file provider.
func Load() (GlobalConfig, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CHRON_CONFIG_FILE"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return GlobalConfig{}, fmt.Errorf("config: %w", err)
		}
	}

	overlayEnv(&cfg)

	user, err := envRequired("POSTGRES_USER")
	if err != nil {
		return GlobalConfig{}, err
	}
	cfg.PostgresUser = user

	pass, err := postgresPassword()
	if err != nil {
		return GlobalConfig{}, err
	}
	cfg.PostgresPassword = pass

	host, err := envRequired("POSTGRES_HOST")
	if err != nil {
		return GlobalConfig{}, err
	}
	cfg.PostgresHost = host

	db, err := envRequired("POSTGRES_DB")
	if err != nil {
		return GlobalConfig{}, err
	}
	cfg.PostgresDB = db

	return cfg, nil
}

func overlayFile(cfg *GlobalConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return nil
}

func overlayEnv(cfg *GlobalConfig) {
	if v := os.Getenv("CHRON_START_INGEST_EVERY_LAUNCH"); v != "" {
		cfg.StartIngestEveryLaunch = envBool(v, cfg.StartIngestEveryLaunch)
	}
	if v := os.Getenv("CHRON_INGEST_PERIOD_SECONDS"); v != "" {
		cfg.IngestPeriodSeconds = envInt(v, cfg.IngestPeriodSeconds)
	}
	if v := os.Getenv("CHRON_DB_POOL_SIZE"); v != "" {
		cfg.DBPoolSize = envInt(v, cfg.DBPoolSize)
	}
	if v := os.Getenv("CHRON_USE_LOCAL_CHEAP_CASHEWS"); v != "" {
		cfg.UseLocalCheapCashews = envBool(v, cfg.UseLocalCheapCashews)
	}
	if v := os.Getenv("CHRON_ADMIN_PORT"); v != "" {
		cfg.AdminPort = envInt(v, cfg.AdminPort)
	}
	if v := os.Getenv("CHRON_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
}

func envBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envRequired(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("config: required environment variable %s is unset", key)
	}
	return v, nil
}

// postgresPassword resolves POSTGRES_PASSWORD directly, or reads it from
// POSTGRES_PASSWORD_FILE (the Docker/Kubernetes secret-file convention).
// A single trailing newline is stripped (as editors and `echo` habitually
// append one); any interior newline is treated as a malformed secret.
func postgresPassword() (string, error) {
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		return v, nil
	}
	path := os.Getenv("POSTGRES_PASSWORD_FILE")
	if path == "" {
		return "", fmt.Errorf("config: one of POSTGRES_PASSWORD or POSTGRES_PASSWORD_FILE must be set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: reading POSTGRES_PASSWORD_FILE: %w", err)
	}
	pass := strings.TrimSuffix(string(data), "\n")
	pass = strings.TrimSuffix(pass, "\r")
	if strings.Contains(pass, "\n") {
		return "", fmt.Errorf("config: POSTGRES_PASSWORD_FILE contains an interior newline")
	}
	return pass, nil
}

// DSN composes a libpq connection string from the resolved Postgres
// parameters, percent-encoding the password so that special characters
// don't break the URL.
func (c GlobalConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   c.PostgresHost,
		Path:   "/" + c.PostgresDB,
	}
	return u.String()
}

// KindConfig returns the effective config for kind, falling back to
// defaultKindConfig() if kind has no explicit entry.
func (c GlobalConfig) KindConfig(kind string) KindConfig {
	if kc, ok := c.Kinds[kind]; ok {
		return kc
	}
	return defaultKindConfig()
}
