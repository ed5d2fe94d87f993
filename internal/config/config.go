package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/commute-matching/internal/geo"
	"github.com/example/commute-matching/internal/matcher"
)

// ServerConfig captures all tunable parameters for the API process.
// Defaults come first, then an optional YAML file, then environment
// variables, so the binary runs locally without any setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	// InstanceID tags published events; empty means a random id per process.
	InstanceID string `yaml:"instance_id"`

	PGDSN string `yaml:"pg_dsn"`

	JWTSecret string `yaml:"jwt_secret"`

	// CellSizeMeters of zero derives the cell edge from MaxRadiusMeters.
	CellSizeMeters            float64       `yaml:"cell_size_meters"`
	MaxRadiusMeters           float64       `yaml:"max_radius_meters"`
	DefaultHomeRadiusMeters   float64       `yaml:"default_home_radius_meters"`
	DefaultDestRadiusMeters   float64       `yaml:"default_dest_radius_meters"`
	ToleranceMinutes          int           `yaml:"schedule_tolerance_minutes"`
	MinScore                  float64       `yaml:"min_score"`
	RegistryTimeout           time.Duration `yaml:"registry_timeout"`
	CandidateFetchConcurrency int           `yaml:"candidate_fetch_concurrency"`

	LogLevel      string `yaml:"log_level"`
	RunMigrations bool   `yaml:"migrate"`
}

func defaultServerConfig() ServerConfig {
	m := matcher.DefaultConfig()
	return ServerConfig{
		HTTPAddr:                  ":8080",
		ReadTimeout:               5 * time.Second,
		WriteTimeout:              10 * time.Second,
		IdleTimeout:               120 * time.Second,
		ShutdownTimeout:           15 * time.Second,
		KafkaTopic:                "participant-changes",
		MaxRadiusMeters:           5000,
		DefaultHomeRadiusMeters:   m.DefaultHomeRadiusM,
		DefaultDestRadiusMeters:   m.DefaultDestRadiusM,
		ToleranceMinutes:          m.ToleranceMinutes,
		MinScore:                  m.MinScore,
		RegistryTimeout:           m.RegistryTimeout,
		CandidateFetchConcurrency: m.FetchConcurrency,
		LogLevel:                  "info",
	}
}

// Load reads the YAML file at path, if any, then the environment. The
// server passes the -c flag, which defaults to CONFIG_FILE.
func Load(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path != "" {
		if err := loadYAML(&cfg, path); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.InstanceID, "INSTANCE_ID")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")

	setFloatFromEnv(&cfg.CellSizeMeters, "CELL_SIZE_METERS", &errs)
	setFloatFromEnv(&cfg.MaxRadiusMeters, "MAX_RADIUS_METERS", &errs)
	setFloatFromEnv(&cfg.DefaultHomeRadiusMeters, "DEFAULT_HOME_RADIUS_METERS", &errs)
	setFloatFromEnv(&cfg.DefaultDestRadiusMeters, "DEFAULT_DEST_RADIUS_METERS", &errs)
	setIntFromEnv(&cfg.ToleranceMinutes, "SCHEDULE_TOLERANCE_MINUTES", &errs)
	setFloatFromEnv(&cfg.MinScore, "MIN_SCORE", &errs)
	setDurationFromEnv(&cfg.RegistryTimeout, "REGISTRY_TIMEOUT", &errs)
	setIntFromEnv(&cfg.CandidateFetchConcurrency, "CANDIDATE_FETCH_CONCURRENCY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.CellSizeMeters < 0 {
		errs = append(errs, fmt.Errorf("CELL_SIZE_METERS must be >= 0"))
	}
	if c.MaxRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RADIUS_METERS must be > 0"))
	}
	if c.DefaultHomeRadiusMeters <= 0 || c.DefaultDestRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("default radii must be > 0"))
	}
	if c.ToleranceMinutes < 0 {
		errs = append(errs, fmt.Errorf("SCHEDULE_TOLERANCE_MINUTES must be >= 0"))
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		errs = append(errs, fmt.Errorf("MIN_SCORE must be within [0, 1]"))
	}
	if c.RegistryTimeout < 0 {
		errs = append(errs, fmt.Errorf("REGISTRY_TIMEOUT must be >= 0"))
	}
	if c.CandidateFetchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("CANDIDATE_FETCH_CONCURRENCY must be > 0"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}
	return errs
}

// MatcherConfig converts the matching parameters into an engine config.
func (c ServerConfig) MatcherConfig() matcher.Config {
	cell := c.CellSizeMeters
	if cell == 0 {
		cell = geo.CellSizeFor(c.MaxRadiusMeters)
	}
	return matcher.Config{
		CellSizeMeters:     cell,
		DefaultHomeRadiusM: c.DefaultHomeRadiusMeters,
		DefaultDestRadiusM: c.DefaultDestRadiusMeters,
		ToleranceMinutes:   c.ToleranceMinutes,
		MinScore:           c.MinScore,
		RegistryTimeout:    c.RegistryTimeout,
		FetchConcurrency:   c.CandidateFetchConcurrency,
	}
}

func loadYAML(cfg *ServerConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
