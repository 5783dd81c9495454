package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/biosurvey/internal/db"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config is the full process configuration.
type Config struct {
	Database  db.Config
	Server    ServerConfig
	Storage   StorageConfig
	Ingestion IngestionConfig
	Species   SpeciesConfig
	Redis     RedisConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Driver string
}

// IngestionConfig holds derivation defaults.
type IngestionConfig struct {
	DefaultTimezone string
	SRID            int
	SiteKeyField    string
	MaxUploadMB     int64
}

// Location resolves DefaultTimezone, falling back to UTC.
func (c IngestionConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(c.DefaultTimezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid ingestion.default_timezone %q: %w", c.DefaultTimezone, err)
	}
	return loc, nil
}

// SpeciesConfig points at the taxonomic name service. An empty BaseURL means
// every species resolves to the unresolved name_id.
type SpeciesConfig struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// RedisConfig configures the species snapshot cache.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("BIOSURVEY") // map env vars like BIOSURVEY_DATABASE_HOST
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // allow environment overrides

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("storage.driver", StorageDriverPostgres)
	v.SetDefault("ingestion.default_timezone", "UTC")
	v.SetDefault("ingestion.srid", 4326)
	v.SetDefault("ingestion.site_key_field", "code")
	v.SetDefault("ingestion.max_upload_mb", 32)
	v.SetDefault("species.base_url", "")
	v.SetDefault("species.timeout", "10s")
	v.SetDefault("species.cache_ttl", "1h")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range []string{
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_conns",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}
	return v
}

// Load reads config.yaml from configPath (optional) plus BIOSURVEY_* env vars.
func Load(configPath string) (Config, error) {
	v := newViper(configPath)

	cfg := Config{
		Database: databaseConfig(v),
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("storage.driver"))),
		},
		Ingestion: IngestionConfig{
			DefaultTimezone: v.GetString("ingestion.default_timezone"),
			SRID:            v.GetInt("ingestion.srid"),
			SiteKeyField:    v.GetString("ingestion.site_key_field"),
			MaxUploadMB:     v.GetInt64("ingestion.max_upload_mb"),
		},
		Species: SpeciesConfig{
			BaseURL:  v.GetString("species.base_url"),
			Timeout:  v.GetDuration("species.timeout"),
			CacheTTL: v.GetDuration("species.cache_ttl"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted sensibly.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if _, err := c.Ingestion.Location(); err != nil {
		return err
	}
	if c.Ingestion.SRID <= 0 {
		return fmt.Errorf("ingestion.srid must be positive, got %d", c.Ingestion.SRID)
	}
	switch strings.ToLower(strings.TrimSpace(c.Ingestion.SiteKeyField)) {
	case "code", "name":
	default:
		return fmt.Errorf("ingestion.site_key_field must be code or name, got %q", c.Ingestion.SiteKeyField)
	}
	if c.Ingestion.MaxUploadMB <= 0 {
		return fmt.Errorf("ingestion.max_upload_mb must be positive, got %d", c.Ingestion.MaxUploadMB)
	}
	return nil
}

func databaseConfig(v *viper.Viper) db.Config {
	// Start with default
	cfg := db.DefaultConfig()

	// Override defaults if values exist
	if v.IsSet("database.host") {
		cfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.max_conns") {
		cfg.MaxConns = v.GetInt32("database.max_conns")
	}

	return cfg
}
