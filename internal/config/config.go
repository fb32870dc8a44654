package config

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/rpattn/usageprov/internal/usage"
)

// Config is the top-level application configuration.
// Loaded from config file (viper) with env and flag overrides.
type Config struct {
	Supabase struct {
		URL            string `mapstructure:"url"`
		ServiceRoleKey string `mapstructure:"service_role_key"`
		SQLFunction    string `mapstructure:"sql_function"`
	} `mapstructure:"supabase"`
	DB struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"db"`
	Server struct {
		Addr       string `mapstructure:"addr"`
		CronSecret string `mapstructure:"cron_secret"`
		// RateLimit is requests per minute per caller.
		RateLimit int `mapstructure:"rate_limit"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Transport names how statements reach the database.
type Transport string

const (
	TransportSupabase Transport = "supabase"
	TransportPostgres Transport = "pgx"
	TransportSQLite   Transport = "sqlite3"
)

// dotenvFiles are loaded in order; earlier files win, the real environment
// wins over both.
var dotenvFiles = []string{".env.local", ".env"}

// RegisterFlags adds the command line flags Load understands.
func RegisterFlags(f *pflag.FlagSet) {
	f.String("config", "", "path to a config file (default: config.yaml in ., ./configs, /etc/usageprov)")
	f.String("db-driver", "", "database driver for direct connections: pgx or sqlite3")
	f.String("db-dsn", "", "postgres connection string; bypasses the Supabase RPC transport")
	f.String("db-path", "", "sqlite database file (with --db-driver=sqlite3)")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-format", "", "log format: text or json")
	f.String("addr", "", "listen address for serve")
	f.Duration("timeout", 0, "deadline for a single command")
}

var flagKeys = map[string]string{
	"db-driver":  "db.driver",
	"db-dsn":     "db.dsn",
	"db-path":    "db.path",
	"log-level":  "log.level",
	"log-format": "log.format",
	"addr":       "server.addr",
	"timeout":    "timeout",
}

// Load reads configuration. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, usage.Wrap(usage.KindConfiguration, "load "+f, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/usageprov")

	v.SetEnvPrefix("USAGEPROV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by the web app and the edge functions.
	_ = v.BindEnv("supabase.url", "NEXT_PUBLIC_SUPABASE_URL", "SUPABASE_URL")
	_ = v.BindEnv("supabase.service_role_key", "NEXT_PUBLIC_SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_SERVICE_ROLE_KEY")
	_ = v.BindEnv("server.cron_secret", "CRON_SECRET")

	// defaults
	v.SetDefault("supabase.sql_function", "exec_sql")
	v.SetDefault("db.driver", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.path", "usage.db")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.rate_limit", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("timeout", 30*time.Second)

	explicit := ""
	if flags != nil {
		for name, key := range flagKeys {
			if fl := flags.Lookup(name); fl != nil && fl.Changed {
				if err := v.BindPFlag(key, fl); err != nil {
					return nil, usage.Wrap(usage.KindConfiguration, "bind flags", err)
				}
			}
		}
		explicit, _ = flags.GetString("config")
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return nil, usage.Wrap(usage.KindConfiguration, "read config", err)
		}
	} else {
		_ = v.ReadInConfig() // optional
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, usage.Wrap(usage.KindConfiguration, "unmarshal config", err)
	}
	return &cfg, nil
}

// Transport picks the SQL transport: sqlite3 when asked for, pgx when a DSN
// is configured, otherwise the Supabase RPC endpoint.
func (c *Config) Transport() Transport {
	switch {
	case c.DB.Driver == string(TransportSQLite):
		return TransportSQLite
	case c.DB.DSN != "":
		return TransportPostgres
	default:
		return TransportSupabase
	}
}

// Validate checks that the selected transport has what it needs.
func (c *Config) Validate() error {
	const op = "validate config"
	switch c.DB.Driver {
	case "", string(TransportPostgres), string(TransportSQLite):
	default:
		return usage.Errorf(usage.KindConfiguration, op, "unsupported db.driver %q", c.DB.Driver)
	}

	switch c.Transport() {
	case TransportSQLite:
		if c.DB.Path == "" {
			return usage.Errorf(usage.KindConfiguration, op, "missing db.path")
		}
		return nil
	case TransportPostgres:
		return nil
	}
	if c.DB.Driver == string(TransportPostgres) {
		return usage.Errorf(usage.KindConfiguration, op, "db.driver=pgx requires db.dsn")
	}

	if c.Supabase.URL == "" || c.Supabase.ServiceRoleKey == "" {
		return usage.Errorf(usage.KindConfiguration, op,
			"missing Supabase environment variables (NEXT_PUBLIC_SUPABASE_URL, NEXT_PUBLIC_SUPABASE_SERVICE_ROLE_KEY)")
	}
	u, err := url.Parse(c.Supabase.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return usage.Errorf(usage.KindConfiguration, op, "invalid supabase.url %q", c.Supabase.URL)
	}
	role, err := c.ServiceKeyRole()
	if err != nil {
		return usage.Wrap(usage.KindConfiguration, op, err)
	}
	if role != "service_role" {
		return usage.Errorf(usage.KindConfiguration, op, "supabase key has role %q, need service_role", role)
	}
	return nil
}

// secretKeyPrefix marks the opaque secret keys that replace JWT service keys.
const secretKeyPrefix = "sb_secret_"

// ServiceKeyRole reads the role claim from a JWT service key without
// verifying its signature. Opaque secret keys report service_role.
func (c *Config) ServiceKeyRole() (string, error) {
	key := c.Supabase.ServiceRoleKey
	if strings.HasPrefix(key, secretKeyPrefix) {
		return "service_role", nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(key, claims); err != nil {
		return "", fmt.Errorf("malformed service role key: %w", err)
	}
	role, _ := claims["role"].(string)
	return role, nil
}

// CronSecretOK compares got against the configured cron secret, which may
// be stored as a bcrypt hash.
func (c *Config) CronSecretOK(got string) bool {
	want := c.Server.CronSecret
	if want == "" || got == "" {
		return false
	}
	if strings.HasPrefix(want, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(want), []byte(got)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
