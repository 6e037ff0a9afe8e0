package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatrelay/chatrelay/globals"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	SanitizeAlways = "always" // strip markup from every message
	SanitizePlain  = "plain"  // strip markup only when the client did not ask for html

	BusTypeMemory = "memory"
	BusTypeRedis  = "redis"
)

// Config is the global configuration object filled from the configuration
// file, environment (CHATRELAY_*) and command line flags.
type Config struct {
	Listen            string            `mapstructure:"listen"`
	LogLevel          string            `mapstructure:"log_level"`
	Multitenant       bool              `mapstructure:"multitenant"`
	Sanitize          string            `mapstructure:"sanitize"`
	StatsCron         string            `mapstructure:"stats_cron"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	BusConfig         BusConfig         `mapstructure:"bus"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
}

// PersistenceConfig selects the storage backend. Type is one of
// "gorm-sqlite", "gorm-postgres" or "buntdb"; DSN is the backend-specific
// data source (file path for sqlite/buntdb, ":memory:" for an in-memory
// buntdb).
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// BusConfig selects the broadcast substrate. The in-process bus is the
// default; the redis bus shares channels across processes.
type BusConfig struct {
	Type      string `mapstructure:"type"`
	RedisAddr string `mapstructure:"redis_addr"`
}

// An OIDCConfig block configures an OpenID Connect provider used to verify
// connection credentials. Clients present an id token plus the provider name.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

type AuthConfig struct {
	OIDCConfigs []OIDCConfig `mapstructure:"oidc"`
	JWTSecret   string       `mapstructure:"jwt_secret"`
	AllowGuests bool         `mapstructure:"allow_guests"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("listen", "localhost:8000", "listen address (including port)")
	flagSet.String("log-level", "", "log level (TRACE/DEBUG/INFO/WARN/ERROR)")
	flagSet.Bool("multitenant", false, "require a tenant discriminator on every connection")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("listen", "localhost:8000")
	viper.SetDefault("sanitize", SanitizePlain)
	viper.SetDefault("bus.type", BusTypeMemory)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("CHATRELAY")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}

	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}
