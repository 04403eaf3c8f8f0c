// Package config loads the engine's runtime configuration from a YAML file
// and PERP_-prefixed environment variables, env winning over file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-level configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Oracle  OracleConfig  `mapstructure:"oracle"`
	Vaults  []VaultConfig `mapstructure:"vaults"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StorageConfig selects the repository backend. Driver "memory" keeps all
// state in process; "sqlite" persists through gorm at DSN.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type OracleConfig struct {
	// MaxPriceAge rejects settlement against prices older than this.
	MaxPriceAge time.Duration `mapstructure:"max_price_age"`
}

// VaultConfig declares an LP pool to create at startup.
type VaultConfig struct {
	Collateral       string  `mapstructure:"collateral"`
	LPTokenSymbol    string  `mapstructure:"lp_token_symbol"`
	WithdrawDivision int     `mapstructure:"withdraw_division"`
	MinDeposit       string  `mapstructure:"min_deposit"`
	SoftMDDThreshold float64 `mapstructure:"soft_mdd_threshold"`
	HardMDDThreshold float64 `mapstructure:"hard_mdd_threshold"`
	DepositFeeRate   float64 `mapstructure:"deposit_fee_rate"`
	WithdrawFeeRate  float64 `mapstructure:"withdraw_fee_rate"`
}

// Load reads the config file at path (optional, empty skips the file) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "perp.db")
	v.SetDefault("oracle.max_price_age", 30*time.Second)

	v.SetEnvPrefix("PERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Oracle.MaxPriceAge <= 0 {
		return fmt.Errorf("oracle.max_price_age must be positive")
	}
	for _, vc := range c.Vaults {
		if vc.Collateral == "" {
			return fmt.Errorf("vault with empty collateral")
		}
		if vc.HardMDDThreshold < vc.SoftMDDThreshold {
			return fmt.Errorf("vault %s: hard threshold below soft", vc.Collateral)
		}
	}
	return nil
}
