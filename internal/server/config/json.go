package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dezztech/incentives/internal/flagx"
	"github.com/dezztech/incentives/internal/timex"
)

// JsonConfig is the intermediate DTO for reading JSON configuration files.
// Duration fields use timex.Duration, which accepts both strings such as
// "30m" and integer nanoseconds. Pointer fields distinguish "absent" from
// zero values so the overlay only touches what the file sets.
type JsonConfig struct {
	Addr                *string         `json:"addr"`
	DatabaseDSN         *string         `json:"database_dsn"`
	SecretKey           *string         `json:"secret_key"`
	AccessTokenTTL      *timex.Duration `json:"access_token_ttl"`
	RefreshTokenTTL     *timex.Duration `json:"refresh_token_ttl"`
	TokenLeeway         *timex.Duration `json:"token_leeway"`
	BcryptCost          *int            `json:"bcrypt_cost"`
	LoginRateBudget     *int            `json:"login_rate_budget"`
	LoginRateWindow     *timex.Duration `json:"login_rate_window"`
	AutoLoginOnRegister *bool           `json:"auto_login_on_register"`
}

// parseJson loads configuration values from the JSON file named by the
// -c/-config flags into the provided Config. When no flag is given, nothing
// is loaded. The caller merges these values with defaults and flags as part
// of the full configuration process.
func parseJson(config *Config) error {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return nil
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}

	if c.Addr != nil {
		config.Addr = *c.Addr
	}
	if c.DatabaseDSN != nil {
		config.DatabaseDSN = *c.DatabaseDSN
	}
	if c.SecretKey != nil {
		config.SecretKey = *c.SecretKey
	}
	if c.AccessTokenTTL != nil {
		config.AccessTokenTTL = c.AccessTokenTTL.Duration
	}
	if c.RefreshTokenTTL != nil {
		config.RefreshTokenTTL = c.RefreshTokenTTL.Duration
	}
	if c.TokenLeeway != nil {
		config.TokenLeeway = c.TokenLeeway.Duration
	}
	if c.BcryptCost != nil {
		config.BcryptCost = *c.BcryptCost
	}
	if c.LoginRateBudget != nil {
		config.LoginRateBudget = *c.LoginRateBudget
	}
	if c.LoginRateWindow != nil {
		config.LoginRateWindow = c.LoginRateWindow.Duration
	}
	if c.AutoLoginOnRegister != nil {
		config.AutoLoginOnRegister = *c.AutoLoginOnRegister
	}

	return nil
}
