package config

import (
	"flag"
	"os"
	"time"

	"github.com/dezztech/incentives/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-s string   token signing secret (HS256)
//	-t int      access token lifetime, minutes
//	-r int      refresh token lifetime, minutes
//	-w int      token verification leeway, seconds
//	-b int      bcrypt cost
//	-n int      login attempts allowed per rate window
//	-m int      login rate window, seconds
//	-l bool     auto-login on registration
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components. Duration
// flags are accepted as integers and converted to time.Duration values.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-s", "-t", "-r", "-w", "-b", "-n", "-m", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.Addr, "a", config.Addr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "token signing secret")

	accessTTL := fs.Int("t", int(config.AccessTokenTTL.Minutes()), "access token lifetime (in minutes)")
	refreshTTL := fs.Int("r", int(config.RefreshTokenTTL.Minutes()), "refresh token lifetime (in minutes)")
	leeway := fs.Int("w", int(config.TokenLeeway.Seconds()), "token verification leeway (in seconds)")

	fs.IntVar(&config.BcryptCost, "b", config.BcryptCost, "bcrypt cost")
	fs.IntVar(&config.LoginRateBudget, "n", config.LoginRateBudget, "login attempts per rate window")
	rateWindow := fs.Int("m", int(config.LoginRateWindow.Seconds()), "login rate window (in seconds)")

	fs.BoolVar(&config.AutoLoginOnRegister, "l", config.AutoLoginOnRegister, "issue tokens on registration")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenTTL = time.Duration(*accessTTL) * time.Minute
	config.RefreshTokenTTL = time.Duration(*refreshTTL) * time.Minute
	config.TokenLeeway = time.Duration(*leeway) * time.Second
	config.LoginRateWindow = time.Duration(*rateWindow) * time.Second
}
