// Package config reads node settings from flags, with SNAKELINK_* environment
// variables (optionally loaded from a .env file) supplying the defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "SNAKELINK_"

type Config struct {
	DeviceID string
	Name     string
	DataDir  string

	P2PListen      string
	DiscoveryGroup string
	Seeds          []string
	RPCListen      string

	MaxRetries     int
	ConnectTimeout time.Duration
	PeerTTL        time.Duration
	ScanWindow     time.Duration
	SyncInterval   time.Duration

	LogLevel string
	// Loopback runs a second in-process node as the opponent instead of using the LAN.
	Loopback bool
}

func Default() Config {
	return Config{
		Name:           "Player1",
		P2PListen:      ":7420",
		DiscoveryGroup: "239.255.83.76:7421",
		RPCListen:      ":8080",
		MaxRetries:     3,
		ConnectTimeout: 10 * time.Second,
		PeerTTL:        10 * time.Second,
		ScanWindow:     10 * time.Second,
		SyncInterval:   100 * time.Millisecond,
		LogLevel:       "info",
	}
}

// LoadEnv reads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Parse builds the config for the program called name from args.
func Parse(name string, args []string) (Config, error) {
	cfg := Default()
	var err error
	env := func(key string) string { return os.Getenv(envPrefix + key) }
	envString := func(key, def string) string {
		if v := env(key); v != "" {
			return v
		}
		return def
	}
	envInt := func(key string, def int) int {
		v := env(key)
		if v == "" {
			return def
		}
		n, perr := strconv.Atoi(v)
		if perr != nil && err == nil {
			err = fmt.Errorf("config: %s%s: %w", envPrefix, key, perr)
		}
		return n
	}
	envDuration := func(key string, def time.Duration) time.Duration {
		v := env(key)
		if v == "" {
			return def
		}
		d, perr := time.ParseDuration(v)
		if perr != nil && err == nil {
			err = fmt.Errorf("config: %s%s: %w", envPrefix, key, perr)
		}
		return d
	}
	envBool := func(key string, def bool) bool {
		v := env(key)
		if v == "" {
			return def
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil && err == nil {
			err = fmt.Errorf("config: %s%s: %w", envPrefix, key, perr)
		}
		return b
	}

	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.StringVar(&cfg.DeviceID, "device-id", envString("DEVICE_ID", cfg.DeviceID), "stable device id (default: generated and stored in the data dir)")
	fset.StringVar(&cfg.Name, "name", envString("NAME", cfg.Name), "display name announced to nearby devices")
	fset.StringVar(&cfg.DataDir, "data-dir", envString("DATA_DIR", cfg.DataDir), "badger directory for profile and device id (empty keeps them in memory)")
	fset.StringVar(&cfg.P2PListen, "p2p-listen", envString("P2P_LISTEN", cfg.P2PListen), "TCP address for peer links")
	fset.StringVar(&cfg.DiscoveryGroup, "discovery-group", envString("DISCOVERY_GROUP", cfg.DiscoveryGroup), "UDP multicast group for beacons (empty disables)")
	seeds := fset.String("p2p-seeds", envString("P2P_SEEDS", ""), "comma-separated id@host:port peers")
	fset.StringVar(&cfg.RPCListen, "rpc-listen", envString("RPC_LISTEN", cfg.RPCListen), "HTTP address for the UI")
	fset.IntVar(&cfg.MaxRetries, "max-retries", envInt("MAX_RETRIES", cfg.MaxRetries), "automatic reconnects after a failed connect")
	fset.DurationVar(&cfg.ConnectTimeout, "connect-timeout", envDuration("CONNECT_TIMEOUT", cfg.ConnectTimeout), "bound on a single connect attempt")
	fset.DurationVar(&cfg.PeerTTL, "peer-ttl", envDuration("PEER_TTL", cfg.PeerTTL), "forget devices silent for this long")
	fset.DurationVar(&cfg.ScanWindow, "scan-window", envDuration("SCAN_WINDOW", cfg.ScanWindow), "stop scanning after this long without a connection (0 scans until cancelled)")
	fset.DurationVar(&cfg.SyncInterval, "sync-interval", envDuration("SYNC_INTERVAL", cfg.SyncInterval), "snapshot send cadence")
	fset.StringVar(&cfg.LogLevel, "log-level", envString("LOG_LEVEL", cfg.LogLevel), "trace, debug, info, warn, error, critical or off")
	fset.BoolVar(&cfg.Loopback, "loopback", envBool("LOOPBACK", cfg.Loopback), "play against an in-process opponent")
	if err != nil {
		return Config{}, err
	}
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Seeds = SplitList(*seeds)
	return cfg, cfg.validate()
}

// SplitList splits a comma-separated flag value, dropping blank entries.
func SplitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return errors.New("config: name must not be empty")
	case c.MaxRetries < 0:
		return errors.New("config: max-retries must not be negative")
	case c.ScanWindow < 0:
		return errors.New("config: scan-window must not be negative")
	case c.ConnectTimeout <= 0:
		return errors.New("config: connect-timeout must be positive")
	case c.SyncInterval <= 0:
		return errors.New("config: sync-interval must be positive")
	}
	return nil
}
