package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/ephonelabs/relaychat/internal/util"
)

type Config struct {
	Server Server `json:"server"`
	Client Client `json:"client"`
}

type Server struct {
	// Bind address for the relay server. Default "0.0.0.0" (all interfaces).
	Bind string `json:"bind"`

	Port int `json:"port"`

	// Hard cap on concurrently registered users. Registrations past the
	// cap are rejected with a register_error.
	MaxUsers int `json:"max_users"`

	// Seconds a connection may stay silent before the server drops it.
	LivenessSec int `json:"liveness_seconds"`

	// Interval for the periodic online-count log line.
	CountLogSec int `json:"count_log_seconds"`

	// Interval for the stale-connection sweep.
	SweepSec int `json:"sweep_seconds"`
}

type Client struct {
	// Relay server URL, e.g. "ws://127.0.0.1:8080".
	ServerURL string `json:"server_url"`

	// Identity presented at registration. UserID empty means the client
	// generates one on first run and saves it back.
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`

	// Heartbeat send interval and the silence threshold after which the
	// link is considered dead. Heartbeat must be shorter than stale.
	HeartbeatSec int `json:"heartbeat_seconds"`
	StaleSec     int `json:"stale_seconds"`

	// SQLite database path for conversations and settings, relative to
	// the client directory.
	DBPath string `json:"db_path"`
}

// envOverrides are deployment knobs read from the process environment.
// They win over the config file, so one image can serve many deployments.
type envOverrides struct {
	Port     int `env:"PORT"`
	MaxUsers int `env:"MAX_USERS"`
}

func Default() Config {
	return Config{
		Server: Server{
			Bind:        "0.0.0.0",
			Port:        8080,
			MaxUsers:    1000,
			LivenessSec: 60,
			CountLogSec: 30,
			SweepSec:    300,
		},
		Client: Client{
			ServerURL:    "ws://127.0.0.1:8080",
			UserID:       "",
			Nickname:     "anonymous",
			Avatar:       "",
			HeartbeatSec: 15,
			StaleSec:     45,
			DBPath:       "data/chat.db",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if b := c.Server.Bind; b != "" {
		if net.ParseIP(b) == nil {
			return errors.New("server.bind must be a valid IP address")
		}
	}
	if c.Server.MaxUsers <= 0 {
		return errors.New("server.max_users must be > 0")
	}
	if c.Server.LivenessSec <= 0 {
		return errors.New("server.liveness_seconds must be > 0")
	}
	if c.Server.CountLogSec <= 0 {
		return errors.New("server.count_log_seconds must be > 0")
	}
	if c.Server.SweepSec <= 0 {
		return errors.New("server.sweep_seconds must be > 0")
	}

	// Client
	if err := validateServerURL(c.Client.ServerURL); err != nil {
		return fmt.Errorf("client.server_url: %w", err)
	}
	if c.Client.HeartbeatSec <= 0 {
		return errors.New("client.heartbeat_seconds must be > 0")
	}
	if c.Client.StaleSec <= 0 {
		return errors.New("client.stale_seconds must be > 0")
	}
	if c.Client.HeartbeatSec >= c.Client.StaleSec {
		return errors.New("client.heartbeat_seconds must be < client.stale_seconds")
	}
	if strings.TrimSpace(c.Client.DBPath) == "" {
		return errors.New("client.db_path is required")
	}

	return nil
}

func validateServerURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv folds PORT and MAX_USERS from the environment into cfg.
func applyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if ov.Port > 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.MaxUsers > 0 {
		cfg.Server.MaxUsers = ov.MaxUsers
	}
	return nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
