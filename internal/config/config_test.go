package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.MaxUsers != 1000 {
		t.Fatalf("unexpected defaults: %+v", cfg.Server)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"bad bind", func(c *Config) { c.Server.Bind = "not-an-ip" }},
		{"max users zero", func(c *Config) { c.Server.MaxUsers = 0 }},
		{"liveness zero", func(c *Config) { c.Server.LivenessSec = 0 }},
		{"http scheme", func(c *Config) { c.Client.ServerURL = "http://127.0.0.1:8080" }},
		{"missing host", func(c *Config) { c.Client.ServerURL = "ws://" }},
		{"url port out of range", func(c *Config) { c.Client.ServerURL = "ws://127.0.0.1:99999" }},
		{"heartbeat not below stale", func(c *Config) { c.Client.HeartbeatSec = 45; c.Client.StaleSec = 45 }},
		{"empty db path", func(c *Config) { c.Client.DBPath = "  " }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mod(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a fresh config file")
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}

	// A second Ensure loads the existing file.
	cfg.Server.Port = 9000
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("file should already exist")
	}
	if cfg2.Server.Port != 9000 {
		t.Fatalf("saved port lost: %d", cfg2.Server.Port)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"server":{"port":9001}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9001 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Client.HeartbeatSec != 15 {
		t.Fatalf("heartbeat = %d", cfg.Client.HeartbeatSec)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "9000")
	t.Setenv("MAX_USERS", "50")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("PORT override ignored: %d", cfg.Server.Port)
	}
	if cfg.Server.MaxUsers != 50 {
		t.Fatalf("MAX_USERS override ignored: %d", cfg.Server.MaxUsers)
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "not-a-number")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed PORT")
	}
}
