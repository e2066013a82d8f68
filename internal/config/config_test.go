package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Session.GraceWindowSec != 30 || cfg.Session.MatchingTimeoutSec != 30 {
		t.Fatalf("session defaults = %+v", cfg.Session)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duet.json")

	cfg := Default()
	cfg.Server.BaseURL = "https://api.example.com"
	cfg.Server.WSURL = "wss://api.example.com/ws"
	cfg.Audio.Volume = 55

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Server.BaseURL != cfg.Server.BaseURL || got.Audio.Volume != 55 {
		t.Fatalf("loaded = %+v", got)
	}
}

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duet.json")
	partial := `{"server":{"base_url":"http://h:1","ws_url":"ws://h:1/ws"}}`
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.GraceWindowSec != 30 {
		t.Fatalf("grace window = %d, want default", cfg.Session.GraceWindowSec)
	}
	if cfg.Notify.MaxReconnectAttempts != 5 {
		t.Fatalf("max reconnects = %d, want default", cfg.Notify.MaxReconnectAttempts)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duet.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"server":{"base_url":"http://h:1","ws_url":"ws://h:1/ws"}}`)...)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load with BOM: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http scheme on ws url", func(c *Config) { c.Server.WSURL = "http://h:1/ws" }},
		{"ws scheme on base url", func(c *Config) { c.Server.BaseURL = "ws://h:1" }},
		{"missing token file", func(c *Config) { c.Auth.TokenFile = " " }},
		{"zero grace window", func(c *Config) { c.Session.GraceWindowSec = 0 }},
		{"zero matching timeout", func(c *Config) { c.Session.MatchingTimeoutSec = 0 }},
		{"zero reconnect attempts", func(c *Config) { c.Notify.MaxReconnectAttempts = 0 }},
		{"negative heartbeat", func(c *Config) { c.Notify.HeartbeatSec = -1 }},
		{"bad sfu url", func(c *Config) { c.Audio.SFUURL = "not a url" }},
		{"volume above range", func(c *Config) { c.Audio.Volume = 101 }},
		{"missing data dir", func(c *Config) { c.Paths.DataDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted bad config")
			}
		})
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duet.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("created = false for missing file")
	}
	if cfg.Session.GraceWindowSec != 30 {
		t.Fatalf("cfg = %+v", cfg.Session)
	}

	// Second call loads the existing file.
	_, created, err = Ensure(path)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if created {
		t.Fatal("created = true for existing file")
	}
}
