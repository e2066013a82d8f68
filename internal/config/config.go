package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/duetcall/duet/internal/util"
)

type Config struct {
	Server  Server  `json:"server"`
	Auth    Auth    `json:"auth"`
	Session Session `json:"session"`
	Notify  Notify  `json:"notify"`
	Audio   Audio   `json:"audio"`
	Paths   Paths   `json:"paths"`
}

type Server struct {
	// Base URL of the REST gateway, e.g. "https://api.duet.example".
	BaseURL string `json:"base_url"`

	// WebSocket endpoint of the realtime broker, e.g. "wss://api.duet.example/ws".
	WSURL string `json:"ws_url"`
}

type Auth struct {
	// File holding the bearer credential issued by the auth gateway.
	// Relative to the data directory.
	TokenFile string `json:"token_file"`
}

type Session struct {
	// Seconds the server still considers a call/queue entry live after the
	// client disappears. Recovery snapshots older than this are discarded.
	GraceWindowSec int `json:"grace_window_seconds"`

	// Seconds to wait for a call-start after entering the matching queue
	// before the client auto-cancels the match attempt.
	MatchingTimeoutSec int `json:"matching_timeout_seconds"`
}

type Notify struct {
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`
	ReconnectDelaySec    int `json:"reconnect_delay_seconds"`

	// Heart-beat interval offered to the broker in the CONNECT frame.
	// 0 disables client heart-beating.
	HeartbeatSec int `json:"heartbeat_seconds"`
}

type Audio struct {
	// HTTP endpoint of the audio SFU's session gateway. Channel join posts an
	// SDP offer to SFUURL/{channelName} and receives the answer.
	SFUURL string `json:"sfu_url"`

	PreferredMic string `json:"preferred_mic"`

	// Initial playback volume for remote audio, 0..100.
	Volume int `json:"volume"`

	// When true, no microphone is opened and calls join receive-only.
	// Useful on machines without capture hardware.
	DisableCapture bool `json:"disable_capture"`
}

type Paths struct {
	// Directory for the recovery database. Relative paths resolve against
	// the directory holding the config file.
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Server: Server{
			BaseURL: "http://127.0.0.1:8080",
			WSURL:   "ws://127.0.0.1:8080/ws",
		},
		Auth: Auth{
			TokenFile: "data/token",
		},
		Session: Session{
			GraceWindowSec:     30,
			MatchingTimeoutSec: 30,
		},
		Notify: Notify{
			MaxReconnectAttempts: 5,
			ReconnectDelaySec:    3,
			HeartbeatSec:         10,
		},
		Audio: Audio{
			SFUURL: "http://127.0.0.1:8080/rtc",
			Volume: 80,
		},
		Paths: Paths{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if err := validateHTTPURL(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if err := validateWSURL(c.Server.WSURL); err != nil {
		return fmt.Errorf("server.ws_url: %w", err)
	}

	// Auth
	if strings.TrimSpace(c.Auth.TokenFile) == "" {
		return errors.New("auth.token_file is required")
	}

	// Session
	if c.Session.GraceWindowSec <= 0 {
		return errors.New("session.grace_window_seconds must be > 0")
	}
	if c.Session.MatchingTimeoutSec <= 0 {
		return errors.New("session.matching_timeout_seconds must be > 0")
	}

	// Notify
	if c.Notify.MaxReconnectAttempts < 1 {
		return errors.New("notify.max_reconnect_attempts must be >= 1")
	}
	if c.Notify.ReconnectDelaySec < 1 {
		return errors.New("notify.reconnect_delay_seconds must be >= 1")
	}
	if c.Notify.HeartbeatSec < 0 {
		return errors.New("notify.heartbeat_seconds must be >= 0")
	}

	// Audio
	if err := validateHTTPURL(c.Audio.SFUURL); err != nil {
		return fmt.Errorf("audio.sfu_url: %w", err)
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 100 {
		return errors.New("audio.volume must be 0..100")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateWSURL(raw string) error {
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
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
