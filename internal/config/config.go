// Package config loads the gateway's YAML configuration file and supplies
// defaults for everything it omits.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full gateway configuration.
type Config struct {
	Server struct {
		BindAddress string `yaml:"bind_address"`
		Workers     int    `yaml:"workers"`
		Debug       bool   `yaml:"debug"`
		LogLevel    string `yaml:"log_level"`  // debug, info, warn, error, fatal
		LogFormat   string `yaml:"log_format"` // text, json
	} `yaml:"server"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Sessions struct {
		MaxSessions   int `yaml:"max_sessions"`   // default 100
		IdleTimeoutMs int `yaml:"idle_timeout_ms"` // default 300000 (5 min)
	} `yaml:"sessions"`

	ASR struct {
		Provider  string `yaml:"provider"` // whisper, openai, fireworks
		APIKey    string `yaml:"api_key"`
		APIURL    string `yaml:"api_url"`
		Model     string `yaml:"model"`
		TimeoutMs int    `yaml:"timeout_ms"` // default 30000
	} `yaml:"asr"`

	LLM struct {
		Enabled   bool   `yaml:"enabled"`
		Provider  string `yaml:"provider"` // openai, fireworks, anthropic
		APIKey    string `yaml:"api_key"`
		APIURL    string `yaml:"api_url"`
		Model     string `yaml:"model"`
		TimeoutMs int    `yaml:"timeout_ms"` // default 30000
	} `yaml:"llm"`

	VAD struct {
		Threshold float64 `yaml:"threshold"`  // default 0.5
		SilenceMs int     `yaml:"silence_ms"` // default 800
		HopSize   int     `yaml:"hop_size"`   // default 256
	} `yaml:"vad"`

	Audio struct {
		SampleRate         int     `yaml:"sample_rate"`          // default 16000
		Channels           int     `yaml:"channels"`             // default 1
		MaxSegmentSeconds  float64 `yaml:"max_segment_seconds"`  // default 3.0
		LookbackSeconds    float64 `yaml:"lookback_seconds"`     // default 9.0
		PreRollSeconds     float64 `yaml:"pre_roll_seconds"`     // default 0.5
		MinDurationSeconds float64 `yaml:"min_duration_seconds"` // default 0.1
	} `yaml:"audio"`

	LogSink struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"` // directory for per-segment WAV + JSON records
	} `yaml:"log_sink"`
}

// ICEServer represents a WebRTC ICE server configuration.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Load reads and parses the configuration file, filling in defaults for
// anything left zero-valued.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a configuration populated with every default value.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = "localhost:8080"
	}
	if cfg.Server.Workers == 0 {
		cfg.Server.Workers = 1
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "text"
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = 100
	}
	if cfg.Sessions.IdleTimeoutMs == 0 {
		cfg.Sessions.IdleTimeoutMs = 300_000
	}
	if cfg.ASR.TimeoutMs == 0 {
		cfg.ASR.TimeoutMs = 30_000
	}
	if cfg.LLM.TimeoutMs == 0 {
		cfg.LLM.TimeoutMs = 30_000
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = 0.5
	}
	if cfg.VAD.SilenceMs == 0 {
		cfg.VAD.SilenceMs = 800
	}
	if cfg.VAD.HopSize == 0 {
		cfg.VAD.HopSize = 256
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.MaxSegmentSeconds == 0 {
		cfg.Audio.MaxSegmentSeconds = 3.0
	}
	if cfg.Audio.LookbackSeconds == 0 {
		cfg.Audio.LookbackSeconds = 9.0
	}
	if cfg.Audio.PreRollSeconds == 0 {
		cfg.Audio.PreRollSeconds = 0.5
	}
	if cfg.Audio.MinDurationSeconds == 0 {
		cfg.Audio.MinDurationSeconds = 0.1
	}
}
