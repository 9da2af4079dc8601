package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MockRoomURL is the room.url value selecting the in-memory loopback room
// instead of a real media gateway.
const MockRoomURL = "mock:"

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals. Unknown YAML keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in every unset field that has a documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Room.Identity == "" {
		cfg.Room.Identity = "sonavox"
	}
	if cfg.Room.SampleRate == 0 {
		cfg.Room.SampleRate = 48000
	}
	if len(cfg.Realtime.Modalities) == 0 {
		cfg.Realtime.Modalities = []string{"text", "audio"}
	}
	if cfg.Realtime.InputSampleRate == 0 {
		cfg.Realtime.InputSampleRate = 24000
	}
	if cfg.Realtime.OutputSampleRate == 0 {
		cfg.Realtime.OutputSampleRate = 24000
	}
	if cfg.Realtime.TranscriptionModel == "" {
		cfg.Realtime.TranscriptionModel = "whisper-1"
	}
	td := &cfg.Realtime.TurnDetection
	if td.Type == "" {
		td.Type = "server_vad"
	}
	if td.Threshold == 0 {
		td.Threshold = 0.5
	}
	if td.PrefixPaddingMs == 0 {
		td.PrefixPaddingMs = 300
	}
	if td.SilenceDurationMs == 0 {
		td.SilenceDurationMs = 500
	}
	if cfg.Relay.TrackName == "" {
		cfg.Relay.TrackName = "sonavox-voice"
	}
	if cfg.Relay.PacingInterval == 0 {
		cfg.Relay.PacingInterval = Duration(10 * time.Millisecond)
	}
	if cfg.Relay.StatusInterval == 0 {
		cfg.Relay.StatusInterval = Duration(10 * time.Second)
	}
	rc := &cfg.Relay.Reconnect
	if rc.MaxRetries == 0 {
		rc.MaxRetries = 10
	}
	if rc.Backoff == 0 {
		rc.Backoff = Duration(time.Second)
	}
	if rc.MaxBackoff == 0 {
		rc.MaxBackoff = Duration(30 * time.Second)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	switch {
	case cfg.Room.URL == "":
		errs = append(errs, errors.New("room.url is required (ws://, wss:// or \"mock:\")"))
	case cfg.Room.URL == MockRoomURL:
		// Loopback room, nothing else to check.
	case strings.HasPrefix(cfg.Room.URL, "ws://"), strings.HasPrefix(cfg.Room.URL, "wss://"):
	default:
		errs = append(errs, fmt.Errorf("room.url %q has an unsupported scheme; valid schemes: ws, wss, mock", cfg.Room.URL))
	}
	if cfg.Room.Name == "" && cfg.Room.URL != MockRoomURL {
		errs = append(errs, errors.New("room.name is required"))
	}
	if cfg.Room.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("room.sample_rate %d must be positive", cfg.Room.SampleRate))
	}

	if cfg.Realtime.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("realtime.input_sample_rate %d must be positive", cfg.Realtime.InputSampleRate))
	}
	if cfg.Realtime.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("realtime.output_sample_rate %d must be positive", cfg.Realtime.OutputSampleRate))
	}
	td := cfg.Realtime.TurnDetection
	if td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
	}
	if td.PrefixPaddingMs < 0 {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.prefix_padding_ms %d must not be negative", td.PrefixPaddingMs))
	}
	if td.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.silence_duration_ms %d must not be negative", td.SilenceDurationMs))
	}
	if !slices.Contains(cfg.Realtime.Modalities, "audio") {
		slog.Warn("realtime.modalities does not include \"audio\"; the agent will stay silent in the room",
			"modalities", cfg.Realtime.Modalities,
		)
	}
	if cfg.Realtime.APIKey == "" {
		slog.Warn("realtime.api_key is empty; falling back to the OPENAI_API_KEY environment variable at startup")
	}

	if cfg.Relay.PacingInterval < 0 {
		errs = append(errs, fmt.Errorf("relay.pacing_interval %s must not be negative", cfg.Relay.PacingInterval.Std()))
	}
	rc := cfg.Relay.Reconnect
	if rc.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("relay.reconnect.max_retries %d must not be negative", rc.MaxRetries))
	}
	if rc.Backoff < 0 || rc.MaxBackoff < 0 {
		errs = append(errs, errors.New("relay.reconnect backoff values must not be negative"))
	}
	if rc.MaxBackoff > 0 && rc.Backoff > rc.MaxBackoff {
		errs = append(errs, fmt.Errorf("relay.reconnect.backoff %s exceeds max_backoff %s", rc.Backoff.Std(), rc.MaxBackoff.Std()))
	}

	return errors.Join(errs...)
}
