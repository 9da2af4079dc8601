// Package config provides the configuration schema, loader, and validation
// for the Sonavox relay agent.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Sonavox agent.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration so YAML values can be written in the usual
// human form ("250ms", "1s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Sonavox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Room     RoomConfig     `yaml:"room"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Relay    RelayConfig    `yaml:"relay"`
}

// ServerConfig holds the agent's own network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the /metrics and /healthz endpoints
	// (e.g., ":8080"). When empty, no HTTP listener is started.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RoomConfig describes the audio room the agent joins.
type RoomConfig struct {
	// URL is the media gateway endpoint ("ws://..." or "wss://...").
	// The special value "mock:" selects the in-memory loopback room.
	URL string `yaml:"url"`

	// Name is the room to join.
	Name string `yaml:"name"`

	// Token is an optional Bearer token for the media gateway.
	Token string `yaml:"token"`

	// Identity is the agent's participant identity in the room.
	// Defaults to "sonavox".
	Identity string `yaml:"identity"`

	// SampleRate is the room's media sample rate in Hz. Defaults to 48000,
	// the Opus native rate.
	SampleRate int `yaml:"sample_rate"`
}

// RealtimeConfig configures the streaming conversational AI backend.
type RealtimeConfig struct {
	// APIKey authenticates against the service. When empty, the agent falls
	// back to the OPENAI_API_KEY environment variable at startup.
	APIKey string `yaml:"api_key"`

	// Model overrides the provider's default realtime model.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default endpoint. Useful for proxies
	// and tests.
	BaseURL string `yaml:"base_url"`

	// Voice selects the synthesised output voice.
	Voice string `yaml:"voice"`

	// Instructions is the system-level prompt for the conversation.
	Instructions string `yaml:"instructions"`

	// Modalities the service should respond with. Defaults to [text, audio].
	Modalities []string `yaml:"modalities"`

	// InputSampleRate and OutputSampleRate are the PCM16 rates for audio sent
	// to and received from the service, in Hz. Both default to 24000.
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// TranscriptionModel names the server-side model transcribing participant
	// speech. Defaults to "whisper-1"; "none" disables transcription.
	TranscriptionModel string `yaml:"transcription_model"`

	// TurnDetection is the service-side voice-activity detection policy.
	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`
}

// TurnDetectionConfig mirrors the service's VAD parameters.
type TurnDetectionConfig struct {
	// Type selects the detection strategy. Defaults to "server_vad".
	Type string `yaml:"type"`

	// Threshold is the activation threshold in [0, 1]. Defaults to 0.5.
	Threshold float64 `yaml:"threshold"`

	// PrefixPaddingMs is how much audio before detected onset to include.
	// Defaults to 300.
	PrefixPaddingMs int `yaml:"prefix_padding_ms"`

	// SilenceDurationMs is how long silence must last to end a turn.
	// Defaults to 500.
	SilenceDurationMs int `yaml:"silence_duration_ms"`
}

// RelayConfig tunes the relay pipeline.
type RelayConfig struct {
	// TrackName is the name of the published outbound track.
	// Defaults to "sonavox-voice".
	TrackName string `yaml:"track_name"`

	// PacingInterval is the publisher's fixed wait between outbound frames.
	// Defaults to 10ms.
	PacingInterval Duration `yaml:"pacing_interval"`

	// StatusInterval is how often the agent logs a status summary.
	// Defaults to 10s.
	StatusInterval Duration `yaml:"status_interval"`

	// Reconnect controls session re-establishment after a transport failure.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the session reconnect policy. Disabled by default.
type ReconnectConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxRetries is the number of attempts before giving up. Defaults to 10.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the initial wait between attempts, doubling up to
	// MaxBackoff. Defaults to 1s and 30s.
	Backoff    Duration `yaml:"backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
}
