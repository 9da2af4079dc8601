// Command sonavox runs the audio relay agent: it joins an audio room,
// forwards participant speech to a streaming conversational AI session, and
// plays the AI's synthesised replies back into the room.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/sonavox/internal/config"
	"github.com/MrWong99/sonavox/internal/health"
	"github.com/MrWong99/sonavox/internal/observe"
	"github.com/MrWong99/sonavox/internal/relay"
	"github.com/MrWong99/sonavox/pkg/audio"
	"github.com/MrWong99/sonavox/pkg/realtime"
	"github.com/MrWong99/sonavox/pkg/realtime/openai"
	"github.com/MrWong99/sonavox/pkg/room"
	"github.com/MrWong99/sonavox/pkg/room/mock"
	"github.com/MrWong99/sonavox/pkg/room/wsroom"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sonavox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sonavox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sonavox starting",
		"version", version,
		"config", *configPath,
		"room", cfg.Room.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── AI provider ───────────────────────────────────────────────────────────
	apiKey := cfg.Realtime.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("no API key: set realtime.api_key or the OPENAI_API_KEY environment variable")
		return 1
	}
	var provOpts []openai.Option
	if cfg.Realtime.Model != "" {
		provOpts = append(provOpts, openai.WithModel(cfg.Realtime.Model))
	}
	if cfg.Realtime.BaseURL != "" {
		provOpts = append(provOpts, openai.WithBaseURL(cfg.Realtime.BaseURL))
	}
	provider := openai.New(apiKey, provOpts...)

	// ── Room platform ─────────────────────────────────────────────────────────
	var platform room.Platform
	if cfg.Room.URL == config.MockRoomURL {
		slog.Warn("using the in-memory loopback room; no real participants will be heard")
		platform = &mock.Platform{}
	} else {
		var roomOpts []wsroom.Option
		if cfg.Room.Token != "" {
			roomOpts = append(roomOpts, wsroom.WithToken(cfg.Room.Token))
		}
		platform = wsroom.NewPlatform(cfg.Room.URL, roomOpts...)
	}

	// ── Relay agent ───────────────────────────────────────────────────────────
	transcriptionModel := cfg.Realtime.TranscriptionModel
	if transcriptionModel == "none" {
		transcriptionModel = ""
	}
	agent := relay.New(provider, platform, relay.Config{
		RoomName:  cfg.Room.Name,
		Identity:  cfg.Room.Identity,
		TrackName: cfg.Relay.TrackName,
		Session: realtime.SessionConfig{
			Modalities:              cfg.Realtime.Modalities,
			Voice:                   cfg.Realtime.Voice,
			Instructions:            cfg.Realtime.Instructions,
			InputSampleRate:         cfg.Realtime.InputSampleRate,
			OutputSampleRate:        cfg.Realtime.OutputSampleRate,
			InputTranscriptionModel: transcriptionModel,
			TurnDetection: realtime.TurnDetection{
				Type:              cfg.Realtime.TurnDetection.Type,
				Threshold:         cfg.Realtime.TurnDetection.Threshold,
				PrefixPaddingMs:   cfg.Realtime.TurnDetection.PrefixPaddingMs,
				SilenceDurationMs: cfg.Realtime.TurnDetection.SilenceDurationMs,
			},
		},
		OutputFormat:   audio.Format{SampleRate: cfg.Realtime.OutputSampleRate, Channels: 1},
		PacingInterval: cfg.Relay.PacingInterval.Std(),
		StatusInterval: cfg.Relay.StatusInterval.Std(),
		Reconnect: relay.ReconnectPolicy{
			Enabled:    cfg.Relay.Reconnect.Enabled,
			MaxRetries: cfg.Relay.Reconnect.MaxRetries,
			Backoff:    cfg.Relay.Reconnect.Backoff.Std(),
			MaxBackoff: cfg.Relay.Reconnect.MaxBackoff.Std(),
		},
	}, metrics)

	// ── HTTP listener (/metrics, /healthz, /readyz) ───────────────────────────
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		health.New(version, health.Checker{
			Name: "session",
			Check: func(context.Context) error {
				switch state := agent.SessionState(); state {
				case realtime.StateActive, realtime.StateAwaitingAck:
					return nil
				default:
					return fmt.Errorf("session is %s", state)
				}
			},
		}).Register(mux)

		srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
		go func() {
			slog.Info("http listener started", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http listener error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http listener shutdown error", "err", err)
			}
		}()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("agent ready — press Ctrl+C to shut down")

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("relay error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Sonavox — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Room", cfg.Room.Name)
	printRow("Identity", cfg.Room.Identity)
	if cfg.Room.URL == config.MockRoomURL {
		printRow("Gateway", "(loopback)")
	} else {
		printRow("Gateway", cfg.Room.URL)
	}
	model := cfg.Realtime.Model
	if model == "" {
		model = "(provider default)"
	}
	printRow("Model", model)
	printRow("Voice", cfg.Realtime.Voice)
	printRow("Input rate", fmt.Sprintf("%d Hz", cfg.Realtime.InputSampleRate))
	printRow("Output rate", fmt.Sprintf("%d Hz", cfg.Realtime.OutputSampleRate))
	if cfg.Relay.Reconnect.Enabled {
		printRow("Reconnect", fmt.Sprintf("up to %d retries", cfg.Relay.Reconnect.MaxRetries))
	} else {
		printRow("Reconnect", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
