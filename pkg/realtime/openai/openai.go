// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded PCM16 chunks inside text frames. Every
// inbound protocol message is decoded into a tagged [realtime.Event] and
// delivered on the session's single event stream in arrival order.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/sonavox/pkg/realtime"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Realtime session with the given configuration.
// It dials the WebSocket, sends the session.update configuration message and
// starts the receive loop; the returned session is AwaitingAck until the
// service's session.created event arrives.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	sess := &session{
		events: make(chan realtime.Event, eventBuffer),
		state:  realtime.StateConnecting,
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess.conn = conn
	sess.ctx = sessCtx
	sess.cancel = sessCancel

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	sess.setState(realtime.StateAwaitingAck)

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string               `json:"modalities,omitempty"`
	Voice                   string                 `json:"voice,omitempty"`
	Instructions            string                 `json:"instructions,omitempty"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	OutputAudioFormat       string                 `json:"output_audio_format"`
	InputAudioTranscription *inputTranscriptionCfg `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionCfg      `json:"turn_detection,omitempty"`
}

type inputTranscriptionCfg struct {
	Model string `json:"model"`
}

type turnDetectionCfg struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// session.created / session.updated
	Session *sessionInfo `json:"session,omitempty"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type sessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	// writeMu serializes wire writes: many track handlers share SendAudio,
	// and the protocol requires one in-flight send at a time without
	// reordering any single caller's sequence.
	writeMu sync.Mutex

	mu             sync.Mutex
	state          realtime.State
	sessionID      string
	chunksSent     int64
	chunksReceived int64
	errVal         error

	// currentText accumulates response.audio_transcript.delta payloads as a
	// fallback for servers that omit the transcript on the done event.
	currentText string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends the session.update event carrying modalities,
// voice, instructions, audio formats, the input-transcription model and the
// VAD turn-detection policy.
func (s *session) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		Modalities:        cfg.Modalities,
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.InputTranscriptionModel != "" {
		params.InputAudioTranscription = &inputTranscriptionCfg{Model: cfg.InputTranscriptionModel}
	}
	if cfg.TurnDetection.Type != "" {
		params.TurnDetection = &turnDetectionCfg{
			Type:              cfg.TurnDetection.Type,
			Threshold:         cfg.TurnDetection.Threshold,
			PrefixPaddingMs:   cfg.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: cfg.TurnDetection.SilenceDurationMs,
		}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message. Callers are
// serialized so concurrent senders cannot interleave partial writes.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel and all state transitions after connect: it closes the
// channel when it exits.
func (s *session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				// Explicit Close; Disconnected was already set there.
				return
			}
			s.fail(fmt.Errorf("openai: transport: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			// A malformed message is skipped, not fatal.
			slog.Warn("openai: skipping undecodable server message", "error", err)
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		var id, model string
		if evt.Session != nil {
			id = evt.Session.ID
			model = evt.Session.Model
		}
		s.mu.Lock()
		s.sessionID = id
		if s.state == realtime.StateAwaitingAck {
			s.state = realtime.StateActive
		}
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventSessionCreated, SessionID: id, Model: model})

	case "session.updated":
		s.emit(realtime.Event{Type: realtime.EventSessionUpdated})

	case "input_audio_buffer.speech_started":
		s.emit(realtime.Event{Type: realtime.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(realtime.Event{Type: realtime.EventSpeechStopped})

	case "input_audio_buffer.committed":
		s.emit(realtime.Event{Type: realtime.EventBufferCommitted})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventTranscriptionCompleted, Text: evt.Transcript})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentText += evt.Delta
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventResponseTextDelta, Text: evt.Delta})

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := evt.Transcript
		if text == "" {
			text = s.currentText
		}
		s.currentText = ""
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventResponseTextDone, Text: text})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			slog.Warn("openai: skipping undecodable audio delta", "error", err)
			return
		}
		s.mu.Lock()
		s.chunksReceived++
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventResponseAudioDelta, Audio: audioData})

	case "response.audio.done":
		// The received-chunk counter is per-response, not cumulative.
		s.mu.Lock()
		s.chunksReceived = 0
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventResponseAudioDone})

	case "response.done":
		s.emit(realtime.Event{Type: realtime.EventResponseDone})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.Event{Type: realtime.EventError, Err: errors.New("openai: " + msg)})
	}
	// Unknown event types fall through silently; the protocol adds kinds
	// faster than clients track them.
}

// emit delivers ev on the event stream, preserving arrival order.
func (s *session) emit(ev realtime.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// fail records err and moves the session to Failed. First error wins.
func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.state = realtime.StateFailed
}

func (s *session) setState(st realtime.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio base64-encodes the chunk and frames it as an
// input_audio_buffer.append message. Outside the Active state the chunk is
// silently dropped: upstream audio routinely arrives before the session ack,
// and that race is accepted rather than surfaced as an error.
func (s *session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.state != realtime.StateActive {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(pcm)
	if err := s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	}); err != nil {
		return fmt.Errorf("openai: append audio: %w", err)
	}

	s.mu.Lock()
	s.chunksSent++
	s.mu.Unlock()
	return nil
}

// Events returns the ordered stream of decoded inbound events.
func (s *session) Events() <-chan realtime.Event { return s.events }

// State returns the current lifecycle state.
func (s *session) State() realtime.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the service-assigned session identifier once known.
func (s *session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Stats returns a snapshot of the session's counters.
func (s *session) Stats() realtime.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return realtime.Stats{
		ChunksSent:     s.chunksSent,
		ChunksReceived: s.chunksReceived,
	}
}

// Err returns the error that moved the session to StateFailed, or nil.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.state == realtime.StateDisconnected || s.state == realtime.StateClosing {
		s.mu.Unlock()
		return nil
	}
	failed := s.state == realtime.StateFailed
	s.state = realtime.StateClosing
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")

	s.mu.Lock()
	// A failed session stays Failed so callers can still observe why.
	if !failed {
		s.state = realtime.StateDisconnected
	} else {
		s.state = realtime.StateFailed
	}
	s.mu.Unlock()
	return nil
}
