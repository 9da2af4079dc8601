// Package relay implements the core audio relay: per-participant inbound
// track handlers, the ordered playback pipeline, and the orchestrating Agent
// that wires a room connection to a streaming AI conversation session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/sonavox/internal/observe"
	"github.com/MrWong99/sonavox/pkg/audio"
	"github.com/MrWong99/sonavox/pkg/realtime"
	"github.com/MrWong99/sonavox/pkg/room"
	"golang.org/x/sync/errgroup"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second

	defaultStatusInterval = 10 * time.Second
	defaultTrackName      = "sonavox-voice"
)

// ReconnectPolicy controls whether and how the Agent re-establishes a failed
// AI session. Disabled by default: a dropped session then shuts the agent
// down cleanly.
type ReconnectPolicy struct {
	Enabled bool

	// MaxRetries is the maximum number of reconnection attempts before
	// giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff between retries. Doubles each attempt
	// up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// Config carries everything the Agent needs to join a room and run a session.
type Config struct {
	// RoomName and Identity are passed to the room platform on join.
	RoomName string
	Identity string

	// TrackName is the name of the published outbound track.
	// Defaults to "sonavox-voice".
	TrackName string

	// Session is the AI session configuration. Its InputSampleRate is the
	// rate inbound audio is resampled to before forwarding; zero sample
	// rates default to 24000 Hz.
	Session realtime.SessionConfig

	// OutputFormat is the format of frames published into the room. It must
	// match the session's configured output rate; the playback path performs
	// no rate conversion. Defaults to 24000 Hz mono.
	OutputFormat audio.Format

	// PacingInterval is the publisher's fixed wait between frames.
	// Zero selects the 10ms default.
	PacingInterval time.Duration

	// StatusInterval is how often a human-readable status summary is logged.
	// Zero selects 10s.
	StatusInterval time.Duration

	// Reconnect is the session reconnect policy.
	Reconnect ReconnectPolicy
}

// Agent bridges one audio room with one AI conversation session: it fans in
// audio from every subscribed participant track, relays it to the session,
// and paces the session's synthesised speech back into the room on a
// published track. All room and session events are consumed by a single
// control loop.
type Agent struct {
	provider realtime.Provider
	platform room.Platform
	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger

	queue *PlaybackQueue

	sessMu sync.RWMutex
	sess   realtime.Session

	mu       sync.Mutex
	handlers map[string]*TrackHandler // by track SID

	wg sync.WaitGroup
}

var _ AudioSink = (*Agent)(nil)

// New creates an Agent. A nil metrics falls back to [observe.DefaultMetrics].
func New(provider realtime.Provider, platform room.Platform, cfg Config, metrics *observe.Metrics) *Agent {
	if cfg.TrackName == "" {
		cfg.TrackName = defaultTrackName
	}
	if cfg.Session.InputSampleRate == 0 {
		cfg.Session.InputSampleRate = 24000
	}
	if cfg.Session.OutputSampleRate == 0 {
		cfg.Session.OutputSampleRate = 24000
	}
	if cfg.OutputFormat.SampleRate == 0 {
		cfg.OutputFormat = audio.Format{SampleRate: 24000, Channels: 1}
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Agent{
		provider: provider,
		platform: platform,
		cfg:      cfg,
		metrics:  metrics,
		log:      slog.With("component", "agent", "room", cfg.RoomName),
		queue:    NewPlaybackQueue(),
		handlers: make(map[string]*TrackHandler),
	}
}

// SendAudio forwards a resampled chunk to the current session. It is the
// single sink shared by all track handlers; the session serializes the
// actual wire writes. With no session established it silently drops, the
// same acceptable race as audio arriving before the session ack.
func (a *Agent) SendAudio(pcm []byte) error {
	a.sessMu.RLock()
	sess := a.sess
	a.sessMu.RUnlock()
	if sess == nil {
		return nil
	}
	if err := sess.SendAudio(pcm); err != nil {
		return err
	}
	a.metrics.ChunksSent.Add(context.Background(), 1)
	return nil
}

// Run connects the session, joins the room, publishes the outbound track and
// relays until ctx is cancelled or a fatal failure occurs. The session is
// established before the room is joined so that the room is never occupied
// by an agent that cannot answer.
//
// On return everything is torn down: session closed, room left, handlers
// finished. Queued playback audio is discarded, not flushed.
func (a *Agent) Run(ctx context.Context) error {
	sess, err := a.provider.Connect(ctx, a.cfg.Session)
	if err != nil {
		return fmt.Errorf("relay: connect session: %w", err)
	}
	a.setSession(sess)

	conn, err := a.platform.Connect(ctx, a.cfg.RoomName, a.cfg.Identity)
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("relay: join room: %w", err)
	}

	out, err := conn.PublishTrack(a.cfg.TrackName, a.cfg.OutputFormat)
	if err != nil {
		_ = sess.Close()
		_ = conn.Disconnect()
		return fmt.Errorf("relay: publish track: %w", err)
	}

	a.log.Info("relay running",
		"identity", a.cfg.Identity,
		"track", a.cfg.TrackName,
		"inputRate", a.cfg.Session.InputSampleRate,
		"outputFormat", a.cfg.OutputFormat.String(),
	)

	pub := NewPublisher(a.queue, out, a.cfg.PacingInterval, a.metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pub.Run(gctx) })
	g.Go(func() error { return a.controlLoop(gctx, conn) })
	runErr := g.Wait()

	out.Close()
	a.closeSession()
	_ = conn.Disconnect()

	// Disconnect closed every track frame channel, so the handlers are
	// already unwinding.
	a.wg.Wait()

	a.log.Info("relay stopped")
	return runErr
}

// controlLoop is the single dispatch point for room lifecycle events,
// session events, and the periodic status report.
func (a *Agent) controlLoop(ctx context.Context, conn room.Conn) error {
	ticker := time.NewTicker(a.cfg.StatusInterval)
	defer ticker.Stop()

	sessEvents := a.session().Events()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-conn.Events():
			if !ok {
				return errors.New("relay: room connection closed")
			}
			a.handleRoomEvent(ctx, ev)

		case ev, ok := <-sessEvents:
			if !ok {
				err := a.session().Err()
				if err == nil {
					return errors.New("relay: session closed")
				}
				a.log.Error("session failed", "error", err)
				if !a.cfg.Reconnect.Enabled {
					return fmt.Errorf("relay: session failed: %w", err)
				}
				newSess, rerr := a.reconnectSession(ctx)
				if rerr != nil {
					return fmt.Errorf("relay: session failed and reconnect exhausted: %w", errors.Join(err, rerr))
				}
				a.setSession(newSess)
				sessEvents = newSess.Events()
			} else {
				a.handleSessionEvent(ctx, ev)
			}

		case <-ticker.C:
			a.reportStatus()
		}
	}
}

func (a *Agent) handleRoomEvent(ctx context.Context, ev room.Event) {
	switch ev.Type {
	case room.EventParticipantJoined:
		a.log.Info("participant joined", "participant", ev.Participant.ID, "name", ev.Participant.Name)

	case room.EventParticipantLeft:
		a.log.Info("participant left", "participant", ev.Participant.ID)
		// The participant's handlers terminate on their own when the track
		// streams end; here we just drop the bookkeeping.
		a.mu.Lock()
		for sid, h := range a.handlers {
			if h.Participant().ID == ev.Participant.ID {
				delete(a.handlers, sid)
			}
		}
		a.mu.Unlock()

	case room.EventTrackSubscribed:
		if ev.Track == nil {
			return
		}
		if ev.Track.Kind != room.TrackKindAudio {
			// Unhandled track kinds still get drained so their publisher
			// never blocks.
			if ev.Track.Frames != nil {
				go audio.Drain(ev.Track.Frames)
			}
			return
		}
		a.startTrackHandler(ctx, ev.Track)

	case room.EventTrackUnsubscribed:
		a.log.Debug("track unsubscribed", "participant", ev.Participant.ID)
	}
}

// startTrackHandler spawns one handler goroutine for a subscribed audio
// track. Handlers run fully in parallel; the shared sink is the Agent.
func (a *Agent) startTrackHandler(ctx context.Context, track *room.Track) {
	h := NewTrackHandler(track, a, a.cfg.Session.InputSampleRate, a.metrics)

	a.mu.Lock()
	a.handlers[track.SID] = h
	a.mu.Unlock()

	a.metrics.ActiveParticipants.Add(ctx, 1)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		h.Run(ctx)
		a.metrics.ActiveParticipants.Add(ctx, -1)
		a.mu.Lock()
		if a.handlers[track.SID] == h {
			delete(a.handlers, track.SID)
		}
		a.mu.Unlock()
	}()
}

func (a *Agent) handleSessionEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventSessionCreated:
		a.log.Info("session active", "sessionID", ev.SessionID, "model", ev.Model)

	case realtime.EventResponseAudioDelta:
		a.queue.Enqueue(ev.Audio)
		a.metrics.ChunksReceived.Add(ctx, 1)
		a.metrics.PlaybackQueueDepth.Add(ctx, 1)

	case realtime.EventTranscriptionCompleted:
		a.log.Info("heard", "text", ev.Text)

	case realtime.EventResponseTextDone:
		a.log.Info("replied", "text", ev.Text)

	case realtime.EventError:
		// Service-level errors are surfaced but not fatal on their own.
		a.metrics.SessionErrors.Add(ctx, 1)
		a.log.Warn("session reported error", "error", ev.Err)

	default:
		a.log.Debug("session event", "type", ev.Type.String())
	}
}

// reconnectSession attempts to establish a replacement session with
// exponential backoff, per the configured policy.
func (a *Agent) reconnectSession(ctx context.Context) (realtime.Session, error) {
	pol := a.cfg.Reconnect
	maxRetries := pol.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := pol.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := pol.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		a.log.Info("attempting session reconnect",
			"attempt", attempt,
			"maxRetries", maxRetries,
			"backoff", backoff,
		)

		sess, err := a.provider.Connect(ctx, a.cfg.Session)
		if err == nil {
			a.log.Info("session reconnected", "attempt", attempt)
			return sess, nil
		}
		a.log.Warn("session reconnect attempt failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return nil, fmt.Errorf("relay: reconnect failed after %d attempts", maxRetries)
}

// reportStatus logs the periodic human-readable summary.
func (a *Agent) reportStatus() {
	a.mu.Lock()
	participants := make(map[string]TrackStats, len(a.handlers))
	var frames, bytes int64
	for _, h := range a.handlers {
		st := h.Stats()
		participants[h.Participant().ID] = st
		frames += st.Frames
		bytes += st.Bytes
	}
	count := len(a.handlers)
	a.mu.Unlock()

	st := a.session().Stats()
	a.log.Info("status",
		"participants", count,
		"frames", frames,
		"bytes", bytes,
		"chunksSent", st.ChunksSent,
		"chunksReceived", st.ChunksReceived,
		"queueDepth", a.queue.Len(),
		"sessionState", a.session().State().String(),
	)
}

// SessionState reports the current AI session's lifecycle state, or
// Disconnected when no session is established. Used by the readiness probe.
func (a *Agent) SessionState() realtime.State {
	sess := a.session()
	if sess == nil {
		return realtime.StateDisconnected
	}
	return sess.State()
}

// HandlerCount returns the number of live track handlers.
func (a *Agent) HandlerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handlers)
}

func (a *Agent) session() realtime.Session {
	a.sessMu.RLock()
	defer a.sessMu.RUnlock()
	return a.sess
}

func (a *Agent) setSession(s realtime.Session) {
	a.sessMu.Lock()
	a.sess = s
	a.sessMu.Unlock()
}

func (a *Agent) closeSession() {
	a.sessMu.Lock()
	sess := a.sess
	a.sess = nil
	a.sessMu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}
