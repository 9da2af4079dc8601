package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/sonavox/pkg/audio"
	"github.com/MrWong99/sonavox/pkg/realtime"
	"github.com/MrWong99/sonavox/pkg/room"
	"github.com/MrWong99/sonavox/pkg/room/mock"
)

// startAgent runs an Agent against a mock room platform and the given
// provider, waiting until the room connection is established. Teardown is
// registered via t.Cleanup.
func startAgent(t *testing.T, provider *fakeProvider, mutate func(*Config)) (*Agent, *mock.Conn, chan error, context.CancelFunc) {
	t.Helper()
	platform := &mock.Platform{}
	cfg := Config{
		RoomName: "test-room",
		Identity: "sonavox",
		Session: realtime.SessionConfig{
			InputSampleRate:  24000,
			OutputSampleRate: 24000,
		},
		PacingInterval: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a := New(provider, platform, cfg, testMetrics(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- a.Run(ctx)
		close(stopped)
	}()

	var conn *mock.Conn
	waitFor(t, func() bool {
		conns := platform.Conns()
		if len(conns) == 0 {
			return false
		}
		conn = conns[0]
		return true
	}, "room connection")

	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(3 * time.Second):
			t.Error("agent did not stop on cancellation")
		}
	})
	return a, conn, done, cancel
}

func TestAgent_ConnectsSessionBeforeRoom(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		steps []string
	)
	record := func(step string) {
		mu.Lock()
		steps = append(steps, step)
		mu.Unlock()
	}

	provider := &fakeProvider{}
	a := New(
		providerFunc(func(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
			record("session")
			return provider.Connect(ctx, cfg)
		}),
		platformFunc(func(ctx context.Context, roomName, identity string) (room.Conn, error) {
			record("room")
			return (&mock.Platform{}).Connect(ctx, roomName, identity)
		}),
		Config{RoomName: "test-room", Identity: "sonavox", PacingInterval: time.Millisecond},
		testMetrics(t),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(steps) == 2
	}, "both connects")
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if steps[0] != "session" || steps[1] != "room" {
		t.Errorf("connect order = %v, want [session room]", steps)
	}
}

func TestAgent_SessionConnectFailureAbortsBeforeRoom(t *testing.T) {
	t.Parallel()
	platform := &mock.Platform{}
	a := New(&fakeProvider{failures: 1}, platform, Config{RoomName: "r"}, testMetrics(t))

	err := a.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connect session") {
		t.Fatalf("Run error = %v, want session connect failure", err)
	}
	if got := len(platform.Conns()); got != 0 {
		t.Errorf("room was joined %d times despite session failure, want 0", got)
	}
}

func TestAgent_PublishesOutboundTrack(t *testing.T) {
	t.Parallel()
	_, conn, _, _ := startAgent(t, &fakeProvider{}, nil)
	if conn.Published(defaultTrackName) == nil {
		t.Fatalf("track %q was not published", defaultTrackName)
	}
}

func TestAgent_ForwardsParticipantAudioToSession(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	a, conn, _, _ := startAgent(t, provider, nil)
	sess := provider.lastSession()

	alice := room.Participant{ID: "alice", Name: "Alice"}
	conn.Join(alice)
	feed := conn.AddAudioTrack(alice, "tr_a")
	waitFor(t, func() bool { return a.HandlerCount() == 1 }, "track handler")

	feed.Push(audio.AudioFrame{
		Data:       audio.Int16sToBytes([]int16{100, 300, 500, 700}),
		SampleRate: 48000,
		Channels:   1,
	})

	waitFor(t, func() bool { return len(sess.sentChunks()) == 1 }, "forwarded chunk")
	got := sess.sentChunks()[0]
	want := audio.Int16sToBytes([]int16{100, 500})
	if string(got) != string(want) {
		t.Errorf("session received %v, want %v", audio.BytesToInt16s(got), []int16{100, 500})
	}
}

func TestAgent_ZeroSessionRatesStillResample(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	a, conn, _, _ := startAgent(t, provider, func(cfg *Config) {
		cfg.Session = realtime.SessionConfig{}
	})
	sess := provider.lastSession()

	alice := room.Participant{ID: "alice"}
	conn.Join(alice)
	feed := conn.AddAudioTrack(alice, "tr_a")
	waitFor(t, func() bool { return a.HandlerCount() == 1 }, "track handler")

	// Without the 24 kHz fallback the converter would pass 48 kHz audio
	// through untouched.
	feed.Push(audio.AudioFrame{
		Data:       audio.Int16sToBytes([]int16{100, 300, 500, 700}),
		SampleRate: 48000,
		Channels:   1,
	})

	waitFor(t, func() bool { return len(sess.sentChunks()) == 1 }, "forwarded chunk")
	got := audio.BytesToInt16s(sess.sentChunks()[0])
	if len(got) != 2 || got[0] != 100 || got[1] != 500 {
		t.Errorf("session received %v, want [100 500]", got)
	}
}

func TestAgent_PublishesResponseAudioInOrder(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	_, conn, _, _ := startAgent(t, provider, nil)
	sess := provider.lastSession()

	sess.emit(realtime.Event{Type: realtime.EventResponseAudioDelta, Audio: []byte("AB")})
	sess.emit(realtime.Event{Type: realtime.EventResponseAudioDelta, Audio: []byte("CD")})
	sess.emit(realtime.Event{Type: realtime.EventResponseAudioDone})

	out := conn.Published(defaultTrackName)
	for i, want := range []string{"AB", "CD"} {
		select {
		case frame := <-out.Frames():
			if string(frame.Data) != want {
				t.Errorf("frame %d = %q, want %q", i, frame.Data, want)
			}
			if frame.SampleRate != 24000 || frame.Channels != 1 {
				t.Errorf("frame %d format = %d Hz / %d ch, want 24000 Hz / 1 ch",
					i, frame.SampleRate, frame.Channels)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("frame %d not published", i)
		}
	}
}

func TestAgent_TrackHandlerLifecycle(t *testing.T) {
	t.Parallel()
	a, conn, _, _ := startAgent(t, &fakeProvider{}, nil)

	alice := room.Participant{ID: "alice"}
	bob := room.Participant{ID: "bob"}
	conn.Join(alice)
	conn.Join(bob)
	conn.AddAudioTrack(alice, "tr_a")
	conn.AddAudioTrack(bob, "tr_b")
	waitFor(t, func() bool { return a.HandlerCount() == 2 }, "two handlers")

	conn.Leave(alice)
	waitFor(t, func() bool { return a.HandlerCount() == 1 }, "alice handler removed")

	conn.EndTrack("tr_b")
	waitFor(t, func() bool { return a.HandlerCount() == 0 }, "bob handler removed")
}

func TestAgent_SessionFailureStopsWithoutReconnect(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	_, _, done, _ := startAgent(t, provider, nil)

	provider.lastSession().fail(errors.New("transport dropped"))

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "session failed") {
			t.Errorf("Run error = %v, want session failure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop after session failure")
	}
}

func TestAgent_SessionFailureReconnects(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	_, conn, _, _ := startAgent(t, provider, func(cfg *Config) {
		cfg.Reconnect = ReconnectPolicy{
			Enabled:    true,
			Backoff:    5 * time.Millisecond,
			MaxBackoff: 10 * time.Millisecond,
		}
	})

	first := provider.lastSession()
	first.fail(errors.New("transport dropped"))

	waitFor(t, func() bool { return provider.connectCount() == 2 }, "reconnect")
	second := provider.lastSession()
	if second == first {
		t.Fatal("no replacement session was established")
	}

	// The replacement session's events must drive playback.
	second.emit(realtime.Event{Type: realtime.EventResponseAudioDelta, Audio: []byte("recovered")})
	select {
	case frame := <-conn.Published(defaultTrackName).Frames():
		if string(frame.Data) != "recovered" {
			t.Errorf("frame = %q, want %q", frame.Data, "recovered")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("replacement session audio was not published")
	}
}

func TestAgent_ReconnectExhaustionStops(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	_, _, done, _ := startAgent(t, provider, func(cfg *Config) {
		cfg.Reconnect = ReconnectPolicy{
			Enabled:    true,
			MaxRetries: 2,
			Backoff:    time.Millisecond,
		}
	})

	provider.failures = 100
	provider.lastSession().fail(errors.New("transport dropped"))

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "reconnect") {
			t.Errorf("Run error = %v, want reconnect exhaustion", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop after reconnect exhaustion")
	}
}

func TestAgent_RoomDisconnectStops(t *testing.T) {
	t.Parallel()
	_, conn, done, _ := startAgent(t, &fakeProvider{}, nil)

	_ = conn.Disconnect()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "room connection closed") {
			t.Errorf("Run error = %v, want room closure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop after room disconnect")
	}
}

func TestAgent_SendAudioWithoutSessionIsNoOp(t *testing.T) {
	t.Parallel()
	a := New(&fakeProvider{}, &mock.Platform{}, Config{}, testMetrics(t))
	if err := a.SendAudio([]byte{1, 2}); err != nil {
		t.Errorf("SendAudio without session = %v, want nil", err)
	}
}

// providerFunc / platformFunc adapt closures to the interfaces for tests that
// need to observe call order.
type providerFunc func(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error)

func (f providerFunc) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	return f(ctx, cfg)
}

type platformFunc func(ctx context.Context, roomName, identity string) (room.Conn, error)

func (f platformFunc) Connect(ctx context.Context, roomName, identity string) (room.Conn, error) {
	return f(ctx, roomName, identity)
}
