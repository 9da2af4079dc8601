package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/sonavox/internal/observe"
	"github.com/MrWong99/sonavox/pkg/realtime"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// testMetrics returns an isolated Metrics instance so tests never pollute the
// global provider.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// ── fake session / provider ────────────────────────────────────────────────

// fakeSession is a scriptable realtime.Session. It starts out Active so
// forwarded audio is recorded immediately.
type fakeSession struct {
	mu      sync.Mutex
	state   realtime.State
	sent    [][]byte
	sendErr error
	errVal  error

	events    chan realtime.Event
	closeOnce sync.Once
}

var _ realtime.Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{
		state:  realtime.StateActive,
		events: make(chan realtime.Event, 64),
	}
}

func (s *fakeSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.state != realtime.StateActive {
		return nil
	}
	s.sent = append(s.sent, append([]byte(nil), pcm...))
	return nil
}

func (s *fakeSession) Events() <-chan realtime.Event { return s.events }

func (s *fakeSession) State() realtime.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) SessionID() string { return "fake_session" }

func (s *fakeSession) Stats() realtime.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return realtime.Stats{ChunksSent: int64(len(s.sent))}
}

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	if s.state != realtime.StateFailed {
		s.state = realtime.StateDisconnected
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// emit scripts an inbound event.
func (s *fakeSession) emit(ev realtime.Event) { s.events <- ev }

// fail scripts a transport failure: Err becomes non-nil and the event stream
// closes.
func (s *fakeSession) fail(err error) {
	s.mu.Lock()
	s.errVal = err
	s.state = realtime.StateFailed
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
}

func (s *fakeSession) sentChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// fakeProvider hands out fakeSessions and can refuse the first N connects.
type fakeProvider struct {
	mu       sync.Mutex
	failures int
	connects int
	sessions []*fakeSession
}

var _ realtime.Provider = (*fakeProvider)(nil)

func (p *fakeProvider) Connect(_ context.Context, _ realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("fake provider: connect refused")
	}
	s := newFakeSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *fakeProvider) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func (p *fakeProvider) lastSession() *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}
