// Package mock provides a scriptable in-memory implementation of
// [room.Platform] and [room.Conn] for tests and loopback development runs.
// Tests drive the room directly: add participants, feed frames into their
// tracks, and read back frames pushed to published outbound tracks.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/sonavox/pkg/audio"
	"github.com/MrWong99/sonavox/pkg/room"
)

const eventBuffer = 64

// Platform implements [room.Platform]. The zero value is ready to use.
type Platform struct {
	// ConnectErr, when non-nil, is returned by every Connect call.
	ConnectErr error

	mu    sync.Mutex
	conns []*Conn
}

var _ room.Platform = (*Platform)(nil)

// Connect creates a new scriptable [Conn] for the named room.
func (p *Platform) Connect(_ context.Context, roomName, identity string) (room.Conn, error) {
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := &Conn{
		roomName:  roomName,
		identity:  identity,
		events:    make(chan room.Event, eventBuffer),
		tracks:    make(map[string]*TrackFeed),
		published: make(map[string]*room.Outbound),
	}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

// Conns returns all connections handed out so far, in creation order.
func (p *Platform) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.conns...)
}

// TrackFeed is the test-side handle for one scripted inbound track.
type TrackFeed struct {
	track *room.Track
	ch    chan audio.AudioFrame
	once  sync.Once
}

// Track returns the track as seen by the consumer.
func (f *TrackFeed) Track() *room.Track { return f.track }

// Push delivers a frame to the track's consumer. Blocks until the consumer
// takes it, so tests can assert on strict frame ordering.
func (f *TrackFeed) Push(frame audio.AudioFrame) {
	f.ch <- frame
}

// End closes the track's frame channel, simulating unsubscription or
// publisher disconnect. Safe to call more than once.
func (f *TrackFeed) End() {
	f.once.Do(func() { close(f.ch) })
}

// Conn implements [room.Conn] with fully scriptable room activity.
type Conn struct {
	roomName string
	identity string

	mu           sync.Mutex
	events       chan room.Event
	tracks       map[string]*TrackFeed
	published    map[string]*room.Outbound
	disconnected bool
}

var _ room.Conn = (*Conn)(nil)

// Events implements [room.Conn].
func (c *Conn) Events() <-chan room.Event { return c.events }

// PublishTrack implements [room.Conn]. The returned writer's frames are
// retained for inspection via [Conn.Published].
func (c *Conn) PublishTrack(name string, format audio.Format) (*room.Outbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return nil, fmt.Errorf("mock: room %q is disconnected", c.roomName)
	}
	if _, exists := c.published[name]; exists {
		return nil, fmt.Errorf("mock: track %q already published", name)
	}
	out := room.NewOutbound(name, format)
	c.published[name] = out
	return out, nil
}

// Published returns the outbound writer registered under name, or nil.
// Tests read frames the relay sent via Published(name).Frames().
func (c *Conn) Published(name string) *room.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[name]
}

// Disconnect implements [room.Conn]. Closes the event stream and ends all
// scripted tracks.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return nil
	}
	c.disconnected = true
	for _, f := range c.tracks {
		f.End()
	}
	for _, out := range c.published {
		out.Close()
	}
	close(c.events)
	return nil
}

// Join scripts a participant entering the room.
func (c *Conn) Join(p room.Participant) {
	c.emit(room.Event{Type: room.EventParticipantJoined, Participant: p})
}

// Leave scripts a participant leaving. All of the participant's tracks end
// first, then the leave event is delivered.
func (c *Conn) Leave(p room.Participant) {
	c.mu.Lock()
	for sid, f := range c.tracks {
		if f.track.Participant.ID == p.ID {
			f.End()
			delete(c.tracks, sid)
		}
	}
	c.mu.Unlock()
	c.emit(room.Event{Type: room.EventParticipantLeft, Participant: p})
}

// AddAudioTrack scripts a new subscribed audio track for the participant and
// returns the feed used to push frames into it.
func (c *Conn) AddAudioTrack(p room.Participant, sid string) *TrackFeed {
	ch := make(chan audio.AudioFrame)
	feed := &TrackFeed{
		ch: ch,
		track: &room.Track{
			SID:         sid,
			Participant: p,
			Kind:        room.TrackKindAudio,
			Frames:      ch,
		},
	}
	c.mu.Lock()
	c.tracks[sid] = feed
	c.mu.Unlock()
	c.emit(room.Event{Type: room.EventTrackSubscribed, Participant: p, Track: feed.track})
	return feed
}

// EndTrack scripts an unsubscription of the given track.
func (c *Conn) EndTrack(sid string) {
	c.mu.Lock()
	f, ok := c.tracks[sid]
	if ok {
		f.End()
		delete(c.tracks, sid)
	}
	c.mu.Unlock()
	if ok {
		c.emit(room.Event{Type: room.EventTrackUnsubscribed, Participant: f.track.Participant, Track: f.track})
	}
}

func (c *Conn) emit(ev room.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return
	}
	c.events <- ev
}
