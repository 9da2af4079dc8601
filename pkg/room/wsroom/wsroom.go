// Package wsroom implements [room.Platform] over a WebSocket media gateway.
//
// Control and media share one socket: text frames carry JSON control messages
// (join, joined, participant_joined, participant_left, track_published) and
// binary frames carry Opus media. Inbound media is prefixed with
// 0x01 | idLen | participantID, outbound media with 0x02. Each participant's
// stream is decoded by its own stateful Opus decoder at the gateway's 48 kHz
// mono format; the published track is Opus-encoded from PCM16 in fixed 20 ms
// frames.
package wsroom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/sonavox/pkg/audio"
	"github.com/MrWong99/sonavox/pkg/room"
	"github.com/coder/websocket"
	"layeh.com/gopus"
)

const (
	// Media frame kind prefixes.
	mediaInbound  byte = 0x01
	mediaOutbound byte = 0x02

	// The gateway's media format: 48 kHz mono Opus in 20 ms frames.
	gatewaySampleRate = 48000
	gatewayChannels   = 1
	frameDurationMs   = 20

	// gatewayFrameSize is the number of samples per channel per 20 ms frame.
	gatewayFrameSize = gatewaySampleRate * frameDurationMs / 1000 // 960

	eventBuffer = 64
	frameBuffer = 32

	maxMessageBytes = 1 << 20
)

// controlMessage is the JSON shape of every text frame, client- and
// server-originated. Only the fields for the given Type are set.
type controlMessage struct {
	Type         string            `json:"type"`
	Room         string            `json:"room,omitempty"`
	Identity     string            `json:"identity,omitempty"`
	TrackName    string            `json:"track_name,omitempty"`
	SID          string            `json:"sid,omitempty"`
	Participant  *participantInfo  `json:"participant,omitempty"`
	Participants []participantInfo `json:"participants,omitempty"`
}

type participantInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Platform dials a media gateway. Create one with [NewPlatform].
type Platform struct {
	url   string
	token string
}

var _ room.Platform = (*Platform)(nil)

// Option configures a [Platform].
type Option func(*Platform)

// WithToken sets a Bearer token sent in the Authorization header when
// dialing the gateway.
func WithToken(token string) Option {
	return func(p *Platform) { p.token = token }
}

// NewPlatform creates a Platform for the gateway at url ("ws://..." or
// "wss://...").
func NewPlatform(url string, opts ...Option) *Platform {
	p := &Platform{url: url}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect implements [room.Platform]: it dials the gateway, performs the join
// handshake, and starts the read loop demuxing control and media frames.
func (p *Platform) Connect(ctx context.Context, roomName, identity string) (room.Conn, error) {
	opts := &websocket.DialOptions{}
	if p.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + p.token}}
	}
	ws, _, err := websocket.Dial(ctx, p.url, opts)
	if err != nil {
		return nil, fmt.Errorf("wsroom: dial %q: %w", p.url, err)
	}
	ws.SetReadLimit(maxMessageBytes)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		events: make(chan room.Event, eventBuffer),
		tracks: make(map[string]*inboundTrack),
		log:    slog.With("component", "wsroom", "room", roomName),
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := c.writeControl(ctx, controlMessage{Type: "join", Room: roomName, Identity: identity}); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("wsroom: send join: %w", err)
	}

	// The gateway answers the join with the current roster.
	typ, data, err := ws.Read(ctx)
	if err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("wsroom: read join ack: %w", err)
	}
	var ack controlMessage
	if typ != websocket.MessageText || json.Unmarshal(data, &ack) != nil || ack.Type != "joined" {
		cancel()
		ws.Close(websocket.StatusProtocolError, "unexpected join ack")
		return nil, fmt.Errorf("wsroom: unexpected join ack (type %q)", ack.Type)
	}
	go c.readLoop(ack.Participants)
	return c, nil
}

// inboundTrack pairs one participant's track with its dedicated Opus decoder.
// The decoder is stateful; sharing it across participants would corrupt both
// streams.
type inboundTrack struct {
	track *room.Track
	ch    chan audio.AudioFrame
	dec   *gopus.Decoder
}

// Conn is a live gateway connection implementing [room.Conn].
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes all socket writes: control, media, close.
	writeMu sync.Mutex

	mu        sync.Mutex
	events    chan room.Event
	tracks    map[string]*inboundTrack // keyed by participant ID
	outbound  *room.Outbound
	closed    bool
	closeOnce sync.Once
}

var _ room.Conn = (*Conn)(nil)

// Events implements [room.Conn].
func (c *Conn) Events() <-chan room.Event { return c.events }

// PublishTrack implements [room.Conn]. The returned writer's frames are
// chunked into fixed 20 ms Opus packets; a partial trailing chunk is held
// until the next frame completes it.
func (c *Conn) PublishTrack(name string, format audio.Format) (*room.Outbound, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("wsroom: connection is closed")
	}
	if c.outbound != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("wsroom: a track is already published")
	}
	out := room.NewOutbound(name, format)
	c.outbound = out
	c.mu.Unlock()

	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopus.Audio)
	if err != nil {
		c.mu.Lock()
		c.outbound = nil
		c.mu.Unlock()
		return nil, fmt.Errorf("wsroom: create opus encoder: %w", err)
	}

	if err := c.writeControl(c.ctx, controlMessage{Type: "publish", TrackName: name}); err != nil {
		c.mu.Lock()
		c.outbound = nil
		c.mu.Unlock()
		return nil, fmt.Errorf("wsroom: announce track: %w", err)
	}

	go c.writeLoop(out, enc)
	return out, nil
}

// writeLoop drains the outbound track, re-chunking arbitrary PCM payload
// sizes into the gateway's fixed Opus frame size.
func (c *Conn) writeLoop(out *room.Outbound, enc *gopus.Encoder) {
	format := out.Format()
	frameSamples := format.SampleRate * frameDurationMs / 1000 * format.Channels
	var pending []int16

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-out.Frames():
			pending = append(pending, audio.BytesToInt16s(frame.Data)...)
			for len(pending) >= frameSamples {
				chunk := pending[:frameSamples]
				pending = pending[frameSamples:]

				pkt, err := enc.Encode(chunk, frameSamples/format.Channels, len(chunk)*2)
				if err != nil {
					c.log.Warn("dropping frame: opus encode failed", "error", err)
					continue
				}
				msg := make([]byte, 0, len(pkt)+1)
				msg = append(msg, mediaOutbound)
				msg = append(msg, pkt...)
				if err := c.write(websocket.MessageBinary, msg); err != nil {
					c.log.Warn("media write failed", "error", err)
					return
				}
			}
		}
	}
}

// Disconnect implements [room.Conn]. Idempotent; closes the event stream and
// every inbound track's frame channel.
func (c *Conn) Disconnect() error {
	c.teardown(websocket.StatusNormalClosure, "disconnect")
	return nil
}

func (c *Conn) teardown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.ws.Close(code, reason)

		c.mu.Lock()
		c.closed = true
		if c.outbound != nil {
			c.outbound.Close()
		}
		c.mu.Unlock()
	})
}

// finish closes the event stream and every inbound track's frame channel.
// Called only by readLoop on exit, which keeps channel closure single-owner:
// emit can never race a close.
func (c *Conn) finish() {
	c.mu.Lock()
	for id, t := range c.tracks {
		close(t.ch)
		delete(c.tracks, id)
	}
	close(c.events)
	c.mu.Unlock()
}

// readLoop announces the join roster, then demuxes text control frames and
// binary media frames until the socket drops or the connection is torn down.
func (c *Conn) readLoop(roster []participantInfo) {
	defer c.finish()

	for _, pi := range roster {
		c.emit(room.Event{
			Type:        room.EventParticipantJoined,
			Participant: room.Participant{ID: pi.ID, Name: pi.Name},
		})
	}

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn("gateway connection lost", "error", err)
			}
			c.teardown(websocket.StatusInternalError, "read failed")
			return
		}
		switch typ {
		case websocket.MessageText:
			c.handleControl(data)
		case websocket.MessageBinary:
			c.handleMedia(data)
		}
	}
}

func (c *Conn) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("skipping malformed control message", "error", err)
		return
	}

	switch msg.Type {
	case "participant_joined":
		if msg.Participant == nil {
			return
		}
		c.emit(room.Event{
			Type:        room.EventParticipantJoined,
			Participant: room.Participant{ID: msg.Participant.ID, Name: msg.Participant.Name},
		})

	case "participant_left":
		if msg.Participant == nil {
			return
		}
		p := room.Participant{ID: msg.Participant.ID, Name: msg.Participant.Name}
		c.mu.Lock()
		if t, ok := c.tracks[p.ID]; ok {
			close(t.ch)
			delete(c.tracks, p.ID)
		}
		c.mu.Unlock()
		c.emit(room.Event{Type: room.EventParticipantLeft, Participant: p})

	case "track_published":
		if msg.Participant == nil {
			return
		}
		c.addTrack(room.Participant{ID: msg.Participant.ID, Name: msg.Participant.Name}, msg.SID)

	default:
		c.log.Debug("ignoring control message", "type", msg.Type)
	}
}

// addTrack registers the participant's inbound track and announces it.
// A second announcement for the same participant replaces the old track.
func (c *Conn) addTrack(p room.Participant, sid string) {
	dec, err := gopus.NewDecoder(gatewaySampleRate, gatewayChannels)
	if err != nil {
		c.log.Error("cannot create opus decoder for track", "participant", p.ID, "error", err)
		return
	}

	ch := make(chan audio.AudioFrame, frameBuffer)
	t := &inboundTrack{
		track: &room.Track{
			SID:         sid,
			Participant: p,
			Kind:        room.TrackKindAudio,
			Frames:      ch,
		},
		ch:  ch,
		dec: dec,
	}

	c.mu.Lock()
	if old, ok := c.tracks[p.ID]; ok {
		close(old.ch)
	}
	c.tracks[p.ID] = t
	c.mu.Unlock()

	c.emit(room.Event{Type: room.EventTrackSubscribed, Participant: p, Track: t.track})
}

// handleMedia decodes one inbound media frame and delivers it to the owning
// participant's track. Frames for unknown participants and frames arriving
// faster than the consumer drains are dropped.
func (c *Conn) handleMedia(data []byte) {
	if len(data) < 3 || data[0] != mediaInbound {
		return
	}
	idLen := int(data[1])
	if len(data) < 2+idLen+1 {
		return
	}
	id := string(data[2 : 2+idLen])
	payload := data[2+idLen:]

	c.mu.Lock()
	t, ok := c.tracks[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	pcm, err := t.dec.Decode(payload, gatewayFrameSize, false)
	if err != nil {
		c.log.Warn("dropping frame: opus decode failed", "participant", id, "error", err)
		return
	}

	frame := audio.AudioFrame{
		Data:       audio.Int16sToBytes(pcm),
		SampleRate: gatewaySampleRate,
		Channels:   gatewayChannels,
	}
	select {
	case t.ch <- frame:
	default:
		// Consumer is behind; dropping beats blocking the read loop.
	}
}

// emit delivers a lifecycle event to the consumer. Media frames may be
// dropped under backpressure, lifecycle events must not: a lost
// track_published would permanently silence that participant, so emit blocks
// until the consumer catches up or the connection ends.
func (c *Conn) emit(ev room.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Conn) writeControl(ctx context.Context, msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) write(typ websocket.MessageType, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(c.ctx, typ, data)
}
