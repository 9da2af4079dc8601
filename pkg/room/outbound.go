package room

import (
	"sync/atomic"

	"github.com/MrWong99/sonavox/pkg/audio"
)

const outboundBuffer = 64

// Outbound is the lifecycle-aware writer for a published audio track.
// It safely drops frames written after the connection has been disconnected,
// preventing panics from sends on closed channels. The underlying channel is
// never closed; the transport stops consuming when the connection ends.
type Outbound struct {
	name   string
	format audio.Format
	ch     chan audio.AudioFrame
	closed atomic.Bool
}

// NewOutbound creates the writer for a published track. Transport adapters
// call this from their PublishTrack implementation and consume [Outbound.Frames].
func NewOutbound(name string, format audio.Format) *Outbound {
	return &Outbound{
		name:   name,
		format: format,
		ch:     make(chan audio.AudioFrame, outboundBuffer),
	}
}

// Name returns the track name the writer was published under.
func (o *Outbound) Name() string { return o.name }

// Format returns the PCM format every pushed frame is expected to carry.
func (o *Outbound) Format() audio.Format { return o.format }

// Send writes a frame to the track. Returns false if the connection is
// disconnected or the transport is not keeping up (frame was dropped).
func (o *Outbound) Send(frame audio.AudioFrame) bool {
	if o.closed.Load() {
		return false
	}
	select {
	case o.ch <- frame:
		return true
	default:
		// Transport backlog — drop rather than block the publisher.
		return false
	}
}

// Frames returns the consumer side of the track for the transport adapter.
func (o *Outbound) Frames() <-chan audio.AudioFrame { return o.ch }

// Close marks the writer as closed. Subsequent Send calls drop their frames.
// Safe to call more than once.
func (o *Outbound) Close() {
	o.closed.Store(true)
}
