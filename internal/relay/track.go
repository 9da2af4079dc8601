package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sonavox/internal/observe"
	"github.com/MrWong99/sonavox/pkg/audio"
	"github.com/MrWong99/sonavox/pkg/room"
)

// frameLogInterval is how many frames pass between periodic per-track
// statistics log lines.
const frameLogInterval = 500

// AudioSink accepts resampled PCM16 chunks. Satisfied by realtime.Session
// and by the Agent's session indirection; swappable in tests.
type AudioSink interface {
	SendAudio(pcm []byte) error
}

// TrackStats is a snapshot of one track handler's counters.
type TrackStats struct {
	Frames int64
	Bytes  int64
}

// TrackHandler consumes one participant's subscribed audio track: for each
// frame it updates the per-participant counters, converts to the session's
// input format (downmix to mono, resample), and forwards the result to the
// shared session sink. It owns its counters exclusively; the only shared
// resource it touches is the sink, which must be safe for concurrent use.
//
// A per-frame conversion or forwarding error is logged and the frame dropped;
// only the track's frame channel closing ends the loop.
type TrackHandler struct {
	track      *room.Track
	sink       AudioSink
	targetRate int
	metrics    *observe.Metrics
	log        *slog.Logger

	frames atomic.Int64
	bytes  atomic.Int64
}

// NewTrackHandler creates a handler forwarding the track's audio to sink at
// the given target sample rate.
func NewTrackHandler(track *room.Track, sink AudioSink, targetRate int, metrics *observe.Metrics) *TrackHandler {
	return &TrackHandler{
		track:      track,
		sink:       sink,
		targetRate: targetRate,
		metrics:    metrics,
		log: slog.With(
			"component", "track",
			"participant", track.Participant.ID,
			"sid", track.SID,
		),
	}
}

// Participant returns the track's publishing participant.
func (h *TrackHandler) Participant() room.Participant { return h.track.Participant }

// SID returns the track's identifier.
func (h *TrackHandler) SID() string { return h.track.SID }

// Stats returns a snapshot of the handler's counters. Safe to call while the
// handler is running.
func (h *TrackHandler) Stats() TrackStats {
	return TrackStats{
		Frames: h.frames.Load(),
		Bytes:  h.bytes.Load(),
	}
}

// Run consumes the track until its frame channel closes. ctx bounds the
// metric recording only; the loop itself ends with the upstream stream.
func (h *TrackHandler) Run(ctx context.Context) {
	h.log.Info("audio track handler started", "rate", h.targetRate)

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: h.targetRate, Channels: 1}}

	for frame := range h.track.Frames {
		n := h.frames.Add(1)
		h.bytes.Add(int64(len(frame.Data)))
		h.metrics.RecordFrameReceived(ctx, h.track.Participant.ID)

		if n == 1 {
			h.log.Debug("first frame received",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		}
		if n%frameLogInterval == 0 {
			h.log.Debug("track stats", "frames", n, "bytes", h.bytes.Load())
		}

		start := time.Now()
		converted := conv.Convert(frame)
		h.metrics.RecordResample(ctx, time.Since(start))

		if len(converted.Data) == 0 {
			h.metrics.RecordFrameDropped(ctx, "convert")
			continue
		}

		if err := h.sink.SendAudio(converted.Data); err != nil {
			// One bad frame never terminates the handler.
			h.metrics.RecordFrameDropped(ctx, "sink")
			h.log.Warn("dropping frame: sink rejected audio", "error", err)
		}
	}

	h.log.Info("audio track ended", "frames", h.frames.Load(), "bytes", h.bytes.Load())
}
