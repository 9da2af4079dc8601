package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/sonavox/internal/observe"
	"github.com/MrWong99/sonavox/pkg/audio"
	"github.com/MrWong99/sonavox/pkg/room"
)

// defaultPacingInterval is the fixed wait between published frames. It keeps
// the publisher from saturating the outbound transport with a tight loop; it
// is not derived from the payload's playback duration, so under sustained
// high-volume AI audio the queue can grow (see PlaybackQueue).
const defaultPacingInterval = 10 * time.Millisecond

// Publisher is the sole consumer of a [PlaybackQueue]: it drains payloads in
// FIFO order, wraps each as an [audio.AudioFrame] at the configured output
// format, and hands it to the room's outbound track at a bounded pace.
// Playback order exactly matches enqueue order.
type Publisher struct {
	queue    *PlaybackQueue
	out      *room.Outbound
	format   audio.Format
	interval time.Duration
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewPublisher creates a publisher draining queue into out. A zero interval
// selects the default pacing of 10ms.
func NewPublisher(queue *PlaybackQueue, out *room.Outbound, interval time.Duration, metrics *observe.Metrics) *Publisher {
	if interval <= 0 {
		interval = defaultPacingInterval
	}
	return &Publisher{
		queue:    queue,
		out:      out,
		format:   out.Format(),
		interval: interval,
		metrics:  metrics,
		log:      slog.With("component", "publisher"),
	}
}

// Run drains the queue until ctx is cancelled. It exits within one
// suspension point of cancellation (the dequeue wait or the pacing delay)
// and returns nil; cancellation is the expected way to stop it.
func (p *Publisher) Run(ctx context.Context) error {
	timer := time.NewTimer(p.interval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		payload, err := p.queue.Dequeue(ctx)
		if err != nil {
			return nil
		}
		p.metrics.PlaybackQueueDepth.Add(ctx, -1)

		frame := audio.AudioFrame{
			Data:       payload,
			SampleRate: p.format.SampleRate,
			Channels:   p.format.Channels,
		}
		if p.out.Send(frame) {
			p.metrics.FramesPublished.Add(ctx, 1)
		} else {
			p.metrics.RecordFrameDropped(ctx, "outbound")
			p.log.Warn("outbound track rejected frame", "bytes", len(payload))
		}

		timer.Reset(p.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil
		}
	}
}
