package relay

import (
	"context"
	"sync"
)

// PlaybackQueue is an unbounded, strictly FIFO, multi-producer/single-consumer
// buffer of raw PCM payloads awaiting publication into the room. It decouples
// the asynchronous arrival rate of AI audio from the paced rate at which
// frames are handed to the outbound track.
//
// Enqueue never blocks. The queue is deliberately unbounded: depth is
// exported as a metric so operators can see growth under sustained load, but
// no overflow policy is applied.
type PlaybackQueue struct {
	mu    sync.Mutex
	items [][]byte

	// signal wakes the single consumer; capacity 1 so producers never block.
	signal chan struct{}
}

// NewPlaybackQueue creates an empty queue.
func NewPlaybackQueue() *PlaybackQueue {
	return &PlaybackQueue{
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends payload to the queue. Never blocks; always succeeds.
// Safe for concurrent use by multiple producers.
func (q *PlaybackQueue) Enqueue(payload []byte) {
	q.mu.Lock()
	q.items = append(q.items, payload)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
		// Consumer already has a pending wakeup.
	}
}

// Dequeue removes and returns the oldest payload, suspending until one is
// available or ctx is cancelled. Intended for a single consumer.
func (q *PlaybackQueue) Dequeue(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			payload := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return payload, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of payloads currently queued.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
