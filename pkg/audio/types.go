package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the relay.
// Frames are the atomic unit of transport — pulled from participant tracks,
// resampled, forwarded to the conversation session, and published back into
// the room. A frame is immutable once produced; ownership passes to the next
// stage on handoff.
type AudioFrame struct {
	// PCM audio data, signed 16-bit little-endian.
	// Invariant: len(Data) == samples * Channels * 2.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for room media, 24000 for the AI session).
	SampleRate int

	// Channels: 1 for mono (session audio), 2 for stereo room sources.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback duration of the frame, or zero if the
// frame's format fields are not set.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
