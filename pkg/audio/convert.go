package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter converts AudioFrames to a target format. It logs a warning
// on the first format mismatch and validates PCM data alignment.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: channel convert first, then resample, so stereo input is
// downmixed before the rate conversion touches it.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	// Odd byte counts cannot be int16 PCM.
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return AudioFrame{
			Data:       nil,
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}

	// Fast path: source matches target.
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", Format{frame.SampleRate, frame.Channels}.String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	currentRate := frame.SampleRate
	currentChannels := frame.Channels

	if currentChannels != c.Target.Channels {
		if currentChannels == 1 && c.Target.Channels == 2 {
			pcm = MonoToStereo(pcm)
		} else if currentChannels == 2 && c.Target.Channels == 1 {
			pcm = StereoToMono(pcm)
		}
		currentChannels = c.Target.Channels
	}

	if currentRate != c.Target.SampleRate {
		if currentChannels == 1 {
			pcm = ResampleMono16(pcm, currentRate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, currentRate, c.Target.SampleRate)
		}
		currentRate = c.Target.SampleRate
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: currentRate,
		Channels:   currentChannels,
		Timestamp:  frame.Timestamp,
	}
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > math.MaxInt16 {
			avg = math.MaxInt16
		} else if avg < math.MinInt16 {
			avg = math.MinInt16
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples.
// Output length is round(samples * dstRate / srcRate). If srcRate == dstRate
// the input is returned unchanged, and empty input yields empty output.
//
// This is intentionally a zero-lookahead, stateless resampler with no
// anti-aliasing filter: each frame converts independently, so no filter
// history crosses frame boundaries. Adequate for speech relay, not for
// broadcast-grade work.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(math.Round(float64(srcSamples) * float64(dstRate) / float64(srcRate)))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		var sample float64
		if srcIdx+1 < srcSamples {
			s0 := float64(int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8)
			s1 := float64(int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8)
			sample = math.Round(s0*(1-frac) + s1*frac)
		} else {
			// Clamp at the tail.
			sample = float64(int16(pcm[(srcSamples-1)*2]) | int16(pcm[(srcSamples-1)*2+1])<<8)
		}

		v := clampInt16(sample)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(math.Round(float64(srcFrames) * float64(dstRate) / float64(srcRate)))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		var lSample, rSample float64
		if srcIdx+1 < srcFrames {
			l0 := float64(int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8)
			r0 := float64(int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8)
			l1 := float64(int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8)
			r1 := float64(int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8)
			lSample = math.Round(l0*(1-frac) + l1*frac)
			rSample = math.Round(r0*(1-frac) + r1*frac)
		} else {
			lSample = float64(int16(pcm[(srcFrames-1)*4]) | int16(pcm[(srcFrames-1)*4+1])<<8)
			rSample = float64(int16(pcm[(srcFrames-1)*4+2]) | int16(pcm[(srcFrames-1)*4+3])<<8)
		}

		l := clampInt16(lSample)
		r := clampInt16(rSample)
		out[i*4] = byte(l)
		out[i*4+1] = byte(l >> 8)
		out[i*4+2] = byte(r)
		out[i*4+3] = byte(r >> 8)
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
