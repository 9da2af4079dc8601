package main

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Minimal RIFF/WAVE handling for the probe: PCM16 only, no extensible
// formats, no streaming. The relay itself never touches WAV files.

// readWAV loads a PCM16 WAV file and returns its interleaved samples,
// sample rate and channel count.
func readWAV(path string) (samples []int16, sampleRate, channels int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read wav: %w", err)
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("read wav %q: not a RIFF/WAVE file", path)
	}

	var pcmBytes []byte
	sawFmt := false
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			return nil, 0, 0, fmt.Errorf("read wav %q: truncated %q chunk", path, id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, fmt.Errorf("read wav %q: short fmt chunk", path)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if audioFormat != 1 || bits != 16 {
				return nil, 0, 0, fmt.Errorf("read wav %q: only 16-bit PCM is supported (format %d, %d bits)", path, audioFormat, bits)
			}
			sawFmt = true
		case "data":
			pcmBytes = data[body : body+size]
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !sawFmt || pcmBytes == nil {
		return nil, 0, 0, fmt.Errorf("read wav %q: missing fmt or data chunk", path)
	}

	samples = make([]int16, len(pcmBytes)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmBytes[i*2 : i*2+2]))
	}
	return samples, sampleRate, channels, nil
}

// writeWAV writes interleaved PCM16 samples as a WAV file.
func writeWAV(path string, samples []int16, sampleRate, channels int) error {
	dataSize := len(samples) * 2
	buf := make([]byte, 0, 44+dataSize)

	u16 := func(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }
	u32 := func(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }

	byteRate := sampleRate * channels * 2
	buf = append(buf, "RIFF"...)
	buf = append(buf, u32(uint32(36+dataSize))...)
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...) // PCM
	buf = append(buf, u16(uint16(channels))...)
	buf = append(buf, u32(uint32(sampleRate))...)
	buf = append(buf, u32(uint32(byteRate))...)
	buf = append(buf, u16(uint16(channels*2))...) // block align
	buf = append(buf, u16(16)...)                 // bits per sample
	buf = append(buf, "data"...)
	buf = append(buf, u32(uint32(dataSize))...)
	for _, s := range samples {
		buf = append(buf, byte(s), byte(s>>8))
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}
