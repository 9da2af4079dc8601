package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWAV_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	want := []int16{0, 1000, -1000, 32767, -32768, 42}

	if err := writeWAV(path, want, 24000, 1); err != nil {
		t.Fatalf("writeWAV: %v", err)
	}
	samples, rate, channels, err := readWAV(path)
	if err != nil {
		t.Fatalf("readWAV: %v", err)
	}

	if rate != 24000 || channels != 1 {
		t.Errorf("format = %d Hz / %d ch, want 24000 Hz / 1 ch", rate, channels)
	}
	if len(samples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(samples), len(want))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestReadWAV_RejectsNonWave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.wav")
	if err := os.WriteFile(path, []byte("this is not a wav file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := readWAV(path); err == nil {
		t.Fatal("expected error for non-WAVE file")
	}
}
