package audio

import (
	"encoding/binary"
	"testing"
)

func pcmOf(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func TestRMSSilence(t *testing.T) {
	if got := RMS(pcmOf(0, 0, 0, 0)); got != 0 {
		t.Errorf("silence RMS should be 0, got %f", got)
	}
}

func TestRMSFullScale(t *testing.T) {
	got := RMS(pcmOf(32767, -32768, 32767, -32768))
	if got < 0.99 || got > 1.0 {
		t.Errorf("full-scale RMS should be near 1.0, got %f", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := pcmOf(100, -200, 300, -400, 500)
	wav := EncodeWAV(pcm, 16000)

	out, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 {
		t.Errorf("sample rate should be 16000, got %d", rate)
	}
	if len(out) != len(pcm) {
		t.Fatalf("pcm length mismatch: %d vs %d", len(out), len(pcm))
	}
	for i := range pcm {
		if out[i] != pcm[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV([]byte("definitely not audio")); err == nil {
		t.Error("expected error for non-WAV input")
	}
}

func TestFrames(t *testing.T) {
	// 16kHz, 30ms frames -> 960 bytes per frame
	pcm := make([]byte, 2400)
	frames := Frames(pcm, 16000, 30)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if len(frames[0]) != 960 || len(frames[2]) != 480 {
		t.Errorf("unexpected frame sizes: %d, %d", len(frames[0]), len(frames[2]))
	}
}
