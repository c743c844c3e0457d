package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RMS computes the root-mean-square level of little-endian PCM16 audio,
// normalized to [0, 1].
func RMS(b []byte) float64 {
	if len(b) < 2 {
		return 0
	}
	var sum float64
	n := len(b) / 2
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(b[i*2:]))) / 32768.0
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}

// EncodeWAV wraps raw PCM16 mono audio in a minimal WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	dataLen := len(pcm)
	buf := make([]byte, 44+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	copy(buf[44:], pcm)
	return buf
}

// DecodeWAV returns raw PCM16 bytes and the sample rate from a WAV body.
// Stereo input is averaged to mono.
func DecodeWAV(b []byte) ([]byte, int, error) {
	if len(b) < 44 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a WAV")
	}
	off := 12
	var dataOff, dataLen int
	var channels uint16
	var sampleRate uint32
	var bits uint16
	for off+8 <= len(b) {
		cid := string(b[off : off+4])
		csz := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		off += 8
		if cid == "fmt " {
			if off+csz > len(b) {
				return nil, 0, fmt.Errorf("bad fmt chunk")
			}
			fmtTag := binary.LittleEndian.Uint16(b[off:])
			channels = binary.LittleEndian.Uint16(b[off+2:])
			sampleRate = binary.LittleEndian.Uint32(b[off+4:])
			bits = binary.LittleEndian.Uint16(b[off+14:])
			if fmtTag != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("unsupported WAV format")
			}
			off += csz
		} else if cid == "data" {
			dataOff = off
			dataLen = csz
			break
		} else {
			off += csz
		}
	}
	if dataOff <= 0 || dataOff+dataLen > len(b) {
		return nil, 0, fmt.Errorf("no data chunk")
	}
	raw := b[dataOff : dataOff+dataLen]
	if channels == 2 {
		out := make([]byte, dataLen/2)
		for i := 0; i+3 < len(raw); i += 4 {
			l := int16(binary.LittleEndian.Uint16(raw[i:]))
			r := int16(binary.LittleEndian.Uint16(raw[i+2:]))
			avg := int16((int32(l) + int32(r)) / 2)
			binary.LittleEndian.PutUint16(out[i/2:], uint16(avg))
		}
		raw = out
	}
	return raw, int(sampleRate), nil
}

// Frames splits pcm into frames of frameMs at sampleRate. A short trailing
// remainder is returned as the final frame.
func Frames(pcm []byte, sampleRate, frameMs int) [][]byte {
	frameBytes := sampleRate * frameMs / 1000 * 2
	if frameBytes <= 0 {
		return nil
	}
	var out [][]byte
	for pos := 0; pos < len(pcm); pos += frameBytes {
		end := pos + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[pos:end])
	}
	return out
}
