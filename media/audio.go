package media

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
)

var ErrAudioFormat = errors.New("malformed audio block")

// EncodePCM clamps samples to [-1, 1] and quantizes them to little-endian
// signed 16-bit PCM.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM converts little-endian signed 16-bit PCM to floats in [-1, 1).
func DecodePCM(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, ErrAudioFormat
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[i*2:]))) / 32768
	}
	return out, nil
}

// Deinterleave splits interleaved samples into one slice per channel.
// Trailing samples of an incomplete frame are dropped.
func Deinterleave(samples []float32, channels int) [][]float32 {
	if channels <= 1 {
		return [][]float32{samples}
	}
	frames := len(samples) / channels
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
		for i := 0; i < frames; i++ {
			out[c][i] = samples[i*channels+c]
		}
	}
	return out
}

func EncodeAudio(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM(samples))
}

func DecodeAudio(data string, channels int) ([][]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, errors.Join(ErrAudioFormat, err)
	}
	samples, err := DecodePCM(raw)
	if err != nil {
		return nil, err
	}
	return Deinterleave(samples, channels), nil
}
