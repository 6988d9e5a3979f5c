package media

import (
	"encoding/base64"
	"encoding/binary"
	"image/color"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePCMQuantization(t *testing.T) {
	raw := EncodePCM([]float32{1, -1, 0, 2, -3, 0.5})
	require.Len(t, raw, 12)

	var got []int16
	for i := 0; i < len(raw); i += 2 {
		got = append(got, int16(binary.LittleEndian.Uint16(raw[i:])))
	}
	assert.Equal(t, []int16{32767, -32768, 0, 32767, -32768, 16383}, got)
}

func TestDecodePCM(t *testing.T) {
	samples, err := DecodePCM(EncodePCM([]float32{-1, 0, 0.25}))
	require.NoError(t, err)
	assert.Equal(t, float32(-1), samples[0])
	assert.Equal(t, float32(0), samples[1])
	assert.InDelta(t, 0.25, samples[2], 1e-4)

	_, err = DecodePCM([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrAudioFormat)
}

func TestDecodeAudioDeinterleaves(t *testing.T) {
	data := EncodeAudio([]float32{0.5, -0.5, 0.25, -0.25, 0.125})

	out, err := DecodeAudio(data, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, out[0], 2)
	assert.InDelta(t, 0.5, out[0][0], 1e-3)
	assert.InDelta(t, 0.25, out[0][1], 1e-3)
	assert.InDelta(t, -0.5, out[1][0], 1e-3)
	assert.InDelta(t, -0.25, out[1][1], 1e-3)

	mono, err := DecodeAudio(data, 1)
	require.NoError(t, err)
	require.Len(t, mono, 1)
	assert.Len(t, mono[0], 5)

	_, err = DecodeAudio("not base64!", 1)
	assert.ErrorIs(t, err, ErrAudioFormat)
}

func TestFrameRoundTripScales(t *testing.T) {
	src := imaging.New(100, 50, color.NRGBA{R: 200, A: 255})

	data, err := EncodeFrame(src, 64, 48, 80)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(data, "data:image/jpeg;base64,"))

	img, err := DecodeFrame(data, 32, 24)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 24, img.Bounds().Dy())

	// bare base64 without the data URL prefix is accepted too
	img, err = DecodeFrame(strings.TrimPrefix(data, "data:image/jpeg;base64,"), 64, 48)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame("data:image/jpeg,raw", 10, 10)
	assert.ErrorIs(t, err, ErrFrameFormat)

	_, err = DecodeFrame("%%%", 10, 10)
	assert.ErrorIs(t, err, ErrFrameFormat)

	_, err = DecodeFrame(base64.StdEncoding.EncodeToString([]byte("not an image")), 10, 10)
	assert.ErrorIs(t, err, ErrFrameFormat)
}
