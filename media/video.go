package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

const jpegDataURLPrefix = "data:image/jpeg;base64,"

var ErrFrameFormat = errors.New("unsupported frame data")

// EncodeFrame scales img to width x height and encodes it as a JPEG data URL.
func EncodeFrame(img image.Image, width, height, quality int) (string, error) {
	scaled := imaging.Resize(img, width, height, imaging.Linear)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, scaled, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return jpegDataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeFrame parses an image data URL (or bare base64 image) and scales
// it to width x height.
func DecodeFrame(data string, width, height int) (image.Image, error) {
	if strings.HasPrefix(data, "data:") {
		i := strings.Index(data, ";base64,")
		if i < 0 {
			return nil, ErrFrameFormat
		}
		data = data[i+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, errors.Join(ErrFrameFormat, err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Join(ErrFrameFormat, err)
	}
	if b := img.Bounds(); b.Dx() == width && b.Dy() == height {
		return img, nil
	}
	return imaging.Resize(img, width, height, imaging.Linear), nil
}
