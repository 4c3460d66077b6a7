package objectstore

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestMakeThumbnail_FitsBox(t *testing.T) {
	thumb, err := MakeThumbnail(pngBytes(t, 1280, 640))
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 160, img.Bounds().Dy())
}

func TestMakeThumbnail_RejectsNonImage(t *testing.T) {
	_, err := MakeThumbnail([]byte("plain text"))
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "org-7/line/123.jpg", ObjectKey(7, "123", "image/jpeg"))
	assert.Equal(t, "org-7/line/123.png", ObjectKey(7, "123", "image/png; charset=binary"))
	assert.Equal(t, "org-7/line/123", ObjectKey(7, "123", "application/octet-stream"))

	assert.Equal(t, "org-7/line/123_thumb.jpg", ThumbnailKey("org-7/line/123.jpg"))
	assert.Equal(t, "org-7/line/123_thumb.jpg", ThumbnailKey("org-7/line/123"))
}
