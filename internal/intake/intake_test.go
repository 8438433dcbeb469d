package intake

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/ailab/internal/domain"
)

func pngOfSize(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func webpHeader() []byte {
	return append([]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), make([]byte, 16)...)
}

func TestDetectMIME(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		want   string
		wantOK bool
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}, "image/jpeg", true},
		{"png", []byte("\x89PNG\r\n\x1a\n0000"), "image/png", true},
		{"gif", []byte("GIF89a000000"), "image/gif", true},
		{"webp", webpHeader(), "image/webp", true},
		{"text", []byte("hello world"), "", false},
		{"pdf", []byte("%PDF-1.4"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectMIME(tt.data)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeDataURI(t *testing.T) {
	data, mime, err := DecodeDataURI("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, []byte("abc"), data)

	for _, bad := range []string{
		"image/png;base64,YWJj",
		"data:image/png;base64",
		"data:image/png,abc",
		"data:image/png;base64,***",
	} {
		_, _, err := DecodeDataURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheckCount(t *testing.T) {
	p := NewProcessor(0)
	assert.Equal(t, DefaultMaxImages, p.MaxImages())

	assert.Equal(t, domain.KindInputValidation, domain.KindOf(p.CheckCount(0)))
	assert.NoError(t, p.CheckCount(1))
	assert.NoError(t, p.CheckCount(5))
	assert.Equal(t, domain.KindInputValidation, domain.KindOf(p.CheckCount(6)))
}

func TestFromBytesScalesLargeImages(t *testing.T) {
	p := NewProcessor(5)
	img, err := p.FromBytes("shelf.png", pngOfSize(t, 2048, 1024))
	require.NoError(t, err)

	assert.NotEmpty(t, img.ID)
	assert.Equal(t, "shelf.png", img.Filename)
	assert.Equal(t, "image/jpeg", img.MIMEType)

	decoded, err := jpeg.Decode(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, 1024, decoded.Bounds().Dx())
	assert.Equal(t, 512, decoded.Bounds().Dy())

	require.True(t, strings.HasPrefix(img.Preview, "data:image/jpeg;base64,"))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(img.Preview, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	thumb, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 300, thumb.Bounds().Dx())
}

func TestFromBytesKeepsSmallJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 64)), nil))

	p := NewProcessor(5)
	img, err := p.FromBytes("small.jpg", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.MIMEType)
	assert.Equal(t, buf.Bytes(), img.Data)
}

func TestFromBytesPassesWebPThrough(t *testing.T) {
	p := NewProcessor(5)
	data := webpHeader()
	img, err := p.FromBytes("bottle.webp", data)
	require.NoError(t, err)
	assert.Equal(t, "image/webp", img.MIMEType)
	assert.Equal(t, data, img.Data)
	assert.Equal(t, img.DataURI(), img.Preview)
}

func TestFromBytesRejectsInvalid(t *testing.T) {
	p := NewProcessor(5)

	_, err := p.FromBytes("empty.jpg", nil)
	assert.Equal(t, domain.KindInputValidation, domain.KindOf(err))

	_, err = p.FromBytes("notes.txt", []byte("just some text"))
	assert.Equal(t, domain.KindInputValidation, domain.KindOf(err))
}

func TestFromDataURIs(t *testing.T) {
	p := NewProcessor(2)
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngOfSize(t, 16, 16))

	images, err := p.FromDataURIs([]string{uri, uri})
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.NotEqual(t, images[0].ID, images[1].ID)

	_, err = p.FromDataURIs([]string{uri, uri, uri})
	assert.Equal(t, domain.KindInputValidation, domain.KindOf(err))

	_, err = p.FromDataURIs([]string{"not-a-uri"})
	assert.Equal(t, domain.KindInputValidation, domain.KindOf(err))

	_, err = p.FromDataURIs(nil)
	assert.Equal(t, domain.KindInputValidation, domain.KindOf(err))
}

func TestFromMultipart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range []string{"a.png", "b.png"} {
		fw, err := mw.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = fw.Write(pngOfSize(t, 32, 32))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))

	p := NewProcessor(5)
	images, err := p.FromMultipart(req.MultipartForm.File["images"])
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "a.png", images[0].Filename)
	assert.Equal(t, "b.png", images[1].Filename)
}
