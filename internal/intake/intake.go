// Package intake turns uploaded bytes and data URIs into normalized
// domain.UploadedImage values ready for analysis.
package intake

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/nfnt/resize"

	"github.com/vbonduro/ailab/internal/domain"
)

const (
	DefaultMaxImages = 5
	// MaxImageSize bounds a single decoded upload.
	MaxImageSize = 20 * 1024 * 1024

	maxSide     = 1024
	previewSide = 300
	jpegQuality = 80
)

// allowedImageTypes is the set of MIME types accepted for uploaded photos.
// WebP is detected separately because http.DetectContentType has no WebP
// signature.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// isWebP reports whether data is a RIFF container with "WEBP" at offset 8.
func isWebP(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WEBP"
}

// DetectMIME returns the sniffed MIME type and true if data is an accepted
// image format.
func DetectMIME(data []byte) (string, bool) {
	if isWebP(data) {
		return "image/webp", true
	}
	mime := http.DetectContentType(data)
	if allowedImageTypes[mime] {
		return mime, true
	}
	return "", false
}

// DecodeDataURI splits a data:<mime>;base64,<payload> string. The declared
// MIME type is returned as given; callers sniff the payload themselves.
func DecodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("data URI has no payload")
	}
	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", fmt.Errorf("data URI is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode data URI: %w", err)
	}
	return data, mimeType, nil
}

// Processor validates and normalizes uploads.
type Processor struct {
	maxImages int
}

func NewProcessor(maxImages int) *Processor {
	if maxImages <= 0 {
		maxImages = DefaultMaxImages
	}
	return &Processor{maxImages: maxImages}
}

func (p *Processor) MaxImages() int { return p.maxImages }

// CheckCount fails when a batch of n images is empty or over the limit.
func (p *Processor) CheckCount(n int) error {
	if n == 0 {
		return domain.ValidationError("at least one image is required")
	}
	if n > p.maxImages {
		return domain.ValidationError("at most %d images are allowed, got %d", p.maxImages, n)
	}
	return nil
}

// FromBytes sniffs, compresses and previews a single upload.
func (p *Processor) FromBytes(filename string, data []byte) (domain.UploadedImage, error) {
	if len(data) == 0 {
		return domain.UploadedImage{}, domain.ValidationError("image %q is empty", filename)
	}
	if len(data) > MaxImageSize {
		return domain.UploadedImage{}, domain.ValidationError("image %q exceeds %d bytes", filename, MaxImageSize)
	}
	mimeType, ok := DetectMIME(data)
	if !ok {
		return domain.UploadedImage{}, domain.ValidationError("image %q has an unsupported format", filename)
	}

	data, mimeType = compress(data, mimeType)
	img := domain.UploadedImage{
		ID:       uuid.NewString(),
		Filename: filename,
		MIMEType: mimeType,
		Data:     data,
	}
	img.Preview = preview(img)
	return img, nil
}

// FromDataURIs decodes a JSON style batch of data URIs.
func (p *Processor) FromDataURIs(uris []string) ([]domain.UploadedImage, error) {
	if err := p.CheckCount(len(uris)); err != nil {
		return nil, err
	}
	images := make([]domain.UploadedImage, 0, len(uris))
	for i, uri := range uris {
		data, _, err := DecodeDataURI(uri)
		if err != nil {
			return nil, domain.ValidationError("image %d: %v", i+1, err)
		}
		img, err := p.FromBytes(fmt.Sprintf("image-%d", i+1), data)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// FromMultipart reads every file header of a parsed multipart form.
func (p *Processor) FromMultipart(files []*multipart.FileHeader) ([]domain.UploadedImage, error) {
	if err := p.CheckCount(len(files)); err != nil {
		return nil, err
	}
	images := make([]domain.UploadedImage, 0, len(files))
	for _, fh := range files {
		data, err := readFileHeader(fh)
		if err != nil {
			return nil, err
		}
		img, err := p.FromBytes(fh.Filename, data)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload %q: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload %q: %w", fh.Filename, err)
	}
	return data, nil
}

// compress scales an image down to fit maxSide and re-encodes it as JPEG.
// Formats the standard library cannot decode, such as WebP, pass through.
func compress(data []byte, mimeType string) ([]byte, string) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, mimeType
	}

	b := src.Bounds()
	scaled := b.Dx() > maxSide || b.Dy() > maxSide
	if !scaled && mimeType == "image/jpeg" {
		return data, mimeType
	}

	out, err := encodeJPEG(resize.Thumbnail(maxSide, maxSide, src, resize.Lanczos3))
	if err != nil {
		return data, mimeType
	}
	if !scaled && len(out) >= len(data) {
		return data, mimeType
	}
	return out, "image/jpeg"
}

// preview returns a small JPEG data URI, or the image itself when it cannot
// be decoded.
func preview(img domain.UploadedImage) string {
	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return img.DataURI()
	}
	out, err := encodeJPEG(resize.Thumbnail(previewSide, previewSide, src, resize.Lanczos3))
	if err != nil {
		return img.DataURI()
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(out)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
