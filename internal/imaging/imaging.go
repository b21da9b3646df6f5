// Package imaging turns renderer output into encoded images: colour parsing,
// premultiplied buffer handling, crop, resize, compositing and encoding.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/HugoSmits86/nativewebp"
	"github.com/mazznoer/csscolorparser"
	"golang.org/x/image/draw"
)

var ErrInvalidFormat = errors.New("invalid format")

// Format is an output image format.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	WEBP Format = "webp"
)

// ParseFormat accepts png, jpg, jpeg and webp.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "webp":
		return WEBP, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFormat, s)
}

// ContentType is the MIME type of f.
func (f Format) ContentType() string {
	return "image/" + string(f)
}

// DefaultQuality is the encoder quality used when none is configured.
func (f Format) DefaultQuality() int {
	switch f {
	case JPEG:
		return 80
	}
	return 0
}

// ParseColor parses any CSS colour string.
func ParseColor(s string) (color.NRGBA, error) {
	c, err := csscolorparser.Parse(s)
	if err != nil {
		return color.NRGBA{}, err
	}
	r, g, b, a := c.RGBA255()
	return color.NRGBA{R: r, G: g, B: b, A: a}, nil
}

// ColorOr parses s, falling back to def when s is empty or invalid.
func ColorOr(s string, def color.Color) color.Color {
	if s == "" {
		return def
	}
	c, err := ParseColor(s)
	if err != nil {
		return def
	}
	return c
}

// FromPremultiplied wraps a raw premultiplied RGBA buffer and converts it to
// straight alpha. Fully transparent pixels become transparent black.
func FromPremultiplied(pix []byte, width, height int) (*image.NRGBA, error) {
	if len(pix) != width*height*4 {
		return nil, fmt.Errorf("buffer is %d bytes, want %d for %dx%d", len(pix), width*height*4, width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(pix); i += 4 {
		a := pix[i+3]
		switch a {
		case 0:
			continue
		case 255:
			copy(img.Pix[i:i+4], pix[i:i+4])
		default:
			for c := 0; c < 3; c++ {
				v := (uint32(pix[i+c])*255 + uint32(a)/2) / uint32(a)
				img.Pix[i+c] = uint8(min(v, 255))
			}
			img.Pix[i+3] = a
		}
	}
	return img, nil
}

// Crop returns the sub-image r copied into a fresh image with origin 0,0.
func Crop(src image.Image, r image.Rectangle) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

// Resize scales src to width x height.
func Resize(src image.Image, width, height int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Composite draws overlay over dst, aligned at the origin.
func Composite(dst draw.Image, overlay image.Image) {
	if overlay == nil {
		return
	}
	draw.Draw(dst, dst.Bounds(), overlay, overlay.Bounds().Min, draw.Over)
}

// Encode writes img in format f. quality <= 0 selects the format default and
// is ignored by lossless encoders.
func Encode(w io.Writer, img image.Image, f Format, quality int) error {
	switch f {
	case PNG:
		return png.Encode(w, img)
	case JPEG:
		if quality <= 0 {
			quality = f.DefaultQuality()
		}
		return jpeg.Encode(w, opaque(img), &jpeg.Options{Quality: quality})
	case WEBP:
		// nativewebp only writes the lossless VP8L bitstream
		return nativewebp.Encode(w, img, nil)
	}
	return fmt.Errorf("%w: %q", ErrInvalidFormat, f)
}

// EncodeBytes is Encode into a new buffer.
func EncodeBytes(img image.Image, f Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, f, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// opaque drops alpha, keeping the straight colour channels. JPEG has no alpha
// and the stdlib encoder would otherwise blend transparent pixels to black.
func opaque(img image.Image) image.Image {
	n, ok := img.(*image.NRGBA)
	if !ok {
		return img
	}
	out := image.NewRGBA(n.Bounds())
	for i := 0; i < len(n.Pix); i += 4 {
		copy(out.Pix[i:i+3], n.Pix[i:i+3])
		out.Pix[i+3] = 255
	}
	return out
}

// Solid encodes a 1x1 image of colour c.
func Solid(f Format, c string) ([]byte, error) {
	col, err := ParseColor(c)
	if err != nil {
		return nil, fmt.Errorf("placeholder colour %q: %w", c, err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, col)
	return EncodeBytes(img, f, 0)
}
