package imaging

import (
	"image"
	"image/color"
	"sync"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	"golang.org/x/image/font/gofont/goregular"
)

var (
	watermarkOnce sync.Once
	watermarkFont *text.FontSource
	watermarkErr  error
)

func watermarkSource() (*text.FontSource, error) {
	watermarkOnce.Do(func() {
		watermarkFont, watermarkErr = text.NewFontSource(goregular.TTF)
	})
	return watermarkFont, watermarkErr
}

// Watermark draws label in the bottom-left corner of img: 10 px text scaled
// by scale, white with a dark halo.
func Watermark(img image.Image, label string, scale int) (image.Image, error) {
	if label == "" {
		return img, nil
	}
	src, err := watermarkSource()
	if err != nil {
		return nil, err
	}
	s := float64(max(scale, 1))

	dc := gg.NewContextForImage(img)
	defer dc.Close()
	dc.SetFont(src.Face(10 * s))

	h := float64(img.Bounds().Dy())
	x, y := 5*s, h-5*s
	dc.SetColor(color.NRGBA{A: 102})
	for _, d := range [][2]float64{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
		dc.DrawString(label, x+d[0], y+d[1])
	}
	dc.SetColor(color.NRGBA{R: 255, G: 255, B: 255, A: 204})
	dc.DrawString(label, x, y)
	return dc.Image(), nil
}
