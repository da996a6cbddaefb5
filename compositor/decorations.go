package compositor

import (
	"image"
	"image/draw"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/text/unicode/norm"
)

// MaxTitleRunes is the title-bar character cap (spec §3: window
// titles are ≤20 characters).
const MaxTitleRunes = 20

var decorationFont *truetype.Font

func init() {
	f, err := freetype.ParseFont(goregular.TTF)
	if err == nil {
		decorationFont = f
	}
}

// NormalizeTitle NFC-normalizes and truncates a window title to
// MaxTitleRunes, grounded on the original's plain byte-truncating
// window_title_set: normalizing first means a combining sequence from
// an unusual keyboard layout collapses to its composed form before
// the cap is applied, instead of being silently split mid-sequence.
func NormalizeTitle(title string) string {
	normalized := norm.NFC.String(title)
	runes := []rune(normalized)
	if len(runes) > MaxTitleRunes {
		runes = runes[:MaxTitleRunes]
	}
	return string(runes)
}

// renderDecorations rasterizes w's title bar text into a small RGBA
// image and returns it; it does not draw onto the scan-out buffer
// itself. Undecorated windows are skipped (nil is returned).
func renderDecorations(w *Window) *image.RGBA {
	if w.Flags&FlagUndecorated != 0 || decorationFont == nil {
		return nil
	}

	img := image.NewRGBA(image.Rect(0, 0, w.Rect.W, TopBarPx))
	draw.Draw(img, img.Bounds(), image.NewUniform(titleBarBackground), image.Point{}, draw.Src)

	face := truetype.NewFace(decorationFont, &truetype.Options{Size: 14, DPI: 72})
	defer face.Close()

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(titleBarForeground),
		Face: face,
	}
	d.Dot = fixedPoint(BorderPx, TopBarPx/2+5)
	d.DrawString(NormalizeTitle(w.Title))

	return img
}
