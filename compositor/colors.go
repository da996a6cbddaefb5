package compositor

import (
	"image/color"

	"golang.org/x/image/math/fixed"
)

var (
	titleBarBackground = color.RGBA{R: 32, G: 32, B: 36, A: 255}
	titleBarForeground = color.RGBA{R: 230, G: 230, B: 230, A: 255}
)

func fixedPoint(x, y int) fixed.Point26_6 {
	return fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)}
}
