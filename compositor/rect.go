// Package compositor implements spec §4.6: an ordered window stack,
// framebuffer lifecycle, visible-region rectangle algebra, a vsync-
// driven frame loop dispatching hardware blits, and keyboard event
// routing with Fn-modifier interception.
//
// Grounded on original_source/badgevms/compositor/compositor.c and
// pixel_functions.c.
package compositor

// Rect is an axis-aligned pixel rectangle (window_rect_t).
type Rect struct {
	X, Y int
	W, H int
}

// Empty reports whether r covers zero area.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Intersects reports whether a and b overlap (rect_intersects).
func (a Rect) Intersects(b Rect) bool {
	if a.Empty() || b.Empty() {
		return false
	}
	return a.X < b.X+b.W && b.X < a.X+a.W && a.Y < b.Y+b.H && b.Y < a.Y+a.H
}

// Intersection returns the overlapping region of a and b
// (rect_intersection). Zero-value if they don't overlap.
func (a Rect) Intersection(b Rect) Rect {
	if !a.Intersects(b) {
		return Rect{}
	}
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.W, b.X+b.W)
	y2 := min(a.Y+a.H, b.Y+b.H)
	return Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Subtract returns ≤4 rectangles covering a \ b — the "one window in
// the middle of another" border case rect_subtract handles: left,
// right, top, and bottom slivers of a outside b's overlap with it.
func Subtract(a, b Rect) []Rect {
	if !a.Intersects(b) {
		return []Rect{a}
	}

	overlap := a.Intersection(b)
	if overlap == a {
		return nil
	}

	var result []Rect
	if overlap.X > a.X {
		result = append(result, Rect{X: a.X, Y: a.Y, W: overlap.X - a.X, H: a.H})
	}
	if overlap.X+overlap.W < a.X+a.W {
		result = append(result, Rect{
			X: overlap.X + overlap.W, Y: a.Y,
			W: (a.X + a.W) - (overlap.X + overlap.W), H: a.H,
		})
	}
	if overlap.Y > a.Y {
		result = append(result, Rect{X: overlap.X, Y: a.Y, W: overlap.W, H: overlap.Y - a.Y})
	}
	if overlap.Y+overlap.H < a.Y+a.H {
		result = append(result, Rect{
			X: overlap.X, Y: overlap.Y + overlap.H,
			W: overlap.W, H: (a.Y + a.H) - (overlap.Y + overlap.H),
		})
	}
	return result
}

// MergeRects repeatedly merges collinear-adjacent rectangles (same
// row/height pair merging horizontally, same column/width pair
// merging vertically) until no further merge is possible
// (merge_rectangles). Mutates and returns rects.
func MergeRects(rects []Rect) []Rect {
	for {
		merged := false

		for i := 0; i < len(rects) && !merged; i++ {
			for j := i + 1; j < len(rects); j++ {
				a, b := rects[i], rects[j]
				if a.Y != b.Y || a.H != b.H {
					continue
				}
				if a.X+a.W == b.X {
					rects[i].W += b.W
					rects = append(rects[:j], rects[j+1:]...)
					merged = true
					break
				}
				if b.X+b.W == a.X {
					rects[j].W += a.W
					rects[j].X = b.X
					rects = append(rects[:i], rects[i+1:]...)
					merged = true
					break
				}
			}
		}
		if merged {
			continue
		}

		for i := 0; i < len(rects) && !merged; i++ {
			for j := i + 1; j < len(rects); j++ {
				a, b := rects[i], rects[j]
				if a.X != b.X || a.W != b.W {
					continue
				}
				if a.Y+a.H == b.Y {
					rects[i].H += b.H
					rects = append(rects[:j], rects[j+1:]...)
					merged = true
					break
				}
				if b.Y+b.H == a.Y {
					rects[j].H += a.H
					rects[j].Y = b.Y
					rects = append(rects[:i], rects[i+1:]...)
					merged = true
					break
				}
			}
		}

		if !merged {
			return rects
		}
	}
}

// isProblematicBlockHeight matches the PPA hardware workaround: the
// accelerator misbehaves on source blocks whose framebuffer-space
// height is "N*32 + 1" pixels.
func isProblematicBlockHeight(contentHeight int, scale float64) bool {
	fbHeight := int(float64(contentHeight) / scale)
	return fbHeight > 32 && fbHeight%32 == 1
}

// SplitProblematicRects halves any rectangle whose source height
// would trip the PPA workaround, repeating until none remain
// (ppa_workaround_split_rects looped by its caller).
func SplitProblematicRects(rects []Rect, scale float64) []Rect {
	for {
		var out []Rect
		split := false
		for _, r := range rects {
			if isProblematicBlockHeight(r.H, scale) {
				split = true
				firstHalf := (r.H / 2) - 1
				secondHalf := r.H - firstHalf
				out = append(out, Rect{X: r.X, Y: r.Y, W: r.W, H: firstHalf})
				out = append(out, Rect{X: r.X, Y: r.Y + firstHalf, W: r.W, H: secondHalf})
			} else {
				out = append(out, r)
			}
		}
		rects = out
		if !split {
			return rects
		}
	}
}
