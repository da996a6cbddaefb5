package compositor

import (
	"sync"

	"github.com/badgevms/badgevms/defs"
	"github.com/badgevms/badgevms/vm"
)

// WindowFlag mirrors window_flag_t.
type WindowFlag uint32

const (
	FlagNone WindowFlag = 0
	FlagFullscreen WindowFlag = 1 << (iota - 1)
	FlagAlwaysOnTop
	FlagUndecorated
	FlagMaximized
	FlagMaximizedLeft
	FlagMaximizedRight
	FlagDoubleBuffered
	FlagLowPriority
	FlagFlipHorizontal
	FlagFlipVertical
)

// Screen geometry constants (FRAMEBUFFER_MAX_W/H, BORDER_PX,
// BORDER_TOP_PX, TOP_BAR_PX from compositor_private.h /
// badgevms_config.h). TopBarPx is the decoration strip height;
// BorderPx is the side/bottom border; BorderTopPx includes the title
// bar in the top inset.
const (
	ScreenW = 720
	ScreenH = 720

	BorderPx    = 4
	TopBarPx    = 50
	BorderTopPx = TopBarPx + BorderPx

	WindowMaxW = ScreenW - 2*BorderPx
	WindowMaxH = ScreenH - BorderTopPx - BorderPx
)

// MaxVisibleRects bounds a window's visible-rectangle set, per
// compositor_private.h's MAX_VISIBLE_RECTS.
const MaxVisibleRects = 64

// EventQueueDepth bounds a window's per-window event queue. Events
// posted to a full queue are dropped (spec §4.6 failure semantics).
const EventQueueDepth = 32

// Framebuffer is one scan-out-able surface a window owns, backed by
// a vm virtual range (managed_framebuffer_t).
type Framebuffer struct {
	Range  *vm.VirtualRange
	W, H   int
	Format defs.PixelFormat

	mu    sync.Mutex
	clean bool
	wake  chan struct{}
}

func newFramebuffer(r *vm.VirtualRange, w, h int, format defs.PixelFormat) *Framebuffer {
	return &Framebuffer{Range: r, W: w, H: h, Format: format, clean: true, wake: make(chan struct{})}
}

// MarkDirty clears the clean flag, meaning content changed and the
// compositor must re-blit it before it can be reused.
func (f *Framebuffer) MarkDirty() {
	f.mu.Lock()
	f.clean = false
	f.mu.Unlock()
}

// MarkCleanAndWake atomically clears dirty state after a successful
// blit and wakes anyone blocked waiting for this buffer to become
// available, mirroring the "atomically clear the clean flag; if it
// was dirty before clearing, wake any task blocked on that buffer"
// step of the frame loop.
func (f *Framebuffer) MarkCleanAndWake() {
	f.mu.Lock()
	wasDirty := !f.clean
	f.clean = true
	wake := f.wake
	if wasDirty {
		f.wake = make(chan struct{})
	}
	f.mu.Unlock()
	if wasDirty {
		close(wake)
	}
}

// WaitClean blocks until the buffer is clean (used by
// framebuffer_update(block=true)).
func (f *Framebuffer) WaitClean() {
	for {
		f.mu.Lock()
		if f.clean {
			f.mu.Unlock()
			return
		}
		wake := f.wake
		f.mu.Unlock()
		<-wake
	}
}

// Window is one compositor-managed window (window_t).
type Window struct {
	mu sync.Mutex

	Framebuffers [2]*Framebuffer
	FrontFB      int
	BackFB       int
	Flags        WindowFlag
	Title        string

	Rect     Rect
	RectOrig Rect
	Visible  []Rect

	TaskPID    int
	EventQueue chan defs.Event
}

// NewWindow constructs a window with its content rect already
// clamped, per the sizing/positioning policy applied on create.
func NewWindow(title string, size Rect, flags WindowFlag, taskPID int) *Window {
	w := &Window{
		Title:      title,
		Flags:      flags,
		TaskPID:    taskPID,
		EventQueue: make(chan defs.Event, EventQueueDepth),
		FrontFB:    0,
		BackFB:     1,
	}
	w.Rect = w.ClampSize(Rect{X: 0, Y: 0, W: size.W, H: size.H})
	return w
}

// ClampSize enforces WindowMaxW×WindowMaxH (or the full screen in
// fullscreen) and a non-negative extent (window_clamp_size).
func (w *Window) ClampSize(size Rect) Rect {
	if size.W < 0 {
		size.W = 0
	}
	if size.H < 0 {
		size.H = 0
	}
	maxW, maxH := WindowMaxW, WindowMaxH
	if w.Flags&FlagFullscreen != 0 {
		maxW, maxH = ScreenW, ScreenH
	}
	if size.W > maxW {
		size.W = maxW
	}
	if size.H > maxH {
		size.H = maxH
	}
	return size
}

// ClampPosition enforces that the whole decorated window stays on
// screen, or pins to the origin in fullscreen (window_clamp_position).
func (w *Window) ClampPosition(pos Rect) Rect {
	if pos.X < 0 {
		pos.X = 0
	}
	if pos.Y < 0 {
		pos.Y = 0
	}
	if w.Flags&FlagFullscreen != 0 {
		pos.X, pos.Y = 0, 0
		return pos
	}
	maxX := ScreenW - (w.Rect.W + 2*BorderPx) - 1
	maxY := ScreenH - (w.Rect.H + BorderTopPx + BorderPx) - 1
	if pos.X > maxX {
		pos.X = maxX
	}
	if pos.Y > maxY {
		pos.Y = maxY
	}
	return pos
}

// ContentRect is this window's visible content area, offset past the
// decoration border unless fullscreen.
func (w *Window) ContentRect() Rect {
	r := w.Rect
	if w.Flags&FlagFullscreen == 0 {
		r.X += BorderPx
		r.Y += BorderTopPx
	}
	return r
}

// SetFlags applies a flag transition, saving/restoring the
// pre-fullscreen rect as spec §4.6's WINDOW_FLAGS command requires.
func (w *Window) SetFlags(flags WindowFlag) {
	wasFullscreen := w.Flags&FlagFullscreen != 0
	nowFullscreen := flags&FlagFullscreen != 0

	if nowFullscreen && !wasFullscreen {
		w.RectOrig = w.Rect
		w.Rect = Rect{X: 0, Y: 0, W: ScreenW, H: ScreenH}
	} else if !nowFullscreen && wasFullscreen {
		w.Rect = w.RectOrig
	}
	w.Flags = flags
}

// PostEvent enqueues ev on this window's event queue, dropping it if
// the queue is full (spec §4.6 failure semantics: "drop if full").
func (w *Window) PostEvent(ev defs.Event) bool {
	select {
	case w.EventQueue <- ev:
		return true
	default:
		return false
	}
}

// CurrentFramebuffer returns the framebuffer this window is currently
// displaying (front buffer), or nil if none is allocated.
func (w *Window) CurrentFramebuffer() *Framebuffer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Framebuffers[w.FrontFB]
}
