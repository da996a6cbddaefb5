package compositor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/badgevms/badgevms/defs"
	"github.com/badgevms/badgevms/proc"
	"github.com/badgevms/badgevms/vm"
)

// commandQueueDepth bounds the compositor command queue (spec §4.6:
// "a command queue (bounded)"). A caller posting to a full queue
// blocks, matching "Window API calls: post to compositor queue, then
// wait on a reply notification" in spec §5.
const commandQueueDepth = 32

// maxCommandsPerFrame bounds how many queued commands one frame
// iteration drains before moving on (spec §4.6 step 2).
const maxCommandsPerFrame = 5

// maxEventsPerFrame bounds how many keyboard events one frame
// iteration polls (spec §4.6 step 3).
const maxEventsPerFrame = 10

// numScanoutBuffers is the number of hardware scan-out framebuffers
// rotated round-robin (spec §4.6: "three hardware scan-out
// framebuffers rotated round-robin").
const numScanoutBuffers = 3

// focusMoveStep is how far Fn+arrow moves the focused window, in
// pixels, per spec §4.6 step 3(c).
const focusMoveStep = 10

type commandKind int

const (
	cmdWindowCreate commandKind = iota
	cmdWindowDestroy
	cmdWindowFlags
	cmdFramebufferFree
)

type command struct {
	kind   commandKind
	window *Window
	flags  WindowFlag
	fbNum  int
	reply  chan struct{}
}

// Panel is the hardware scan-out surface a Compositor drives: its
// native geometry plus the ability to receive blits and present a
// completed frame. A concrete ST7703/PPA-backed implementation lives
// outside this package; tests use a software stand-in.
type Panel interface {
	Size() (w, h int, format defs.PixelFormat, refreshHz float64)
	Blit(dstRect Rect, src []byte, srcRect Rect, srcFormat defs.PixelFormat, rotation int) error
	Present(scanoutIndex int)
}

// KeyboardSource polls for up to max pending input events.
type KeyboardSource interface {
	PollEvents(max int) []defs.Event
}

// Compositor owns the window stack, the scan-out framebuffers, and
// the vsync-driven frame loop described in spec §4.6.
type Compositor struct {
	mu      sync.Mutex
	windows []*Window // head (index 0) is focused

	panel    Panel
	keyboard KeyboardSource
	sched    *proc.Scheduler
	log      *zap.Logger

	vsync    chan struct{}
	commands chan command

	curScanout        int
	backgroundDamaged uint8 // 3 bits, one per scan-out buffer
	visibleValid      bool

	fnHeld bool

	stop chan struct{}
}

// New constructs a Compositor. sched may be nil if priority elevation
// is not exercised (e.g. in tests focused on region algebra).
func New(panel Panel, keyboard KeyboardSource, sched *proc.Scheduler, log *zap.Logger) *Compositor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compositor{
		panel:             panel,
		keyboard:          keyboard,
		sched:             sched,
		log:               log,
		vsync:             make(chan struct{}, 1),
		commands:          make(chan command, commandQueueDepth),
		backgroundDamaged: (1 << numScanoutBuffers) - 1,
		stop:              make(chan struct{}),
	}
}

// Vsync signals that a new scan-out interval has begun. Non-blocking:
// a coalesced pending signal is enough, matching a binary semaphore.
func (c *Compositor) Vsync() {
	select {
	case c.vsync <- struct{}{}:
	default:
	}
}

// Stop halts the frame loop started by Run.
func (c *Compositor) Stop() { close(c.stop) }

func (c *Compositor) post(cmd command) {
	cmd.reply = make(chan struct{})
	c.commands <- cmd
	<-cmd.reply
}

// CreateWindow posts a WINDOW_CREATE command and blocks for the
// compositor's acknowledgement.
func (c *Compositor) CreateWindow(w *Window) {
	c.post(command{kind: cmdWindowCreate, window: w})
}

// DestroyWindow posts a WINDOW_DESTROY command and blocks for the
// compositor's acknowledgement.
func (c *Compositor) DestroyWindow(w *Window) {
	c.post(command{kind: cmdWindowDestroy, window: w})
}

// SetFlags posts a WINDOW_FLAGS command and blocks for the
// compositor's acknowledgement.
func (c *Compositor) SetFlags(w *Window, flags WindowFlag) {
	c.post(command{kind: cmdWindowFlags, window: w, flags: flags})
}

// FreeFramebuffer posts a FRAMEBUFFER_FREE command for slot fbNum of
// w and blocks for the compositor's acknowledgement.
func (c *Compositor) FreeFramebuffer(w *Window, fbNum int) {
	c.post(command{kind: cmdFramebufferFree, window: w, fbNum: fbNum})
}

func pushWindow(stack []*Window, w *Window) []*Window {
	return append([]*Window{w}, stack...)
}

func removeWindow(stack []*Window, w *Window) []*Window {
	out := stack[:0:0]
	for _, cur := range stack {
		if cur != w {
			out = append(out, cur)
		}
	}
	return out
}

// drainCommands processes up to maxCommandsPerFrame queued commands,
// per spec §4.6 step 2 ("rest deferred to next frame").
func (c *Compositor) drainCommands() {
	for i := 0; i < maxCommandsPerFrame; i++ {
		var cmd command
		select {
		case cmd = <-c.commands:
		default:
			return
		}

		c.mu.Lock()
		switch cmd.kind {
		case cmdWindowCreate:
			c.windows = pushWindow(c.windows, cmd.window)
		case cmdWindowDestroy:
			c.windows = removeWindow(c.windows, cmd.window)
		case cmdWindowFlags:
			cmd.window.SetFlags(cmd.flags)
		case cmdFramebufferFree:
			c.freeFramebufferLocked(cmd.window, cmd.fbNum)
		}
		c.backgroundDamaged = (1 << numScanoutBuffers) - 1
		c.visibleValid = false
		c.mu.Unlock()

		close(cmd.reply)
	}
}

// freeFramebufferLocked releases one framebuffer slot; if the other
// slot is still allocated, the front buffer demotes to it and any
// task blocked on its clean-flag wakes (spec §4.6's FRAMEBUFFER_FREE).
func (c *Compositor) freeFramebufferLocked(w *Window, fbNum int) {
	if fbNum < 0 || fbNum >= len(w.Framebuffers) {
		return
	}
	fb := w.Framebuffers[fbNum]
	w.Framebuffers[fbNum] = nil
	if fb != nil {
		fb.MarkCleanAndWake()
	}

	other := 1 - fbNum
	if w.Framebuffers[other] != nil {
		w.FrontFB = other
		w.BackFB = fbNum
	}
}

// routeKeyboard polls up to maxEventsPerFrame keyboard events,
// intercepting Fn/Alt-Tab/Cross per spec §4.6 step 3, and routes
// everything else to the focused window's event queue.
func (c *Compositor) routeKeyboard() {
	if c.keyboard == nil {
		return
	}
	events := c.keyboard.PollEvents(maxEventsPerFrame)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range events {
		if ev.Modifiers&defs.ModFn != 0 {
			c.fnHeld = ev.Down || c.fnHeld && ev.Type != defs.EventKeyUp
		}
		if ev.Type == defs.EventKeyUp && ev.Keycode == keycodeFn {
			c.fnHeld = false
		}
		if ev.Type == defs.EventKeyDown && ev.Keycode == keycodeFn {
			c.fnHeld = true
		}
		if ev.Keycode == keycodeFn {
			continue
		}

		if len(c.windows) == 0 {
			continue
		}
		focused := c.windows[0]

		switch {
		case ev.Type == defs.EventKeyDown && ev.Modifiers&defs.ModAlt != 0 && ev.Keycode == keycodeTab:
			c.cycleFocusLocked()
			continue

		case c.fnHeld && ev.Type == defs.EventKeyDown && isArrowKey(ev.Keycode):
			moveFocusedWindow(focused, ev.Keycode)
			continue

		case c.fnHeld && ev.Type == defs.EventKeyDown && ev.Keycode == keycodeCross:
			if c.sched != nil {
				c.sched.Kill(focused.TaskPID)
			}
			continue
		}

		focused.PostEvent(ev)
	}
}

// Keycodes this package intercepts. Concrete values are assigned by
// the keyboard driver; these are the ones the compositor must
// recognize regardless of driver, per spec §4.6 step 3.
const (
	keycodeFn    = -1
	keycodeTab   = -2
	keycodeCross = -3
	keycodeUp    = -4
	keycodeDown  = -5
	keycodeLeft  = -6
	keycodeRight = -7
)

func isArrowKey(code int) bool {
	switch code {
	case keycodeUp, keycodeDown, keycodeLeft, keycodeRight:
		return true
	}
	return false
}

func moveFocusedWindow(w *Window, code int) {
	pos := w.Rect
	switch code {
	case keycodeUp:
		pos.Y -= focusMoveStep
	case keycodeDown:
		pos.Y += focusMoveStep
	case keycodeLeft:
		pos.X -= focusMoveStep
	case keycodeRight:
		pos.X += focusMoveStep
	}
	clamped := w.ClampPosition(pos)
	w.Rect.X, w.Rect.Y = clamped.X, clamped.Y
}

// cycleFocusLocked moves the window after the current head to the
// head of the stack (Alt-Tab -> head->next).
func (c *Compositor) cycleFocusLocked() {
	if len(c.windows) < 2 {
		return
	}
	next := c.windows[1]
	c.windows = pushWindow(removeWindow(c.windows, next), next)
}

// scale computes the preserve-aspect-ratio scale factor between a
// window's content rect and its framebuffer's native size.
func scale(rect Rect, fb *Framebuffer) float64 {
	if fb == nil || fb.W == 0 || fb.H == 0 {
		return 1
	}
	sw := float64(rect.W) / float64(fb.W)
	sh := float64(rect.H) / float64(fb.H)
	if sw < sh {
		return sw
	}
	return sh
}

// recomputeVisible recomputes one window's visible rectangle set by
// subtracting every above-it (earlier in the stack) window's content
// rect, merging, and splitting any PPA-problematic rectangle.
func recomputeVisible(w *Window, stack []*Window, sc float64) {
	visible := []Rect{w.ContentRect()}

	for _, occluder := range stack {
		if occluder == w {
			break
		}
		var next []Rect
		occluderRect := occluder.ContentRect()
		for _, r := range visible {
			next = append(next, Subtract(r, occluderRect)...)
			if len(next) > MaxVisibleRects {
				next = next[:MaxVisibleRects]
			}
		}
		visible = next
		if len(visible) == 0 {
			break
		}
	}

	visible = MergeRects(visible)
	visible = SplitProblematicRects(visible, sc)
	w.Visible = visible
}

// RunOnce executes one frame-loop iteration (spec §4.6 steps 1-7),
// blocking on vsync first. Exported so callers can step the
// compositor deterministically in tests; Run drives this in a loop
// until Stop is called.
func (c *Compositor) RunOnce() {
	<-c.vsync

	c.drainCommands()
	c.routeKeyboard()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backgroundDamaged&(1<<c.curScanout) != 0 {
		// The background is not filled here (Panel has no fill
		// operation); only this scan-out buffer's damage bit is
		// cleared.
		c.backgroundDamaged &^= 1 << c.curScanout
	}

	anyDrawn := false

	// Walk back-to-front: reverse stack order (tail drawn first).
	for i := len(c.windows) - 1; i >= 0; i-- {
		w := c.windows[i]

		if c.sched != nil {
			if i == 0 && w.Flags&FlagFullscreen != 0 && w.Flags&FlagLowPriority == 0 {
				c.sched.RaiseForeground(w.TaskPID)
			} else {
				c.sched.LowerToNormal(w.TaskPID)
			}
		}

		fb := w.CurrentFramebuffer()
		if fb == nil {
			continue
		}

		sc := scale(w.Rect, fb)
		if !c.visibleValid {
			recomputeVisible(w, c.windows, sc)
		}

		drewAny := false
		for _, rect := range w.Visible {
			if c.panel == nil {
				continue
			}
			srcRect := contentRectToFramebuffer(rect, w, sc)
			if err := c.panel.Blit(rect, nil, srcRect, fb.Format, 0); err != nil {
				c.log.Warn("compositor: blit failed, skipping rect", zap.Error(err))
				continue
			}
			drewAny = true
		}

		if len(w.Visible) > 0 {
			fb.MarkCleanAndWake()
		}

		if drewAny {
			anyDrawn = true
			if w.Flags&FlagFullscreen == 0 {
				// renderDecorations runs after the content blit and
				// builds the title-bar image; RunOnce does not blit
				// that image to the panel.
				renderDecorations(w)
			}
		}
	}

	c.visibleValid = true

	if anyDrawn && c.panel != nil {
		c.panel.Present(c.curScanout)
		c.curScanout = (c.curScanout + 1) % numScanoutBuffers
	}
}

// contentRectToFramebuffer maps a visible content-space rectangle
// back into the window's framebuffer coordinate space (inverse
// scale), clamped to the framebuffer bounds.
func contentRectToFramebuffer(rect Rect, w *Window, sc float64) Rect {
	content := rect
	if w.Flags&FlagFullscreen == 0 {
		content.X -= w.Rect.X + BorderPx
		content.Y -= w.Rect.Y + BorderTopPx
	}

	fb := w.CurrentFramebuffer()
	startX := int(float64(content.X) / sc)
	startY := int(float64(content.Y) / sc)
	endX := int(float64(content.X+content.W) / sc)
	endY := int(float64(content.Y+content.H) / sc)

	if fb != nil {
		startX, startY = clampInt(startX, 0, fb.W), clampInt(startY, 0, fb.H)
		endX, endY = clampInt(endX, 0, fb.W), clampInt(endY, 0, fb.H)
	}
	return Rect{X: startX, Y: startY, W: endX - startX, H: endY - startY}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Run drives the frame loop until Stop is called. Intended to run on
// its own goroutine, matching the compositor's dedicated kernel
// thread (spec §5).
func (c *Compositor) Run() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		c.RunOnce()
	}
}

// AllocateFramebuffer carves out a scan-out-able framebuffer for slot
// fbNum of w from the vm framebuffer arena.
func AllocateFramebuffer(vmm *vm.Manager, w *Window, fbNum, width, height int, format defs.PixelFormat) defs.Err_t {
	size := uint64(width*height) * uint64(format.BytesPerPixel())
	r, err := vmm.AllocateFramebuffer(size)
	if err != defs.OK {
		return err
	}
	w.Framebuffers[fbNum] = newFramebuffer(r, width, height, format)
	return defs.OK
}
