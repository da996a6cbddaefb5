// Package device implements the uniform device interface and device
// registry described in spec §6, plus the per-task file-descriptor
// table that multiplexes every open device handle a task holds.
//
// Grounded on original_source/main/device.{c,h}: a name -> device_t*
// table guarded by a single mutex, `device_register` rejecting a
// duplicate name rather than overwriting it, `device_get` failing on
// an unknown name. The per-task FD table is grounded on
// original_source/badgevms/task.h's `file_handle_t file_handles[MAXFD]`
// (MAXFD == 128).
package device

import (
	"sync"

	"go.uber.org/zap"

	"github.com/badgevms/badgevms/defs"
)

// MaxFD is the size of a task's file-descriptor table (task.h's MAXFD).
const MaxFD = 128

// Device is the interface every registered device implements,
// regardless of kind — spec §6's "every registered device" surface.
type Device interface {
	Type() defs.DeviceType
	Open(path string, flags int, mode uint32) (devFD int, err defs.Err_t)
	Close(devFD int) defs.Err_t
	Read(devFD int, buf []byte) (n int, err defs.Err_t)
	Write(devFD int, buf []byte) (n int, err defs.Err_t)
	Lseek(devFD int, offset int64, whence int) (newOffset int64, err defs.Err_t)
}

// LCD is the additional surface an LCD-kind device exposes, per
// spec §6 ("LCD-specific: draw, getfb, set_refresh_cb").
type LCD interface {
	Device
	Draw(x, y, w, h int, pixels []byte) defs.Err_t
	Framebuffer(index int) ([]byte, defs.Err_t)
	SetRefreshCallback(cb func())
}

// DirEntry is one entry returned by a Filesystem's ReadDir.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Stat describes a filesystem object, mirroring the fields spec §6's
// stat/fstat surface needs.
type Stat struct {
	Size  int64
	IsDir bool
}

// Filesystem is the additional surface a FILESYSTEM-kind device
// exposes, per spec §6.
type Filesystem interface {
	Device
	Stat(path string) (Stat, defs.Err_t)
	Unlink(path string) defs.Err_t
	Mkdir(path string, mode uint32) defs.Err_t
	Rmdir(path string) defs.Err_t
	Rename(oldPath, newPath string) defs.Err_t
	OpenDir(path string) (dirFD int, err defs.Err_t)
	ReadDir(dirFD int) (DirEntry, defs.Err_t)
	CloseDir(dirFD int) defs.Err_t
	RewindDir(dirFD int) defs.Err_t
}

// Registry is the system-wide name -> Device table.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
	log     *zap.Logger
}

// NewRegistry constructs an empty device registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{devices: make(map[string]Device), log: log}
}

// Register adds a device under name. Registering an already-used name
// is a contract violation (original_source's "The device already
// exists" abort), reported here rather than replacing the device.
func (r *Registry) Register(name string, d Device) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[name]; exists {
		r.log.Error("device: register of already-registered name", zap.String("name", name))
		return -defs.EEXIST
	}
	r.devices[name] = d
	r.log.Info("device: registered", zap.String("name", name), zap.Int("type", int(d.Type())))
	return defs.OK
}

// Unregister removes a device. Removing an unknown name is reported.
func (r *Registry) Unregister(name string) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[name]; !exists {
		return -defs.ENOENT
	}
	delete(r.devices, name)
	return defs.OK
}

// Get looks up a device by name.
func (r *Registry) Get(name string) (Device, defs.Err_t) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, exists := r.devices[name]
	if !exists {
		return nil, -defs.ENOENT
	}
	return d, defs.OK
}

// fileHandle is one slot of a task's FD table (task.h's file_handle_t).
type fileHandle struct {
	isOpen bool
	devFD  int
	device Device
}

// FDTable is a single task's file-descriptor table: up to MaxFD
// simultaneously open device handles, indexed by the fd a task-level
// open/read/write/close syscall uses.
type FDTable struct {
	mu      sync.Mutex
	handles [MaxFD]fileHandle
	log     *zap.Logger
}

// NewFDTable constructs an empty, MaxFD-slot file-descriptor table.
func NewFDTable(log *zap.Logger) *FDTable {
	if log == nil {
		log = zap.NewNop()
	}
	return &FDTable{log: log}
}

// Open resolves a free slot in the table and opens path on dev,
// returning the task-visible fd. Returns -ENOMEM if the table is
// full, matching spec §7's ResourceExhaustion classification for a
// "table-full" condition.
func (t *FDTable) Open(dev Device, path string, flags int, mode uint32) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := -1
	for i := range t.handles {
		if !t.handles[i].isOpen {
			slot = i
			break
		}
	}
	if slot == -1 {
		t.log.Warn("device: fd table full")
		return -1, -defs.ENOMEM
	}

	devFD, err := dev.Open(path, flags, mode)
	if err != defs.OK {
		return -1, err
	}
	t.handles[slot] = fileHandle{isOpen: true, devFD: devFD, device: dev}
	return slot, defs.OK
}

func (t *FDTable) lookup(fd int) (*fileHandle, defs.Err_t) {
	if fd < 0 || fd >= MaxFD {
		return nil, -defs.EBADF
	}
	h := &t.handles[fd]
	if !h.isOpen {
		return nil, -defs.EBADF
	}
	return h, defs.OK
}

// Close releases fd, invoking the underlying device's Close.
func (t *FDTable) Close(fd int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.lookup(fd)
	if err != defs.OK {
		return err
	}
	closeErr := h.device.Close(h.devFD)
	*h = fileHandle{}
	return closeErr
}

// Read reads from fd into buf.
func (t *FDTable) Read(fd int, buf []byte) (int, defs.Err_t) {
	t.mu.Lock()
	h, err := t.lookup(fd)
	t.mu.Unlock()
	if err != defs.OK {
		return -1, err
	}
	return h.device.Read(h.devFD, buf)
}

// Write writes buf to fd.
func (t *FDTable) Write(fd int, buf []byte) (int, defs.Err_t) {
	t.mu.Lock()
	h, err := t.lookup(fd)
	t.mu.Unlock()
	if err != defs.OK {
		return -1, err
	}
	return h.device.Write(h.devFD, buf)
}

// Lseek repositions fd's offset.
func (t *FDTable) Lseek(fd int, offset int64, whence int) (int64, defs.Err_t) {
	t.mu.Lock()
	h, err := t.lookup(fd)
	t.mu.Unlock()
	if err != defs.OK {
		return -1, err
	}
	return h.device.Lseek(h.devFD, offset, whence)
}

// Count reports how many fds are currently open, for diagnostics and
// for the "current_files" bookkeeping task.h carries per task.
func (t *FDTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.handles {
		if t.handles[i].isOpen {
			n++
		}
	}
	return n
}

// CloseAll closes every open fd, invoked when a task dies so no
// device handle outlives its owner.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.handles {
		if t.handles[i].isOpen {
			t.handles[i].device.Close(t.handles[i].devFD)
			t.handles[i] = fileHandle{}
		}
	}
}
