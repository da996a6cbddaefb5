// Package kernel wires every subsystem package into one running
// instance and drives the boot sequence, playing the role
// original_source/badgevms/why2025_firmware.c's app_main plays: bring
// up memory, the scheduler, devices, logical names and the
// compositor in order, then start the apps named in the boot config.
package kernel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/badgevms/badgevms/bootcfg"
	"github.com/badgevms/badgevms/buddy"
	"github.com/badgevms/badgevms/compositor"
	"github.com/badgevms/badgevms/defs"
	"github.com/badgevms/badgevms/device"
	"github.com/badgevms/badgevms/logicalname"
	"github.com/badgevms/badgevms/proc"
	"github.com/badgevms/badgevms/vm"
)

// defaultSearchList is the SEARCH logical name why2025_firmware.c
// registers once FLASH0 exists, so an unqualified filename resolves
// against a couple of conventional subdirectories.
const defaultSearchList = "FLASH0:[SUBDIR], FLASH0:[SUBDIR.ANOTHER]"

// Config carries everything a Kernel needs that this package cannot
// decide for itself: the pool spans (board-specific memory layout),
// the MMU/Panel/KeyboardSource hardware bindings, and where the boot
// config and run-once store live.
type Config struct {
	PagePoolStart uintptr
	PagePoolEnd   uintptr

	FramebufferPoolStart uintptr
	FramebufferPoolEnd   uintptr

	VAddrTaskStart uintptr
	VAddrHigh      uintptr

	MMU      vm.MMU
	Panel    compositor.Panel
	Keyboard compositor.KeyboardSource

	BootConfigPaths []string // e.g. {"FLASH0:init.toml", "SD0:init.toml"}
	NVSPath         string
}

// Kernel is the fully wired instance: every subsystem plus the boot
// config it loaded, exposed for cmd/badgevmsd and for tests driving a
// boot sequence end to end.
type Kernel struct {
	Log *zap.Logger

	Pages        *buddy.Allocator
	Framebuffers *buddy.Allocator
	VM           *vm.Manager
	Scheduler    *proc.Scheduler
	Devices      *device.Registry
	LogicalNames *logicalname.Table
	Compositor   *compositor.Compositor
	NVS          *bootcfg.NVS

	BootConfig bootcfg.Config
}

// New constructs a Kernel, mirroring app_main's memory_init/task_init/
// device_init/logical_names_system_init sequence: allocators and the
// vm manager first, the scheduler (which owns the pid/process tables)
// next, then the device registry and logical-name table, which have
// no dependency on each other or on the scheduler.
func New(cfg Config, log *zap.Logger) (*Kernel, defs.Err_t) {
	if log == nil {
		log = zap.NewNop()
	}

	pages := buddy.New(log.Named("buddy.pages"))
	if !pages.InitPool(cfg.PagePoolStart, cfg.PagePoolEnd, 0) {
		return nil, -defs.ENOMEM
	}

	framebuffers := buddy.New(log.Named("buddy.framebuffers"))
	if !framebuffers.InitPool(cfg.FramebufferPoolStart, cfg.FramebufferPoolEnd, 0) {
		return nil, -defs.ENOMEM
	}

	vmm := vm.NewManager(pages, framebuffers, cfg.MMU, cfg.VAddrHigh, log.Named("vm"))
	sched := proc.NewScheduler(vmm, log.Named("proc"))
	devices := device.NewRegistry(log.Named("device"))
	names := logicalname.New(log.Named("logicalname"))

	var nvs *bootcfg.NVS
	if cfg.NVSPath != "" {
		var errno defs.Err_t
		nvs, errno = bootcfg.OpenNVS(cfg.NVSPath, log.Named("bootcfg"))
		if errno != defs.OK {
			return nil, errno
		}
	}

	k := &Kernel{
		Log:          log,
		Pages:        pages,
		Framebuffers: framebuffers,
		VM:           vmm,
		Scheduler:    sched,
		Devices:      devices,
		LogicalNames: names,
		NVS:          nvs,
	}

	if cfg.Panel != nil {
		k.Compositor = compositor.New(cfg.Panel, cfg.Keyboard, sched, log.Named("compositor"))
	}

	return k, defs.OK
}

// RegisterDevice registers dev under name, matching why2025_firmware.c's
// device_register(...) calls.
func (k *Kernel) RegisterDevice(name string, dev device.Device) defs.Err_t {
	return k.Devices.Register(name, dev)
}

// RunCompositor starts the compositor's frame loop on its own
// goroutine, matching the compositor's dedicated kernel thread (spec
// §5). Safe to call only once; StopCompositor halts it.
func (k *Kernel) RunCompositor() {
	if k.Compositor == nil {
		return
	}
	go k.Compositor.Run()
}

// StopCompositor halts the frame loop started by RunCompositor.
func (k *Kernel) StopCompositor() {
	if k.Compositor != nil {
		k.Compositor.Stop()
	}
}

// InitLogicalNames registers the default SEARCH logical name, matching
// the logical_name_set("SEARCH", ..., false) call in
// why2025_firmware.c. Callers that need additional entries (device
// aliases, USER, etc.) register them directly on k.LogicalNames.
func (k *Kernel) InitLogicalNames() defs.Err_t {
	return k.LogicalNames.Set("SEARCH", defaultSearchList, false)
}

// LoadBootConfig loads and merges every path in order into
// k.BootConfig, matching init.c's load_config calls across
// FLASH0:init.toml then SD0:init.toml. A later path's apps replace
// earlier ones of the same name. A missing file is skipped at any
// position, as init.c tolerates a missing SD0:init.toml. Any other
// load failure (malformed TOML) is returned only for the first path;
// for a later path it is logged and that path is skipped.
func (k *Kernel) LoadBootConfig(paths []string) defs.Err_t {
	for i, path := range paths {
		errno := bootcfg.Load(&k.BootConfig, path, k.Log.Named("bootcfg"))
		if errno == -defs.ENOENT {
			k.Log.Warn("kernel: boot config not found, skipping", zap.String("path", path))
			continue
		}
		if errno != defs.OK {
			if i == 0 {
				return errno
			}
			k.Log.Warn("kernel: secondary boot config failed to load", zap.String("path", path))
			continue
		}
	}
	return defs.OK
}

// Spawner abstracts the entry-point resolution run_task_path performs
// (loading and mapping an ELF file) — out of scope per this module's
// non-goals. Callers supply a function that turns a boot-config app
// entry into a ready-to-schedule TaskEntry.
type Spawner func(app bootcfg.App) (proc.TaskEntry, defs.Err_t)

// StartBootApps spawns every app in k.BootConfig that is eligible to
// run (ShouldRun), via resolve, then marks run_once apps as having
// run, mirroring init.c's run_init loop body (skip-if-already-run,
// spawn, nvs_set_u8 + nvs_commit). A spawn failure is logged and that
// app is skipped, matching "Failed to start %s" falling through to
// the next entry instead of aborting the whole boot.
func (k *Kernel) StartBootApps(resolve Spawner) []int {
	var pids []int
	for _, app := range k.BootConfig.Apps {
		if k.NVS != nil && !k.NVS.ShouldRun(app) {
			k.Log.Info("kernel: run_once app already ran, skipping", zap.String("app", app.Name))
			continue
		}

		entry, errno := resolve(app)
		if errno != defs.OK {
			k.Log.Warn("kernel: failed to resolve boot app entry", zap.String("app", app.Name), zap.Error(fmt.Errorf("errno %d", errno)))
			continue
		}

		pid, errno := k.Scheduler.Spawn(proc.SpawnRequest{
			ParentPid:      0,
			Type:           defs.TaskELF,
			Argv:           app.Argv(),
			ApplicationUID: app.Name,
			VAddrStart:     0,
			Entry:          entry,
		})
		if errno != defs.OK {
			k.Log.Warn("kernel: failed to start boot app", zap.String("app", app.Name))
			continue
		}

		k.Log.Info("kernel: started boot app", zap.String("app", app.Name), zap.Int("pid", pid))
		pids = append(pids, pid)

		if k.NVS != nil {
			if errno := k.NVS.MarkRun(app); errno != defs.OK {
				k.Log.Warn("kernel: failed to record run_once state", zap.String("app", app.Name))
			}
		}
	}
	return pids
}

// Shutdown tears down every background goroutine this Kernel started.
func (k *Kernel) Shutdown() {
	k.StopCompositor()
	k.Scheduler.Stop()
}
