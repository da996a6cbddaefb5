// Command badgevmsd boots a kernel.Kernel, loads init.toml, and serves
// the debug/metrics HTTP surface, playing the role
// original_source/badgevms/why2025_firmware.c's app_main plays on
// real hardware. MMU register encodings and concrete device drivers
// are out of scope (this module's non-goals): softMMU below is a
// memory-backed stand-in good enough to exercise every kernel package
// end to end without ESP-IDF.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/badgevms/badgevms/bootcfg"
	"github.com/badgevms/badgevms/defs"
	"github.com/badgevms/badgevms/kernel"
	"github.com/badgevms/badgevms/metrics"
	"github.com/badgevms/badgevms/proc"
	"github.com/badgevms/badgevms/res"
)

// softMMU is a memory-backed stand-in for the hardware MMU
// (mmu_hal/cache_hal in original_source/badgevms/memory.c): it tracks
// mappings without touching any real page table, matching the
// "MMU register encodings ... out of scope" non-goal.
type softMMU struct {
	mapped map[uintptr]uintptr
}

func newSoftMMU() *softMMU { return &softMMU{mapped: map[uintptr]uintptr{}} }

func (m *softMMU) MapRegion(vaddr, paddr uintptr, size uint64) defs.Err_t {
	m.mapped[vaddr] = paddr
	return defs.OK
}

func (m *softMMU) UnmapRegion(vaddr uintptr, size uint64) defs.Err_t {
	delete(m.mapped, vaddr)
	return defs.OK
}

func (m *softMMU) Invalidate(vaddr uintptr, size uint64) {}
func (m *softMMU) Writeback(vaddr uintptr, size uint64)  {}

const (
	pagePoolSize        = 4096 * 64 * 1024        // 4096 pages
	framebufferPoolSize = 64 * 64 * 1024          // 64 pages
	vaddrTaskStart      = uintptr(0x4000_0000)
	vaddrHigh           = uintptr(0x8000_0000)
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics and /debug/pprof on")
	bootPath := flag.String("boot-config", "FLASH0:init.toml", "primary boot config path")
	sdBootPath := flag.String("sd-boot-config", "SD0:init.toml", "secondary boot config path, tolerated if missing")
	nvsPath := flag.String("nvs-path", "badgevms_init.json", "run-once tracker backing file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("BadgeVMS initializing")

	cfg := kernel.Config{
		PagePoolStart:        0x1000,
		PagePoolEnd:          0x1000 + pagePoolSize,
		FramebufferPoolStart: 0x2000_0000,
		FramebufferPoolEnd:   0x2000_0000 + framebufferPoolSize,
		VAddrTaskStart:       vaddrTaskStart,
		VAddrHigh:            vaddrHigh,
		MMU:                  newSoftMMU(),
		BootConfigPaths:      []string{*bootPath, *sdBootPath},
		NVSPath:              *nvsPath,
	}

	k, errno := kernel.New(cfg, log)
	if errno != defs.OK {
		log.Fatal("kernel: failed to initialize", zap.Int("errno", int(errno)))
	}

	if errno := k.InitLogicalNames(); errno != defs.OK {
		log.Warn("kernel: failed to register default logical names", zap.Int("errno", int(errno)))
	}

	if errno := k.LoadBootConfig(cfg.BootConfigPaths); errno != defs.OK {
		log.Fatal("kernel: failed to load boot config", zap.Int("errno", int(errno)))
	}

	// ELF loading is out of scope (non-goal): the boot loop logs what
	// it would have started rather than resolving a real entry point.
	pids := k.StartBootApps(func(app bootcfg.App) (proc.TaskEntry, defs.Err_t) {
		log.Info("kernel: would load application binary",
			zap.String("app", app.Name), zap.String("path", app.Path))
		return func(ctx context.Context, ti *proc.TaskInfo) int {
			<-ctx.Done()
			return 0
		}, defs.OK
	})
	log.Info("BadgeVMS ready", zap.Ints("boot_pids", pids))

	registry := metrics.NewRegistry()
	server := metrics.NewServer(registry)
	go reportMetrics(k, registry, log)
	go func() {
		if err := server.Run(*metricsAddr); err != nil {
			log.Error("metrics: server exited", zap.Error(err))
		}
	}()

	waitForSignal(log)
	k.Shutdown()
}

// reportMetrics periodically samples allocator occupancy, the live
// task count, and resource-tracker contract violations into registry,
// matching run_init's periodic "Free main memory" status line.
func reportMetrics(k *kernel.Kernel, registry *metrics.Registry, log *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		registry.SetAllocatorOccupancy(k.Pages)
		registry.SetLivePids(k.Scheduler.ProcessTable().Count())
		registry.SetContractViolations(res.ContractViolationCount())
	}
}

func waitForSignal(log *zap.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigs
	log.Info("BadgeVMS shutting down", zap.String("signal", s.String()))
}
