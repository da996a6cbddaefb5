package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/badgevms/badgevms/bootcfg"
	"github.com/badgevms/badgevms/buddy"
	"github.com/badgevms/badgevms/compositor"
	"github.com/badgevms/badgevms/defs"
	"github.com/badgevms/badgevms/proc"
)

type nopMMU struct{}

func (nopMMU) MapRegion(vaddr, paddr uintptr, size uint64) defs.Err_t { return defs.OK }
func (nopMMU) UnmapRegion(vaddr uintptr, size uint64) defs.Err_t      { return defs.OK }
func (nopMMU) Invalidate(vaddr uintptr, size uint64)                  {}
func (nopMMU) Writeback(vaddr uintptr, size uint64)                   {}

type fakePanel struct{}

func (fakePanel) Size() (int, int, defs.PixelFormat, float64) {
	return compositor.ScreenW, compositor.ScreenH, defs.PixelFormatRGBA8888, 60
}
func (fakePanel) Blit(dstRect compositor.Rect, src []byte, srcRect compositor.Rect, srcFormat defs.PixelFormat, rotation int) error {
	return nil
}
func (fakePanel) Present(scanoutIndex int) {}

func testConfig() Config {
	return Config{
		PagePoolStart:        0x1000,
		PagePoolEnd:          0x1000 + 64*buddy.PageSize,
		FramebufferPoolStart: 0x2000000,
		FramebufferPoolEnd:   0x2000000 + 16*buddy.PageSize,
		VAddrTaskStart:       0x4000_0000,
		VAddrHigh:            0x8000_0000,
		MMU:                  nopMMU{},
		Panel:                fakePanel{},
	}
}

func TestNewWiresEverySubsystem(t *testing.T) {
	k, errno := New(testConfig(), nil)
	require.Equal(t, defs.OK, errno)

	require.NotNil(t, k.Pages)
	require.NotNil(t, k.Framebuffers)
	require.NotNil(t, k.VM)
	require.NotNil(t, k.Scheduler)
	require.NotNil(t, k.Devices)
	require.NotNil(t, k.LogicalNames)
	require.NotNil(t, k.Compositor)
	t.Cleanup(k.Shutdown)
}

func TestInitLogicalNamesRegistersSearch(t *testing.T) {
	k, errno := New(testConfig(), nil)
	require.Equal(t, defs.OK, errno)
	t.Cleanup(k.Shutdown)

	require.Equal(t, defs.OK, k.InitLogicalNames())
	target, ok := k.LogicalNames.Get("SEARCH")
	require.True(t, ok)
	require.Equal(t, []string{"FLASH0:[SUBDIR]", "FLASH0:[SUBDIR.ANOTHER]"}, target.Values)
}

func TestLoadBootConfigMergesAcrossFilesAndToleratesMissingSecondary(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "primary.toml")
	writeTestFile(t, primary, `
[[apps]]
name = "launcher"
path = "FLASH0:[apps]launcher.elf"
`)

	k, errno := New(testConfig(), nil)
	require.Equal(t, defs.OK, errno)
	t.Cleanup(k.Shutdown)

	errno = k.LoadBootConfig([]string{primary, filepath.Join(dir, "does-not-exist.toml")})
	require.Equal(t, defs.OK, errno)
	require.Len(t, k.BootConfig.Apps, 1)
	require.Equal(t, "launcher", k.BootConfig.Apps[0].Name)
}

func TestStartBootAppsSkipsAlreadyRunOnceApps(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "init.toml")
	writeTestFile(t, cfgPath, `
[[apps]]
name = "setup"
path = "FLASH0:[apps]setup.elf"
run_once = true
`)

	cfg := testConfig()
	cfg.NVSPath = filepath.Join(dir, "nvs.json")
	k, errno := New(cfg, nil)
	require.Equal(t, defs.OK, errno)
	t.Cleanup(k.Shutdown)

	require.Equal(t, defs.OK, k.LoadBootConfig([]string{cfgPath}))

	spawned := 0
	resolve := func(app bootcfg.App) (proc.TaskEntry, defs.Err_t) {
		spawned++
		return func(ctx context.Context, ti *proc.TaskInfo) int { return 0 }, defs.OK
	}

	pids := k.StartBootApps(resolve)
	require.Len(t, pids, 1)
	require.Equal(t, 1, spawned)

	// A second boot attempt should see the run_once entry already
	// recorded and skip spawning it again.
	pids = k.StartBootApps(resolve)
	require.Empty(t, pids)
	require.Equal(t, 1, spawned)
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
