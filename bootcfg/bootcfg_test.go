package bootcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/badgevms/badgevms/defs"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesAppsAndAppliesDefaultStackSize(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "init.toml", `
[[apps]]
name = "launcher"
path = "FLASH0:[apps]launcher.elf"
restart_on_failure = true

[[apps]]
name = "clock"
path = "FLASH0:[apps]clock.elf"
run_once = true
stack_size = 4096
args = ["--quiet"]
`)

	var cfg Config
	errno := Load(&cfg, path, nil)
	require.Equal(t, defs.OK, errno)
	require.Len(t, cfg.Apps, 2)

	require.Equal(t, "launcher", cfg.Apps[0].Name)
	require.True(t, cfg.Apps[0].RestartOnFailure)
	require.Equal(t, defaultStackSize, cfg.Apps[0].StackSize)

	require.Equal(t, "clock", cfg.Apps[1].Name)
	require.True(t, cfg.Apps[1].RunOnce)
	require.Equal(t, 4096, cfg.Apps[1].StackSize)
	require.Equal(t, []string{"clock.elf", "--quiet"}, cfg.Apps[1].Argv())
}

func TestLoadMissingFileReportsENOENT(t *testing.T) {
	var cfg Config
	errno := Load(&cfg, filepath.Join(t.TempDir(), "missing.toml"), nil)
	require.Equal(t, -defs.ENOENT, errno)
}

func TestLoadMalformedTomlReportsEINVAL(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.toml", "this is not [ valid toml")

	var cfg Config
	errno := Load(&cfg, path, nil)
	require.Equal(t, -defs.EINVAL, errno)
}

func TestLoadSecondFileReplacesAppByName(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "a.toml", `
[[apps]]
name = "launcher"
path = "FLASH0:[apps]launcher.elf"
stack_size = 2048
`)
	second := writeFile(t, dir, "b.toml", `
[[apps]]
name = "launcher"
path = "SD0:[apps]launcher.elf"
stack_size = 16384
`)

	var cfg Config
	require.Equal(t, defs.OK, Load(&cfg, first, nil))
	require.Equal(t, defs.OK, Load(&cfg, second, nil))

	require.Len(t, cfg.Apps, 1)
	require.Equal(t, "SD0:[apps]launcher.elf", cfg.Apps[0].Path)
	require.Equal(t, 16384, cfg.Apps[0].StackSize)
}

func TestArgvUsesBasenameAfterDeviceOrDirectorySeparator(t *testing.T) {
	app := App{Path: "FLASH0:[apps.sub]game.elf"}
	require.Equal(t, []string{"game.elf"}, app.Argv())

	app2 := App{Path: "noseparator.elf"}
	require.Equal(t, []string{"noseparator.elf"}, app2.Argv())
}

func TestNVSShouldRunTracksRunOnceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvs.json")

	nvs, errno := OpenNVS(path, nil)
	require.Equal(t, defs.OK, errno)

	runOnceApp := App{Name: "clock", RunOnce: true}
	require.True(t, nvs.ShouldRun(runOnceApp))

	require.Equal(t, defs.OK, nvs.MarkRun(runOnceApp))
	require.False(t, nvs.ShouldRun(runOnceApp))

	reopened, errno := OpenNVS(path, nil)
	require.Equal(t, defs.OK, errno)
	require.False(t, reopened.ShouldRun(runOnceApp))
}

func TestNVSShouldRunAlwaysTrueWithoutRunOnce(t *testing.T) {
	nvs, errno := OpenNVS(filepath.Join(t.TempDir(), "nvs.json"), nil)
	require.Equal(t, defs.OK, errno)

	app := App{Name: "launcher", RunOnce: false}
	require.True(t, nvs.ShouldRun(app))
	require.Equal(t, defs.OK, nvs.MarkRun(app))
	require.True(t, nvs.ShouldRun(app))
}

func TestOpenNVSMissingFileStartsEmpty(t *testing.T) {
	nvs, errno := OpenNVS(filepath.Join(t.TempDir(), "does-not-exist.json"), nil)
	require.Equal(t, defs.OK, errno)
	_, found := nvs.GetBool("anything")
	require.False(t, found)
}
