// Package bootcfg loads the boot application list (spec §6's "Boot
// config" collaborator) from init.toml and tracks which run_once
// entries have already executed in an NVS-backed key/value store.
//
// Grounded on original_source/badgevms/init.c's parse_app/load_config/
// run_init: a TOML table of app entries plus a tiny persistent
// boolean-per-name store, reworked into idiomatic Go — tomlc17's
// hand-rolled datum walk becomes a pelletier/go-toml/v2 struct
// unmarshal, and the ESP-IDF nvs_handle_t becomes a small file-backed
// key/value store behind the same two-call (Get/Set) shape.
package bootcfg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/badgevms/badgevms/defs"
)

// defaultStackSize mirrors init.c's parse_app fallback when
// stack_size is absent from an app table.
const defaultStackSize = 8192

// App is one application entry from init.toml's apps array
// (original_source's startup_app_t, minus the runtime-only fields
// init.c threads onto it after spawning).
type App struct {
	Name             string   `toml:"name"`
	Path             string   `toml:"path"`
	RestartOnFailure bool     `toml:"restart_on_failure"`
	RunOnce          bool     `toml:"run_once"`
	StackSize        int      `toml:"stack_size"`
	Args             []string `toml:"args"`
}

// Argv builds the argv init.c constructs for process_create: argv[0]
// is the path's basename (the text after the last ':' or ']', the
// VMS device/directory separators), followed by Args.
func (a App) Argv() []string {
	basename := a.Path
	if i := strings.LastIndexAny(a.Path, ":]"); i >= 0 {
		basename = a.Path[i+1:]
	}
	argv := make([]string, 0, len(a.Args)+1)
	argv = append(argv, basename)
	argv = append(argv, a.Args...)
	return argv
}

type config struct {
	Apps []App `toml:"apps"`
}

// Config is the merged, deduplicated-by-name application list loaded
// from one or more init.toml files, per init.c's load_config, which
// lets a later file (e.g. SD0:init.toml) override an earlier one
// (FLASH0:init.toml) by name.
type Config struct {
	Apps []App
}

// Load parses filename as a TOML boot config and merges its apps into
// dst by name (a later Load call's entries replace earlier ones of
// the same name, exactly as init.c's load_config does across
// FLASH0:init.toml and SD0:init.toml). Applies parse_app's defaults:
// stack_size 8192 when absent.
func Load(dst *Config, filename string, log *zap.Logger) defs.Err_t {
	if log == nil {
		log = zap.NewNop()
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		log.Warn("bootcfg: cannot open config", zap.String("file", filename), zap.Error(err))
		return -defs.ENOENT
	}

	var parsed config
	if err := toml.Unmarshal(data, &parsed); err != nil {
		log.Warn("bootcfg: error parsing config", zap.String("file", filename), zap.Error(err))
		return -defs.EINVAL
	}

	for _, app := range parsed.Apps {
		if app.Name == "" || app.Path == "" {
			continue
		}
		if app.StackSize == 0 {
			app.StackSize = defaultStackSize
		}

		replaced := false
		for i := range dst.Apps {
			if dst.Apps[i].Name == app.Name {
				dst.Apps[i] = app
				replaced = true
				break
			}
		}
		if !replaced {
			dst.Apps = append(dst.Apps, app)
		}
	}
	return defs.OK
}

// NVS is a tiny file-backed key/value store standing in for the
// ESP-IDF NVS partition init.c opens as "badgevms_init" — just enough
// surface (GetBool/SetBool) to back the run-once tracker.
// Every mutation is committed immediately: there is no separate
// "commit" step to forget, unlike the original's explicit nvs_commit.
type NVS struct {
	mu   sync.Mutex
	path string
	data map[string]bool
	log  *zap.Logger
}

// OpenNVS loads (or creates) the key/value store backed by path.
func OpenNVS(path string, log *zap.Logger) (*NVS, defs.Err_t) {
	if log == nil {
		log = zap.NewNop()
	}
	n := &NVS{path: path, data: map[string]bool{}, log: log}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return n, defs.OK
		}
		log.Warn("bootcfg: cannot open nvs store", zap.String("path", path), zap.Error(err))
		return nil, -defs.EINVAL
	}
	if len(raw) == 0 {
		return n, defs.OK
	}
	if err := json.Unmarshal(raw, &n.data); err != nil {
		log.Warn("bootcfg: corrupt nvs store", zap.String("path", path), zap.Error(err))
		return nil, -defs.EINVAL
	}
	return n, defs.OK
}

// GetBool returns the stored flag for key, and whether it was present
// (mirroring nvs_get_u8's ESP_ERR_NVS_NOT_FOUND distinction).
func (n *NVS) GetBool(key string) (value bool, found bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	value, found = n.data[key]
	return value, found
}

// SetBool stores value for key and persists the store to disk,
// mirroring init.c's nvs_set_u8 followed immediately by nvs_commit.
func (n *NVS) SetBool(key string, value bool) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.data[key] = value

	raw, err := json.Marshal(n.data)
	if err != nil {
		n.log.Error("bootcfg: failed to marshal nvs store", zap.Error(err))
		return -defs.EINVAL
	}
	if err := os.MkdirAll(filepath.Dir(n.path), 0o755); err != nil {
		n.log.Error("bootcfg: failed to create nvs store directory", zap.Error(err))
		return -defs.EINVAL
	}
	if err := os.WriteFile(n.path, raw, 0o644); err != nil {
		n.log.Error("bootcfg: failed to commit nvs store", zap.String("path", n.path), zap.Error(err))
		return -defs.EINVAL
	}
	return defs.OK
}

// runOnceKey reproduces init.c's choice of NVS key: the app's bare
// name, not a namespaced variant.
func runOnceKey(appName string) string { return appName }

// ShouldRun reports whether app should be (re-)started: always true
// for a non-run_once app; for a run_once app, true only if its
// run-once key has not already been recorded, per init.c's run_init
// "has already run once" skip.
func (n *NVS) ShouldRun(app App) bool {
	if !app.RunOnce {
		return true
	}
	done, found := n.GetBool(runOnceKey(app.Name))
	return !(found && done)
}

// MarkRun records that app's run_once entry has executed, per
// run_init's nvs_set_u8(handle, app->name, 1) + nvs_commit.
func (n *NVS) MarkRun(app App) defs.Err_t {
	if !app.RunOnce {
		return defs.OK
	}
	return n.SetBool(runOnceKey(app.Name), true)
}
