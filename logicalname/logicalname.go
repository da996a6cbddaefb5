// Package logicalname implements VMS-style logical names: a table
// mapping a name to one or more target strings, with recursive
// expansion of the device, directory, and filename portions of a
// path independently of one another.
//
// Grounded on original_source/badgevms/logical_names.c. The C source
// represents a logical name's value as a (pointer, length) slice into
// a shared arena so it can rewrite a byte in place to test a
// candidate ':'-terminated device string without another allocation.
// Go strings are immutable and slicing is free, so that trick becomes
// plain string concatenation here — the recursion structure and the
// exact substitution rules it encodes are kept unchanged.
package logicalname

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/badgevms/badgevms/defs"
)

// resolveMaxDepth bounds both string resolution and path-component
// resolution recursion, so a cycle of names (CIRC1 -> CIRC2 -> CIRC1)
// terminates instead of looping forever.
const resolveMaxDepth = 15

// Target is what a logical name currently points at: one string, or
// a search list of them, plus whether expansion must stop here.
type Target struct {
	Values   []string
	Terminal bool
}

// Table is a logical-name namespace. One Table per context that
// needs its own names (the system table, and potentially a per-task
// override table layered in front of it).
type Table struct {
	mu    sync.RWMutex
	names map[string]Target
	log   *zap.Logger
}

// New constructs an empty logical-name table.
func New(log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{names: make(map[string]Target), log: log}
}

// Set defines logicalName to resolve to target. target may be a
// single string or a comma-separated search list; whitespace around
// each component is stripped and empty components are dropped, same
// as the original's component scanner. A target that reduces to zero
// components is rejected.
func (t *Table) Set(logicalName, target string, terminal bool) defs.Err_t {
	values := splitTargets(target)
	if len(values) == 0 {
		return -defs.EINVAL
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[logicalName] = Target{Values: values, Terminal: terminal}
	t.log.Debug("logicalname: set",
		zap.String("name", logicalName), zap.Strings("targets", values), zap.Bool("terminal", terminal))
	return defs.OK
}

// Get returns the raw (unexpanded) target registered for logicalName.
func (t *Table) Get(logicalName string) (Target, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.names[logicalName]
	return target, ok
}

// Del removes a logical name. Deleting a name that was never set is
// reported rather than silently ignored.
func (t *Table) Del(logicalName string) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.names[logicalName]; !ok {
		return -defs.ENOENT
	}
	delete(t.names, logicalName)
	return defs.OK
}

// Resolve fully expands logicalName and returns its final form plus
// a search-list count (1 if no list was involved). The count comes
// from the first expansion chain (one name followed to its end) whose
// last expanded name has more than one target: it is that name's
// arity, and the chain is then followed again with idx, which picks
// member idx (modulo the list length) at every search list along it.
// So a nested list reports the inner list's arity (LIST3 gives 3),
// and a chain that ends in a single-target name reports 1 even if it
// passed through a list (LIST2), which is what makes nested lists
// "kinda screwy" (see the LIST2/LIST3 cases in the tests).
func (t *Table) Resolve(logicalName string, idx int) (string, int) {
	if logicalName == "" {
		return "", 0
	}
	parsed := t.resolveComponents(parseString(logicalName), idx, 0)
	result, ok := serialize(parsed)
	if !ok {
		return "", parsed.count
	}
	return result, parsed.count
}

func splitTargets(target string) []string {
	var out []string
	for _, part := range strings.Split(target, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsedPath is a logical name or path broken into its device,
// directory, and filename components. unparsable holds the original
// string verbatim when it either contains no device separator or is
// malformed, in which case device, dirs and filename are empty.
// deviceTerminal records that device came from a terminal name and
// must not be expanded again.
type parsedPath struct {
	unparsable     string
	device         string
	dirs           []string
	filename       string
	count          int
	deviceTerminal bool
}

// parseString splits s into device/dir/filename components. It
// mirrors parse_string's single-pass scanner exactly: at most one
// ':' and one bracketed directory group are allowed, '.' separates
// directories only while inside an open bracket.
func parseString(s string) parsedPath {
	fail := func() parsedPath { return parsedPath{unparsable: s, count: 1} }

	deviceSepPos, dirStartPos, dirEndPos := -1, -1, -1
	lastDir := 0
	var dirs []string

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ':':
			if deviceSepPos != -1 {
				return fail()
			}
			deviceSepPos = i
		case '[':
			if dirStartPos != -1 {
				return fail()
			}
			dirStartPos = i
			lastDir = i + 1
		case ']':
			if dirEndPos != -1 {
				return fail()
			}
			dirEndPos = i
			dirs = append(dirs, s[lastDir:i])
		case '.':
			if dirStartPos != -1 && dirEndPos == -1 {
				dirs = append(dirs, s[lastDir:i])
				lastDir = i + 1
			}
		}
	}

	if deviceSepPos == -1 {
		return fail()
	}
	if dirStartPos != -1 && dirEndPos == -1 {
		return fail()
	}

	p := parsedPath{device: s[:deviceSepPos], dirs: dirs, count: 1}
	if dirEndPos != -1 {
		if dirEndPos+1 < len(s) {
			p.filename = s[dirEndPos+1:]
		}
	} else if deviceSepPos+1 < len(s) {
		p.filename = s[deviceSepPos+1:]
	}
	return p
}

// pathEqual compares two parsedPath values field by field. Used to
// detect that a round of component resolution made no further
// progress, so recursion in resolveComponents can stop.
func pathEqual(a, b parsedPath) bool {
	if a.count != b.count {
		return false
	}
	if a.unparsable != b.unparsable {
		return false
	}
	if a.unparsable != "" {
		return true
	}
	if a.device != b.device || a.filename != b.filename {
		return false
	}
	if len(a.dirs) != len(b.dirs) {
		return false
	}
	for i := range a.dirs {
		if a.dirs[i] != b.dirs[i] {
			return false
		}
	}
	return true
}

// serialize renders a fully-resolved parsedPath back to a string. A
// completely empty path (no device, nothing unparsable — what
// resolution produces once it gives up past the recursion limit)
// serializes to nothing. The device separator is always emitted even
// if the original string never had one; brackets are omitted when
// there are no directory components.
func serialize(p parsedPath) (string, bool) {
	if p.unparsable == "" && p.device == "" {
		return "", false
	}
	if p.unparsable != "" {
		return p.unparsable, true
	}

	var b strings.Builder
	b.WriteString(p.device)
	if p.device == "" || p.device[len(p.device)-1] != ':' {
		b.WriteByte(':')
	}
	if len(p.dirs) > 0 {
		b.WriteByte('[')
		for i, d := range p.dirs {
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(d)
		}
		b.WriteByte(']')
	}
	b.WriteString(p.filename)
	return b.String(), true
}

// resolvedStr is the result of looking a bare string up in the
// table: its expansion, whether that expansion is terminal, and (if
// the name it came from was a search list) how many members that
// list has.
type resolvedStr struct {
	value    string
	terminal bool
	count    int
}

// resolveString follows logical name s one level and then
// recursively resolves whatever it finds, stopping at a terminal
// name, an undefined name (the fixpoint), or resolveMaxDepth.
func (t *Table) resolveString(s resolvedStr, idx, depth int) resolvedStr {
	if s.terminal {
		return s
	}
	if depth > resolveMaxDepth || s.value == "" {
		return resolvedStr{}
	}

	t.mu.RLock()
	target, ok := t.names[s.value]
	t.mu.RUnlock()
	if !ok {
		return s
	}

	var next resolvedStr
	if len(target.Values) > 1 {
		i := idx % len(target.Values)
		if i < 0 {
			i += len(target.Values)
		}
		next = resolvedStr{value: target.Values[i], terminal: target.Terminal, count: len(target.Values)}
	} else {
		next = resolvedStr{value: target.Values[0], terminal: target.Terminal, count: 1}
	}
	return t.resolveString(next, idx, depth+1)
}

// resolveDeviceString resolves a device name, which might have been
// registered either as "NAME" or "NAME:". It tries the ':'-suffixed
// form first (a path can only reach here once a ':' has been seen in
// the original string, so the suffixed form is always a fair try),
// and falls back to the bare form only if that produced no change.
func (t *Table) resolveDeviceString(s resolvedStr, idx, depth int) resolvedStr {
	if s.terminal {
		return s
	}
	if depth > resolveMaxDepth || s.value == "" {
		return resolvedStr{}
	}

	tried := resolvedStr{value: s.value + ":", terminal: s.terminal, count: s.count}
	next := t.resolveString(tried, idx, depth)
	if next.value == tried.value {
		return t.resolveString(s, idx, depth)
	}
	return next
}

// resolveComponents is the fixpoint loop: expand whichever parts of
// path can still change, compare against the pre-expansion path, and
// either stop (no progress) or go another round. Grounded directly on
// _logical_name_resolve.
func (t *Table) resolveComponents(path parsedPath, listIdx, depth int) parsedPath {
	if depth > resolveMaxDepth {
		return parsedPath{}
	}

	if path.unparsable != "" {
		res := t.resolveString(resolvedStr{value: path.unparsable}, 0, depth+1)
		if res.count > 1 && path.count == 1 {
			path.count = res.count
			res = t.resolveString(resolvedStr{value: path.unparsable}, listIdx, depth+1)
		}

		if res.value == "" || res.value == path.unparsable {
			return path
		}
		newPath := parseString(res.value)
		newPath.count = path.count
		if res.terminal {
			return newPath
		}
		return t.resolveComponents(newPath, 0, depth+1)
	}

	orig := path
	orig.dirs = append([]string(nil), path.dirs...)

	newDevice := t.resolveDeviceString(resolvedStr{value: path.device, terminal: path.deviceTerminal}, 0, depth+1)
	if newDevice.count > 1 && path.count == 1 {
		path.count = newDevice.count
		newDevice = t.resolveDeviceString(resolvedStr{value: path.device, terminal: path.deviceTerminal}, listIdx, depth+1)
	}

	if newDevice.value != path.device {
		path.deviceTerminal = newDevice.terminal
		devicePath := parseString(newDevice.value)
		if devicePath.unparsable != "" {
			path.device = newDevice.value
		} else {
			if len(devicePath.dirs) > 0 {
				path.dirs = append(append([]string{}, devicePath.dirs...), path.dirs...)
			}
			if devicePath.filename != "" {
				path.filename = devicePath.filename
			}
			if devicePath.device != "" {
				path.device = devicePath.device
			}
		}
	}

	path.filename = t.resolveString(resolvedStr{value: path.filename}, 0, depth+1).value
	for i := range path.dirs {
		path.dirs[i] = t.resolveString(resolvedStr{value: path.dirs[i]}, 0, depth+1).value
	}

	if pathEqual(orig, path) {
		return path
	}
	return t.resolveComponents(path, listIdx, depth+1)
}
