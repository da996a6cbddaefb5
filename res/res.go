// Package res implements spec §4.5's ResourceTracker: per-task,
// per-kind sets of owned resource handles, so Hades can walk every
// survivor at task death and invoke the right destructor.
//
// Grounded on the teacher's hashtable package (hashtable.hashtable.go):
// the same per-bucket-lock idiom, generalized from a general-purpose
// key/value table to a fixed-shape array of per-kind sets, since
// ResourceTracker only ever needs Set-with-membership semantics keyed
// by a resource kind known at compile time (defs.ResourceKind) rather
// than an arbitrary hashable key.
package res

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/badgevms/badgevms/defs"
)

// contractViolations counts every double-record/double-free detected
// across all trackers, process-wide, for metrics.Registry's
// resource-tracker leak gauge (spec §7: "the test suite MUST detect
// them" — this is the same signal, exported for observability too).
var contractViolations atomic.Int64

// ContractViolationCount returns the process-wide count of detected
// double-record/double-free contract violations since start.
func ContractViolationCount() int64 { return contractViolations.Load() }

// Handle is an opaque resource identifier — a file descriptor number,
// an iconv_t, a compiled-regex pointer, whatever the kind's acquire
// wrapper hands back. Trackers compare handles for equality only.
type Handle uintptr

// Destructor releases one handle of a given kind. ResourceTracker
// invokes it for every resource still owned when a task dies.
type Destructor func(kind defs.ResourceKind, h Handle)

type kindSet struct {
	mu    sync.RWMutex
	owned map[Handle]struct{}
}

// Tracker is one task's resource ownership record: one set per
// defs.ResourceKind.
type Tracker struct {
	pid   int
	sets  [defs.ResourceKindCount]kindSet
	log   *zap.Logger
}

// NewTracker constructs an empty tracker for pid.
func NewTracker(pid int, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{pid: pid, log: log}
	for i := range t.sets {
		t.sets[i].owned = make(map[Handle]struct{})
	}
	return t
}

// RecordAlloc registers h as owned under kind. Recording a handle
// that is already owned under the same kind is a contract violation:
// it is logged and reported as EEXIST rather than silently
// overwritten, per spec §4.5 ("double-record ... must be detected").
func (t *Tracker) RecordAlloc(kind defs.ResourceKind, h Handle) defs.Err_t {
	s := &t.sets[kind]
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.owned[h]; dup {
		contractViolations.Add(1)
		t.log.Error("res: double record",
			zap.Int("pid", t.pid), zap.Stringer("kind", kind), zap.Uintptr("handle", uintptr(h)))
		return -defs.EEXIST
	}
	s.owned[h] = struct{}{}
	return defs.OK
}

// RecordFree releases h from kind's owned set. Freeing a handle that
// is not owned is a contract violation, reported as EINVAL rather
// than panicking, per spec §4.5 ("double-free ... must be detected").
func (t *Tracker) RecordFree(kind defs.ResourceKind, h Handle) defs.Err_t {
	s := &t.sets[kind]
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owned[h]; !ok {
		contractViolations.Add(1)
		t.log.Error("res: double free / free of unowned handle",
			zap.Int("pid", t.pid), zap.Stringer("kind", kind), zap.Uintptr("handle", uintptr(h)))
		return -defs.EINVAL
	}
	delete(s.owned, h)
	return defs.OK
}

// Owns reports whether h is currently owned under kind.
func (t *Tracker) Owns(kind defs.ResourceKind, h Handle) bool {
	s := &t.sets[kind]
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.owned[h]
	return ok
}

// Count returns the number of handles currently owned under kind.
func (t *Tracker) Count(kind defs.ResourceKind) int {
	s := &t.sets[kind]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owned)
}

// ReleaseAll walks every kind's owned set and invokes destroy for
// each survivor, then clears the tracker. This is what Hades calls
// when a task dies (spec §4.5): nothing a task allocated outlives it.
func (t *Tracker) ReleaseAll(destroy Destructor) {
	for kind := range t.sets {
		s := &t.sets[kind]
		s.mu.Lock()
		for h := range s.owned {
			destroy(defs.ResourceKind(kind), h)
		}
		s.owned = make(map[Handle]struct{})
		s.mu.Unlock()
	}
}
