// Package proc implements spec §4.3's Scheduler/TaskMgr: Zeus (the
// spawner) and Hades (the reaper), the pid/process tables they share,
// and the crash-containment wrapper that keeps a single user task's
// fault from taking the kernel down.
//
// Grounded on original_source/badgevms/task.c for the algorithm
// (pid ring-buffer allocation, Zeus's spawn sequence, Hades's
// detach/refcount/cascade-delete sequence, the pre-deletion-hook ->
// reaper-queue handoff, and the penitentiary crash handler), reworked
// into idiomatic Go: goroutines stand in for FreeRTOS tasks, buffered
// channels stand in for its bounded queues (non-blocking send exactly
// where the original required it for ISR-context safety), and
// context.Context carries cancellation instead of vTaskDelete. Styled
// after the teacher's vm.Vm_t / buddy.Allocator: mutex-guarded state,
// defs.Err_t returns, zap logging.
package proc

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/badgevms/badgevms/defs"
	"github.com/badgevms/badgevms/res"
	"github.com/badgevms/badgevms/vm"
)

// MaxPid bounds the pid space; pid 0 is reserved for the kernel
// pseudo-task, mirroring original_source/badgevms/task.c's
// kernel_task (spec §13's supplemented "kernel pid-0 pseudo-task").
const MaxPid = 256

const childQueueDepth = 10

// TaskEntry is the type-specific entry point Zeus calls on first
// schedule (spec §4.3's elf_task/elf_task_path/thread entry). ELF
// loading itself is out of scope (spec's non-goals): callers supply
// the already-resolved entry, e.g. a loaded program's start function
// or a thread's user callback.
type TaskEntry func(ctx context.Context, ti *TaskInfo) int

// TaskThread is the address space and resource state shared by a
// process and every thread spawned within it, refcounted so the last
// exiting thread tears it down (original_source's task_thread_t).
type TaskThread struct {
	refcount  int32
	AS        *vm.AddressSpace
	Resources *res.Tracker
}

func (t *TaskThread) ref() *TaskThread {
	atomic.AddInt32(&t.refcount, 1)
	return t
}

// TaskInfo is one scheduled task: a process or a thread within one,
// per spec §3's TaskInfo glossary entry.
type TaskInfo struct {
	Pid             int
	ParentPid       int
	Type            defs.TaskType
	Priority        defs.Priority
	Argv            []string
	ApplicationUID  string
	Thread          *TaskThread
	Children        chan int
	entry           TaskEntry
	cancel          context.CancelFunc

	mu sync.Mutex
}

func (ti *TaskInfo) setPriority(p defs.Priority) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.Priority = p
}

// GetPriority returns the task's current priority band.
func (ti *TaskInfo) GetPriority() defs.Priority {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.Priority
}

// pidTable is a ring-buffer pool of free pids, backed by a buffered
// channel instead of original_source's head/tail index pair — the
// channel is itself the ring buffer, and Go's runtime gives us
// wraparound and blocking-free semantics for free.
type pidTable struct {
	free chan int
}

func newPidTable() *pidTable {
	pt := &pidTable{free: make(chan int, MaxPid)}
	for pid := 1; pid < MaxPid; pid++ {
		pt.free <- pid
	}
	return pt
}

func (pt *pidTable) allocate() (int, defs.Err_t) {
	select {
	case pid := <-pt.free:
		return pid, defs.OK
	default:
		return 0, -defs.ENOMEM
	}
}

func (pt *pidTable) release(pid int) {
	if pid <= 0 {
		return
	}
	select {
	case pt.free <- pid:
	default:
		// Every live pid was handed out by us exactly once; a full
		// channel here means a double free.
		panic("proc: pid double free")
	}
}

// ProcessTable maps live pids to their TaskInfo. Per spec §4.3, only
// Zeus and Hades mutate it; everyone else only reads.
type ProcessTable struct {
	mu    sync.RWMutex
	tasks map[int]*TaskInfo
}

func newProcessTable() *ProcessTable {
	return &ProcessTable{tasks: make(map[int]*TaskInfo)}
}

// Get returns the TaskInfo for pid, or nil if it is not currently live.
func (pt *ProcessTable) Get(pid int) *TaskInfo {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.tasks[pid]
}

// Count returns the number of currently live tasks, including the
// pid-0 kernel pseudo-task, for metrics.Registry's live-pid gauge.
func (pt *ProcessTable) Count() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.tasks)
}

// ApplicationIsRunning reports whether any live task carries uid as
// its ApplicationUID, per original_source's task_application_is_running.
func (pt *ProcessTable) ApplicationIsRunning(uid string) bool {
	if uid == "" {
		return false
	}
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	for _, ti := range pt.tasks {
		if ti.ApplicationUID == uid {
			return true
		}
	}
	return false
}

func (pt *ProcessTable) add(ti *TaskInfo) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.tasks[ti.Pid] = ti
}

func (pt *ProcessTable) remove(pid int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.tasks, pid)
}

func (pt *ProcessTable) childrenOf(parent int) []int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	var out []int
	for pid, ti := range pt.tasks {
		if ti.ParentPid == parent {
			out = append(out, pid)
		}
	}
	return out
}

// SpawnRequest describes a task Zeus should bring into being, per
// spec §4.3 step-by-step spawn sequence.
type SpawnRequest struct {
	ParentPid      int
	Type           defs.TaskType
	Argv           []string
	ApplicationUID string
	VAddrStart     uintptr
	Entry          TaskEntry

	reply chan int
}

// Scheduler wires Zeus and Hades, the pid/process tables, and the
// physical/virtual memory manager together, per spec §4.3.
type Scheduler struct {
	pids  *pidTable
	procs *ProcessTable
	vmm   *vm.Manager
	log   *zap.Logger

	spawnQueue chan SpawnRequest
	deadQueue  chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler constructs a Scheduler and starts Zeus and Hades as
// background goroutines. Callers must call Stop to shut them down.
func NewScheduler(vmm *vm.Manager, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		pids:       newPidTable(),
		procs:      newProcessTable(),
		vmm:        vmm,
		log:        log,
		spawnQueue: make(chan SpawnRequest, 8),
		deadQueue:  make(chan int, 16),
		ctx:        ctx,
		cancel:     cancel,
	}

	kernel := &TaskInfo{Pid: 0, Children: make(chan int, 100)}
	s.procs.add(kernel)

	s.wg.Add(2)
	go s.hades()
	go s.zeus()
	return s
}

// Stop cancels every goroutine this Scheduler owns. It does not wait
// for in-flight tasks to exit.
func (s *Scheduler) Stop() {
	s.cancel()
}

// ProcessTable exposes the read-only process table, e.g. for the
// compositor's fullscreen-focus priority sweep (spec §4.3).
func (s *Scheduler) ProcessTable() *ProcessTable { return s.procs }

// Spawn submits a spawn request to Zeus and blocks for its pid (or
// failure). It mirrors original_source's run_task/thread_create ->
// ulTaskNotifyTakeIndexed round trip with a reply channel instead of
// a task-notification value.
func (s *Scheduler) Spawn(req SpawnRequest) (int, defs.Err_t) {
	req.reply = make(chan int, 1)
	select {
	case s.spawnQueue <- req:
	case <-s.ctx.Done():
		return 0, -defs.ENOSYS
	}

	select {
	case pid := <-req.reply:
		if pid <= 0 {
			return 0, -defs.ENOMEM
		}
		return pid, defs.OK
	case <-s.ctx.Done():
		return 0, -defs.ENOSYS
	}
}

// Wait blocks (or, if !block, polls once) for one of the calling
// task's children to die and returns its pid, per spec §4.3's wait().
func (s *Scheduler) Wait(pid int, block bool) (int, defs.Err_t) {
	ti := s.procs.Get(pid)
	if ti == nil {
		return 0, -defs.ESRCH
	}
	if block {
		select {
		case dead := <-ti.Children:
			return dead, defs.OK
		case <-s.ctx.Done():
			return 0, -defs.ENOSYS
		}
	}
	select {
	case dead := <-ti.Children:
		return dead, defs.OK
	default:
		return 0, -defs.EAGAIN
	}
}

// notifyDeath posts pid to Hades' queue. A full queue is logged and
// dropped rather than blocking, mirroring the ISR-context constraint
// in original_source's vTaskPreDeletionHook (our crash-containment
// wrapper may call this from a panicking goroutine's deferred cleanup).
func (s *Scheduler) notifyDeath(pid int) {
	select {
	case s.deadQueue <- pid:
	default:
		s.log.Warn("proc: hades queue full, leaking task", zap.Int("pid", pid))
	}
}

// zeus consumes spawnQueue and brings each request into being, per
// spec §4.3's Zeus sequence.
func (s *Scheduler) zeus() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.spawnQueue:
			pid := s.spawnOne(req)
			req.reply <- pid
		}
	}
}

func (s *Scheduler) spawnOne(req SpawnRequest) int {
	pid, err := s.pids.allocate()
	if err != defs.OK {
		s.log.Warn("zeus: out of pids")
		return -1
	}

	var thread *TaskThread
	if req.Type == defs.TaskThread {
		parent := s.procs.Get(req.ParentPid)
		if parent == nil || parent.Thread == nil {
			s.log.Warn("zeus: thread spawn from a dead or threadless parent", zap.Int("parent", req.ParentPid))
			s.pids.release(pid)
			return -1
		}
		thread = parent.Thread.ref()
	} else {
		thread = &TaskThread{
			refcount:  1,
			AS:        vm.NewAddressSpace(pid, req.VAddrStart),
			Resources: res.NewTracker(pid, s.log),
		}
	}

	ctx, cancel := context.WithCancel(s.ctx)
	ti := &TaskInfo{
		Pid:            pid,
		ParentPid:      req.ParentPid,
		Type:           req.Type,
		Priority:       defs.PriorityNormal,
		Argv:           req.Argv,
		ApplicationUID: req.ApplicationUID,
		Thread:         thread,
		Children:       make(chan int, childQueueDepth),
		entry:          req.Entry,
		cancel:         cancel,
	}

	s.procs.add(ti)
	s.log.Info("zeus: spawned task", zap.Int("pid", pid), zap.Stringer("type", req.Type))

	s.wg.Add(1)
	go s.runTask(ctx, ti)
	return pid
}

// runTask is the task-entry wrapper (spec §4.3): it runs the
// type-specific entry, unconditionally terminates afterward, and
// contains a crashing entry inside Cerberos's penitentiary instead of
// propagating the panic, per spec's crash-containment note.
func (s *Scheduler) runTask(ctx context.Context, ti *TaskInfo) {
	defer s.wg.Done()
	defer s.notifyDeath(ti.Pid)
	defer ti.cancel()
	defer s.cerberos(ti)

	if ti.entry != nil {
		ti.entry(ctx, ti)
	}
}

// cerberos recovers a panicking task entry so one user task's crash
// cannot take the scheduler down with it, mirroring
// original_source's __wrap_xt_unhandled_exception rewriting the
// faulting task's PC to a self-deleting penitentiary function.
func (s *Scheduler) cerberos(ti *TaskInfo) {
	if r := recover(); r != nil {
		s.log.Error("cerberos: task crashed, containing", zap.Int("pid", ti.Pid), zap.Any("cause", r))
	}
}

// hades consumes deadQueue and tears down each dead task, per spec
// §4.3's Hades sequence.
func (s *Scheduler) hades() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case pid := <-s.deadQueue:
			s.reap(pid)
		}
	}
}

func (s *Scheduler) reap(pid int) {
	ti := s.procs.Get(pid)
	if ti == nil {
		s.log.Error("hades: dead pid has no task info", zap.Int("pid", pid))
		return
	}

	s.procs.remove(pid)
	s.destroyThread(ti.Thread)

	if parent := s.procs.Get(ti.ParentPid); parent != nil {
		select {
		case parent.Children <- pid:
		default:
			s.log.Warn("hades: parent's children queue full, dropping notification",
				zap.Int("parent", ti.ParentPid), zap.Int("pid", pid))
		}
	}

	for _, childPid := range s.procs.childrenOf(pid) {
		if child := s.procs.Get(childPid); child != nil {
			child.cancel()
		}
	}

	s.pids.release(pid)
	s.log.Info("hades: reaped task", zap.Int("pid", pid))
}

// destroyThread decrements a TaskThread's refcount and, if it drops
// to zero, releases its resources and frees its address space back
// to the page allocator, per original_source's task_thread_destroy.
func (s *Scheduler) destroyThread(t *TaskThread) {
	if t == nil {
		return
	}
	if atomic.AddInt32(&t.refcount, -1) > 0 {
		return
	}

	t.Resources.ReleaseAll(func(kind defs.ResourceKind, h res.Handle) {
		s.log.Warn("hades: cleaning up leaked resource", zap.Stringer("kind", kind), zap.Uintptr("handle", uintptr(h)))
	})

	if t.AS.Size > 0 {
		s.vmm.Sbrk(t.AS, -int64(t.AS.Size))
	}
}

// RaiseForeground and LowerToNormal implement the compositor's
// per-frame priority sweep (spec §4.3: the fullscreen focused task is
// raised to PriorityForeground, every other task held at
// PriorityNormal). Go's scheduler has no user-settable goroutine
// priority, so this only updates the bookkeeping field tests and the
// compositor observe; it does not change real OS scheduling weight.
func (s *Scheduler) RaiseForeground(pid int) {
	if ti := s.procs.Get(pid); ti != nil {
		ti.setPriority(defs.PriorityForeground)
	}
}

func (s *Scheduler) LowerToNormal(pid int) {
	if ti := s.procs.Get(pid); ti != nil {
		ti.setPriority(defs.PriorityNormal)
	}
}

// Kill forces pid to terminate, the vTaskDelete-like mechanism spec
// §5 names as the sole cancellation path (Cerberos converts a crash
// into the same path; Kill is the explicit, externally-triggered
// one). Go has no true preemptive task-kill, so this cancels the
// task's context — task entry points are expected to poll ctx.Done()
// at their suspension points, same as an orphaned child does. Hades
// reaps the task once its entry function returns.
func (s *Scheduler) Kill(pid int) defs.Err_t {
	ti := s.procs.Get(pid)
	if ti == nil {
		return -defs.ESRCH
	}
	ti.mu.Lock()
	cancel := ti.cancel
	ti.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return defs.OK
}
