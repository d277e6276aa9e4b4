// Package sched is the thread scheduler core: thread table, ready
// queue, and the FIFO/OTHER dispatch policies named in spec.md's
// process model. Only one logical CPU is modeled, per §9's "per-CPU
// queue variant" resolved to one CPU since this tree runs hosted rather
// than on real multicore ARM11 hardware.
//
// Grounded on biscuit/src/tinfo/tinfo.go for the per-thread note shape
// (Tnote_t's alive/killed/doomed fields and its per-thread mutex
// generalize directly into Thread_t's state/flags), and
// original_source/kern/sched/thread.c + kern/include/thread.h for the
// thread table (a red-black tree keyed by tid there; a map here, since
// Go's stdlib has no intrusive RB tree and a plain map serves the same
// O(log n)-ish lookup need without hand-rolling a tree this package
// doesn't otherwise need), the ready queue (FIFO priority order and
// round-robin time-sliced order), and thread_fork's clone semantics.
//
// tinfo.go's Current/SetCurrent pair leans on runtime.Gptr/Setgptr, a
// biscuit-patched-Go-runtime primitive (goroutine-local storage) that
// does not exist in stock Go. There is no substitute for true
// goroutine-local storage in the standard runtime, so Current here
// takes an explicit *Thread_t from the caller instead of recovering it
// from ambient goroutine state — every scheduler entry point that
// needs "the calling thread" is passed one.
package sched

import (
	"sync"
	"time"

	"zeke/defs"
)

// State is a thread's scheduling state (enum thread_state).
type State int

const (
	StateInit State = iota
	StateReady
	StateExec
	StateBlocked
	StateDead
)

// Policy selects a thread's dispatch discipline (SCHED_FIFO vs
// SCHED_OTHER in the original's policy union).
type Policy int

const (
	PolicyFIFO Policy = iota
	PolicyOther
)

// Flag mirrors the SCHED_*_FLAG bits thread.h defines on thread_info.
type Flag uint32

const (
	FlagInUse Flag = 1 << iota
	FlagDetached
	FlagInSys
	FlagKworker
	FlagInternal
)

// Thread_t is the scheduler's thread control block (struct thread_info,
// trimmed to the fields this tree's scheduler itself consults — TLS
// register save areas and per-arch stack frames belong to the context
// switch code this hosted rendering doesn't have).
type Thread_t struct {
	mu sync.Mutex

	Tid      defs.Tid_t
	PidOwner int
	Name     string

	State  State
	Policy Policy
	Prio   int // FIFO priority; unused under PolicyOther
	Flags  Flag

	Killed   bool
	Isdoomed bool
	RetVal   uintptr
	errno    int // deposited by the syscall dispatcher on a non-zero Err_t

	Parent      *Thread_t
	FirstChild  *Thread_t
	NextSibling *Thread_t

	waiters []chan struct{} // woken by Release, one-shot each
	alarm   *time.Timer
}

// Doomed reports whether t has been marked for teardown.
func (t *Thread_t) Doomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Isdoomed
}

// SetErrno deposits e in t's TLS errno slot (spec.md §6: "errno
// deposited in the caller thread's TLS").
func (t *Thread_t) SetErrno(e int) {
	t.mu.Lock()
	t.errno = e
	t.mu.Unlock()
}

// Errno reads back t's TLS errno slot (thread_get_errno, thrGetErrno
// syscall).
func (t *Thread_t) Errno() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errno
}

var (
	mu        sync.Mutex // CURRENT_CPU.lock
	nextTid   defs.Tid_t
	table     = map[defs.Tid_t]*Thread_t{}
	readyFIFO []*Thread_t
	readyRR   []*Thread_t
)

// Create allocates a new thread owned by pid, attached under parent (nil
// for the first thread of a process), and places it on the ready queue
// (thread_create + thread_init's "put thread into readyq" tail call).
func Create(pid int, name string, parent *Thread_t, policy Policy, prio int) *Thread_t {
	mu.Lock()
	nextTid++
	tid := nextTid
	t := &Thread_t{
		Tid:      tid,
		PidOwner: pid,
		Name:     name,
		State:    StateInit,
		Policy:   policy,
		Prio:     prio,
		Flags:    FlagInUse,
		Parent:   parent,
	}
	table[tid] = t
	mu.Unlock()

	setInheritance(t, parent)
	Ready(t)
	return t
}

func setInheritance(child, parent *Thread_t) {
	if parent == nil {
		return
	}
	parent.mu.Lock()
	child.NextSibling = parent.FirstChild
	parent.FirstChild = child
	parent.mu.Unlock()
}

// Fork clones cur into a new thread owned by newPid: same name, policy,
// and priority, fresh tid, parented under cur, state reset to ready —
// exactly thread_fork's contract ("cloned thread is set to sleep state
// and caller should set it to exec state"; this tree's callers put it
// straight on the ready queue instead, since there is no separate
// "about to run" staging state here).
func Fork(cur *Thread_t, newPid int) *Thread_t {
	cur.mu.Lock()
	name, policy, prio := cur.Name, cur.Policy, cur.Prio
	cur.mu.Unlock()
	return Create(newPid, name, cur, policy, prio)
}

// Lookup returns the thread for tid, or nil.
func Lookup(tid defs.Tid_t) *Thread_t {
	mu.Lock()
	defer mu.Unlock()
	return table[tid]
}

// Ready marks t schedulable and enqueues it on the appropriate ready
// queue (thread_ready): priority-ordered insert for FIFO, append for
// round-robin OTHER.
func Ready(t *Thread_t) {
	t.mu.Lock()
	t.State = StateReady
	policy := t.Policy
	t.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	if policy == PolicyFIFO {
		pos := len(readyFIFO)
		for i, o := range readyFIFO {
			if t.Prio > o.Prio {
				pos = i
				break
			}
		}
		readyFIFO = append(readyFIFO, nil)
		copy(readyFIFO[pos+1:], readyFIFO[pos:])
		readyFIFO[pos] = t
	} else {
		readyRR = append(readyRR, t)
	}
}

// RemoveReady pops the next thread to run: FIFO threads drain ahead of
// OTHER threads, matching the original's two-policy precedence.
func RemoveReady() *Thread_t {
	mu.Lock()
	defer mu.Unlock()
	if len(readyFIFO) > 0 {
		t := readyFIFO[0]
		readyFIFO = readyFIFO[1:]
		t.mu.Lock()
		t.State = StateExec
		t.mu.Unlock()
		return t
	}
	if len(readyRR) > 0 {
		t := readyRR[0]
		readyRR = readyRR[1:]
		t.mu.Lock()
		t.State = StateExec
		t.mu.Unlock()
		return t
	}
	return nil
}

// Wait blocks t until Release(t) is called (thread_wait). The caller is
// expected to have already removed itself from execution; Wait itself
// only manages the blocked/ready state transition and the wake channel,
// since there is no real CPU register context to save here.
func Wait(t *Thread_t) {
	ch := make(chan struct{})
	t.mu.Lock()
	t.State = StateBlocked
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()
	<-ch
}

// Release wakes every waiter blocked on t and marks it ready again
// (thread_release).
func Release(t *Thread_t) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	Ready(t)
}

// Sleep blocks the calling thread for d, waking it via a one-shot timer
// (thread_sleep). time.AfterFunc stands in for the kernel's own timer
// wheel, appropriate for a hosted rendering of the core rather than
// bare-metal interrupt-driven timers.
func Sleep(t *Thread_t, d time.Duration) {
	ch := make(chan struct{})
	t.mu.Lock()
	t.State = StateBlocked
	t.alarm = time.AfterFunc(d, func() { close(ch) })
	t.mu.Unlock()
	<-ch
	Ready(t)
}

// Yield gives up the remainder of t's turn by re-enqueueing it at the
// back of its ready queue (thread_yield, lazy strategy only — the
// original's immediate-yield variant has no meaning without a real
// context switch to force).
func Yield(t *Thread_t) {
	Ready(t)
}

// Die marks t a zombie with the given return value (thread_die): it
// leaves the ready queue for good but stays in the thread table until a
// parent reaps it via Join, or Remove tears it down directly.
func Die(t *Thread_t, retval uintptr) {
	t.mu.Lock()
	t.State = StateDead
	t.RetVal = retval
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, ch := range waiters {
		close(ch) // wake any Join waiters without re-readying t
	}
}

// Join blocks until t is dead, then returns its retval (thread_join).
func Join(t *Thread_t) uintptr {
	for {
		t.mu.Lock()
		dead := t.State == StateDead
		t.mu.Unlock()
		if dead {
			break
		}
		Wait(t)
	}
	t.mu.Lock()
	rv := t.RetVal
	t.mu.Unlock()
	return rv
}

// Terminate marks t and its children doomed (thread_terminate): it does
// not itself force-wake a blocked thread, matching the original leaving
// that to the signal/abort path.
func Terminate(t *Thread_t) defs.Err_t {
	if t.Flags&FlagInternal != 0 {
		return -defs.EPERM
	}
	t.mu.Lock()
	t.Isdoomed = true
	t.Killed = true
	child := t.FirstChild
	t.mu.Unlock()
	for c := child; c != nil; {
		c.mu.Lock()
		c.Isdoomed = true
		c.Killed = true
		next := c.NextSibling
		c.mu.Unlock()
		c = next
	}
	return 0
}

// Remove permanently deletes t from the thread table (thread_remove).
func Remove(tid defs.Tid_t) {
	mu.Lock()
	defer mu.Unlock()
	delete(table, tid)
}

// SetPolicy/GetPolicy/SetPriority/GetPriority expose the per-thread
// scheduling knobs thread_set_policy/thread_get_policy/
// thread_set_priority/thread_get_priority provide.
func SetPolicy(t *Thread_t, p Policy) {
	t.mu.Lock()
	t.Policy = p
	t.mu.Unlock()
}

func GetPolicy(t *Thread_t) Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Policy
}

func SetPriority(t *Thread_t, prio int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Policy != PolicyFIFO {
		return -defs.EINVAL
	}
	t.Prio = prio
	return 0
}

func GetPriority(t *Thread_t) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Prio
}

// SetDetached marks t detached (thr_detach syscall): its exit value is
// discarded rather than retained for a future Join.
func (t *Thread_t) SetDetached() {
	t.mu.Lock()
	t.Flags |= FlagDetached
	t.mu.Unlock()
}

// Runnable returns the number of threads currently sitting on a ready
// queue (sched_get_loadavg's backing sample — a one-tick snapshot
// rather than the original's decayed running average, since this tree
// has no timer-driven sampling loop to decay it with).
func Runnable() int {
	mu.Lock()
	defer mu.Unlock()
	return len(readyFIFO) + len(readyRR)
}
