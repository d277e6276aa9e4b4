// Package ksignal is the per-thread signal state and dispatch path:
// mask, pending set, and handler table. It registers no handler with
// mmu's fault dispatcher (mmu.RegisterFatalHandler).
//
// Grounded on biscuit/src/tinfo/tinfo.go's per-thread mutex and
// kill-channel shape (Tnote_t.Killnaps: a channel plus a condvar plus a
// saved Err_t, woken by whichever thread delivers the kill) generalized
// from a single kill-channel into a full mask/pending/handler table per
// spec.md §4.10. arm11_ksignal.c in the pack's original_source index is
// the architecture-specific user-stack-frame/trampoline rewrite; that
// belongs to the mmu platform binding (spec.md §1 reserves register
// frame layout to the platform), so this package stops at deciding
// *which* signal to deliver and leaves *how to splice it into the user
// return path* as the Trampoline hook below.
package ksignal

import (
	"sync"

	"zeke/defs"
)

// Sig_t is a signal number.
type Sig_t int

const (
	SIGHUP  Sig_t = 1
	SIGINT  Sig_t = 2
	SIGQUIT Sig_t = 3
	SIGILL  Sig_t = 4
	SIGTRAP Sig_t = 5
	SIGABRT Sig_t = 6
	SIGBUS  Sig_t = 7
	SIGFPE  Sig_t = 8
	SIGKILL Sig_t = 9
	SIGUSR1 Sig_t = 10
	SIGSEGV Sig_t = 11
	SIGUSR2 Sig_t = 12
	SIGPIPE Sig_t = 13
	SIGALRM Sig_t = 14
	SIGTERM Sig_t = 15
	SIGCHLD Sig_t = 17
	SIGCONT Sig_t = 18
	SIGSTOP Sig_t = 19
	SIGTSTP Sig_t = 20
	// sigKern is the internal wake signal fs_queue's BLOCK mode uses to
	// rouse the opposite end of a pipe/pty (spec.md §4.8's "_SIGKERN").
	sigKern Sig_t = 32
	maxSig        = 32
)

// fatalSet names the signals that bypass a registered handler and tear
// the process down outright when sent with Fatal (spec.md §4.10).
var fatalSet = map[Sig_t]bool{
	SIGSEGV: true, SIGBUS: true, SIGILL: true, SIGKILL: true,
}

// Handler_t is a registered user signal handler: the PC to splice into
// the user return path and the flags the syscall used to install it.
type Handler_t struct {
	Addr  uintptr
	Flags uint32
}

// Siginfo_t is the payload delivered alongside a dispatched signal
// (siginfo_t, trimmed to the fields this core's fault paths populate).
type Siginfo_t struct {
	Sig    Sig_t
	Code   int
	Addr   uintptr
	Sender int
}

// Sigset_t is a signal mask/pending bitmask (one bit per signal, 1..32).
type Sigset_t uint32

func (s Sigset_t) has(sig Sig_t) bool { return s&(1<<(uint(sig)-1)) != 0 }
func (s *Sigset_t) add(sig Sig_t)     { *s |= 1 << (uint(sig) - 1) }
func (s *Sigset_t) del(sig Sig_t)     { *s &^= 1 << (uint(sig) - 1) }

// Thread_t is one thread's signal state (struct thread_info's sig_t
// fields, pulled out of proc/sched since signal state's lifetime is
// per-thread but its dispatch point is the syscall-exit/abort-return
// path those packages don't themselves own).
type Thread_t struct {
	mu sync.Mutex

	Mask    Sigset_t
	Pending Sigset_t
	Info    map[Sig_t]Siginfo_t
	Handler [maxSig + 1]Handler_t

	// killCh and Kerr mirror Tnote_t.Killnaps: a one-shot wake channel
	// and the error a killer leaves for a thread blocked past the point
	// it was killed to observe on its next suspension point.
	killCh chan struct{}
	killed bool
	kerr   defs.Err_t
}

// New allocates a fresh, unmasked, no-pending signal state for a thread
// (signal state re-init on fork/exec, spec.md §4.7 step 8 / §4.8 exec).
func New() *Thread_t {
	return &Thread_t{
		Info:   map[Sig_t]Siginfo_t{},
		killCh: make(chan struct{}),
	}
}

// Fork clones from's handler table and mask into a fresh child state
// with pending cleared (spec.md §4.7 step 8: "pending cleared, handlers
// inherited").
func Fork(from *Thread_t) *Thread_t {
	from.mu.Lock()
	defer from.mu.Unlock()
	child := New()
	child.Mask = from.Mask
	child.Handler = from.Handler
	return child
}

// ResetOnExec clears pending signals and restores every handler to its
// default disposition, but preserves the blocked-signal mask (the
// POSIX exec contract this core's credential-init-then-loader sequence
// follows, spec.md §4.9's "credential-init step runs before loader
// capability adjustments" implies the analogous signal reset happens
// alongside it).
func (t *Thread_t) ResetOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Pending = 0
	t.Info = map[Sig_t]Siginfo_t{}
	t.Handler = [maxSig + 1]Handler_t{}
}

// SetHandler installs addr as sig's handler (the "signal action"
// syscall's install half).
func (t *Thread_t) SetHandler(sig Sig_t, addr uintptr, flags uint32) defs.Err_t {
	if sig < 1 || int(sig) > maxSig {
		return -defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Handler[sig] = Handler_t{Addr: addr, Flags: flags}
	return 0
}

// SetMask replaces t's blocked-signal mask, returning the previous one
// (sigprocmask's SIG_SETMASK mode; callers implement BLOCK/UNBLOCK by
// reading GetMask first).
func (t *Thread_t) SetMask(mask Sigset_t) Sigset_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.Mask
	t.Mask = mask
	return old
}

func (t *Thread_t) GetMask() Sigset_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Mask
}

// Send posts sig to t. SIGKILL always takes the fatal path, since it is
// unmaskable and unhandled by definition; any other signal takes it only
// when fatal is set and the signal is in fatalSet. sigKern additionally always wakes t immediately,
// independent of its mask — it is fs_queue's internal rouse signal
// (spec.md §4.8), not something a handler is ever dispatched for.
func (t *Thread_t) Send(sig Sig_t, info Siginfo_t, fatal bool) {
	t.mu.Lock()
	t.Pending.add(sig)
	t.Info[sig] = info
	t.mu.Unlock()

	if sig == SIGKILL || (fatal && fatalSet[sig]) {
		t.mu.Lock()
		t.killed = true
		t.mu.Unlock()
		t.wakeKill()
	} else if sig == sigKern {
		t.wakeKill()
	}
}

func (t *Thread_t) wakeKill() {
	t.mu.Lock()
	ch := t.killCh
	t.killCh = make(chan struct{})
	t.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Killed reports whether t has received a fatal signal (thread_is_killed).
func (t *Thread_t) Killed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

// Kerr returns the error a killer left for a suspension point to
// surface, per spec.md §5's "blocking primitives report cancellation by
// returning ... with the thread's pending signals set".
func (t *Thread_t) Kerr() defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed && t.kerr == 0 {
		return -defs.EINTR
	}
	return t.kerr
}

// WaitChan returns the channel that closes the next time t is woken via
// wakeKill — a fatal signal, or a sigKern notification from an fs_queue
// peer (spec.md §4.8's BLOCK-mode wait rides the same wake path a fatal
// signal uses, so a single channel serves both).
func (t *Thread_t) WaitChan() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killCh
}

// Dispatchable reports the next deliverable signal (pending and not
// masked) along with whether it is fatal, or ok=false if none is ready.
// Called at syscall exit and at abort return (spec.md §4.10).
func (t *Thread_t) Dispatchable() (sig Sig_t, info Siginfo_t, fatal bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	deliverable := t.Pending &^ t.Mask
	for s := Sig_t(1); int(s) <= maxSig; s++ {
		if !deliverable.has(s) {
			continue
		}
		t.Pending.del(s)
		return s, t.Info[s], fatalSet[s], true
	}
	return 0, Siginfo_t{}, false, false
}

// Trampoline describes the register/stack rewrite a platform binding
// performs to splice a user handler into the return path (spec.md
// §4.10's "pushes the current user stack frame ... rewrites the user
// stack's PC to the handler, r0 to the signal number, r1 to the
// siginfo pointer, LR to proc.usigret"). This package only selects
// *which* signal and handler to install; mmu's platform binding (or a
// higher syscall-return layer wired to it) performs the actual frame
// surgery, since exact register roles are architecture-specific.
type Trampoline func(h Handler_t, info Siginfo_t) defs.Err_t
