package ksignal

import (
	"testing"
	"time"

	"zeke/defs"
)

func TestSendMarksPending(t *testing.T) {
	th := New()
	th.Send(SIGUSR1, Siginfo_t{Sig: SIGUSR1}, false)
	sig, info, fatal, ok := th.Dispatchable()
	if !ok || sig != SIGUSR1 || fatal {
		t.Fatalf("dispatchable = %v %v %v %v", sig, info, fatal, ok)
	}
}

func TestMaskedSignalNotDispatchable(t *testing.T) {
	th := New()
	var mask Sigset_t
	mask.add(SIGUSR1)
	th.SetMask(mask)
	th.Send(SIGUSR1, Siginfo_t{}, false)
	if _, _, _, ok := th.Dispatchable(); ok {
		t.Fatal("expected a masked signal not to be dispatchable")
	}
}

func TestSigkillIsFatalAndWakesKiller(t *testing.T) {
	th := New()
	done := make(chan struct{})
	go func() {
		<-th.killCh
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	th.Send(SIGKILL, Siginfo_t{}, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected SIGKILL to wake a thread parked on killCh")
	}
	if !th.Killed() {
		t.Fatal("expected Killed() to report true after SIGKILL")
	}
	if th.Kerr() != -defs.EINTR {
		t.Fatalf("kerr = %v, want -EINTR", th.Kerr())
	}
}

func TestFatalFlagEscalatesNonDefaultSignal(t *testing.T) {
	th := New()
	th.Send(SIGSEGV, Siginfo_t{Addr: 0xbad}, true)
	if !th.Killed() {
		t.Fatal("expected a fatal-flagged SIGSEGV to mark the thread killed")
	}
}

func TestForkInheritsMaskAndHandlersNotPending(t *testing.T) {
	parent := New()
	var mask Sigset_t
	mask.add(SIGUSR2)
	parent.SetMask(mask)
	parent.SetHandler(SIGUSR1, 0x8000, 0)
	parent.Send(SIGUSR1, Siginfo_t{}, false)

	child := Fork(parent)
	if child.GetMask() != parent.GetMask() {
		t.Fatal("expected the child to inherit the parent's mask")
	}
	if child.Handler[SIGUSR1].Addr != 0x8000 {
		t.Fatal("expected the child to inherit the parent's handler table")
	}
	if _, _, _, ok := child.Dispatchable(); ok {
		t.Fatal("expected the child's pending set to start empty")
	}
}

func TestResetOnExecClearsPendingAndHandlersKeepsMask(t *testing.T) {
	th := New()
	var mask Sigset_t
	mask.add(SIGUSR2)
	th.SetMask(mask)
	th.SetHandler(SIGUSR1, 0x9000, 0)
	th.Send(SIGUSR1, Siginfo_t{}, false)

	th.ResetOnExec()
	if _, _, _, ok := th.Dispatchable(); ok {
		t.Fatal("expected exec to clear pending signals")
	}
	if th.Handler[SIGUSR1].Addr != 0 {
		t.Fatal("expected exec to reset the handler table")
	}
	if th.GetMask() != mask {
		t.Fatal("expected exec to preserve the blocked-signal mask")
	}
}

func TestSigKernWakesWaitChanWithoutMarkingKilled(t *testing.T) {
	th := New()
	ch := th.WaitChan()

	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	th.Send(sigKern, Siginfo_t{}, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected sigKern to wake a thread parked on WaitChan")
	}
	if th.Killed() {
		t.Fatal("expected sigKern not to mark the thread killed")
	}
}
