// dispatch.go binds the copyin/copyout primitives in syscall.go to the
// syscall surface spec.md §6 lists: proc_fork/exec/wait/exit; thread ops
// (create/terminate/sleep_ms/gettid/geterrno/die/detach/setpriority/
// getpriority); priv_pcap; sched_get_loadavg. Only priv_pcap copies a
// request struct in (CopyIn) and a response out (CopyOut); exec copies
// its path in with UserString; the other syscalls take their scalar
// argument as arg and return their result directly. No syscall hands
// the caller a raw pointer into kernel memory, the same way
// biscuit/src/vm/as.go's Userreadn/Userwriten do not.
//
// File ops, mmap/munmap, and mount are deliberately left at -ENOSYS:
// spec.md's own Non-goals exclude "the on-disk layout of any
// filesystem... or the exact set of POSIX syscalls", and this tree has
// no path-resolving VFS behind `bio`/`vfsplumbing` for them to dispatch
// into. Wiring them to real behavior would mean inventing a filesystem
// the spec explicitly declines to prescribe.
package syscall

import (
	"time"

	"zeke/defs"
	"zeke/priv"
	"zeke/proc"
	"zeke/sched"
)

func msToDuration(ms uintptr) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Sysno identifies one syscall (spec.md §6's "numbers are implementation
// choice" — these are this tree's own numbering, not biscuit's or any
// POSIX assignment).
type Sysno int

const (
	SysProcFork Sysno = iota + 1
	SysExec
	SysWait
	SysExit

	SysOpen
	SysClose
	SysRead
	SysWrite
	SysLseek
	SysGetdents
	SysFcntl
	SysLink
	SysUnlink
	SysMkdir
	SysRmdir
	SysStat
	SysAccess
	SysChmod
	SysChown
	SysUmask
	SysMount

	SysMmap
	SysMunmap

	SysThrCreate
	SysThrTerminate
	SysThrSleepMs
	SysThrGetTid
	SysThrGetErrno
	SysThrDie
	SysThrDetach
	SysThrSetPriority
	SysThrGetPriority

	SysPrivPcap

	SysSchedGetLoadavg
)

// pcapMode mirrors §6's "{GET,SET,CLR}×{EFF,BND}" priv_pcap mode space.
type pcapMode int

const (
	PcapGetEff pcapMode = iota
	PcapSetEff
	PcapClrEff
	PcapGetBnd
	PcapSetBnd
	PcapClrBnd
)

// PrivPcapReq is priv_pcap's request struct: which bitmap, which
// operation, which privilege.
type PrivPcapReq struct {
	Mode pcapMode
	Priv priv.Priv_t
}

// PrivPcapResp is priv_pcap's response struct: GET modes report whether
// the bit is set. The Err result of every mode is Dispatch's return
// value, not a field here; when uvaResp is non-zero the struct is still
// copied out for SET/CLR modes, with Set false.
type PrivPcapResp struct {
	Set bool
}

const privPcapReqSize = 16 // two ints, padded/aligned like copyinstr's struct contract expects

// encodePrivPcapReq/decodePrivPcapReq give PrivPcapReq a fixed-width
// on-the-wire form so it can travel through CopyIn/CopyOut like any
// other user-supplied struct, without reflection or encoding/gob — the
// same flat, hand-packed layout Userreadn/Userwriten use for scalars.
func encodePrivPcapReq(r PrivPcapReq) []byte {
	buf := make([]byte, privPcapReqSize)
	putLE(buf[0:8], uint64(r.Mode))
	putLE(buf[8:16], uint64(r.Priv))
	return buf
}

func decodePrivPcapReq(buf []byte) PrivPcapReq {
	return PrivPcapReq{
		Mode: pcapMode(getLE(buf[0:8])),
		Priv: priv.Priv_t(getLE(buf[8:16])),
	}
}

func putLE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func getLE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

// Dispatch runs one syscall for p: it copies the request struct in from
// uva (via CopyIn), performs the operation, and copies the response
// struct out to uvaResp (via CopyOut). Scalar-only syscalls (gettid,
// sleep_ms, ...) skip the struct copy and take their argument directly,
// matching how the source itself special-cases trivial syscalls to a
// bare register argument rather than a full copyin'd struct.
//
// On failure Dispatch deposits the errno in self's TLS slot and returns
// ^uintptr(0) instead of a partial result — the "-1 in the result
// register, errno in TLS" convention spec.md §6 describes.
func Dispatch(p *proc.Proc_t, self *sched.Thread_t, no Sysno, arg uintptr, uvaReq, uvaResp uintptr) (uintptr, defs.Err_t) {
	ret, err := dispatch(p, self, no, arg, uvaReq, uvaResp)
	if err != 0 {
		self.SetErrno(int(-err))
		return ^uintptr(0), err
	}
	return ret, 0
}

func dispatch(p *proc.Proc_t, self *sched.Thread_t, no Sysno, arg uintptr, uvaReq, uvaResp uintptr) (uintptr, defs.Err_t) {
	switch no {
	case SysProcFork:
		child, err := proc.Fork(p, true)
		if err != 0 {
			return 0, err
		}
		return uintptr(child.Pid), 0

	case SysExec:
		path, err := UserString(p, uvaReq, 256)
		if err != 0 {
			return 0, err
		}
		return 0, proc.Exec(p, path)

	case SysWait:
		return dispatchWait(p, int(arg))

	case SysExit:
		if p.MainThread != nil {
			sched.Die(p.MainThread, arg)
		}
		p.MarkZombie()
		return 0, 0

	case SysOpen, SysClose, SysRead, SysWrite, SysLseek, SysGetdents,
		SysFcntl, SysLink, SysUnlink, SysMkdir, SysRmdir, SysStat,
		SysAccess, SysChmod, SysChown, SysUmask, SysMount,
		SysMmap, SysMunmap:
		return 0, -defs.ENOSYS

	case SysThrCreate:
		// Create already places t on the ready queue.
		t := sched.Create(p.Pid, "", self, sched.PolicyOther, 0)
		return uintptr(t.Tid), 0

	case SysThrTerminate:
		return 0, sched.Terminate(self)

	case SysThrSleepMs:
		sched.Sleep(self, msToDuration(arg))
		return 0, 0

	case SysThrGetTid:
		return uintptr(self.Tid), 0

	case SysThrGetErrno:
		return uintptr(self.Errno()), 0

	case SysThrDie:
		sched.Die(self, arg)
		return 0, 0

	case SysThrDetach:
		self.SetDetached()
		return 0, 0

	case SysThrSetPriority:
		return 0, sched.SetPriority(self, int(arg))

	case SysThrGetPriority:
		return uintptr(sched.GetPriority(self)), 0

	case SysPrivPcap:
		return dispatchPrivPcap(p, uvaReq, uvaResp)

	case SysSchedGetLoadavg:
		return uintptr(sched.Runnable()), 0

	default:
		return 0, -defs.ENOSYS
	}
}

func dispatchWait(p *proc.Proc_t, pid int) (uintptr, defs.Err_t) {
	child := proc.Lookup(pid)
	if child == nil || child.Parent != p {
		return 0, -defs.ECHILD
	}
	if !child.IsZombie() {
		return 0, -defs.EAGAIN
	}
	proc.Remove(pid)
	return uintptr(pid), 0
}

func dispatchPrivPcap(p *proc.Proc_t, uvaReq, uvaResp uintptr) (uintptr, defs.Err_t) {
	raw, err := CopyIn(p, uvaReq, privPcapReqSize)
	if err != 0 {
		return 0, err
	}
	req := decodePrivPcapReq(raw)
	cred := p.Cred

	var resp PrivPcapResp
	switch req.Mode {
	case PcapGetEff:
		resp.Set = priv.EffIsSet(cred, req.Priv)
	case PcapSetEff:
		if err := priv.EffSet(cred, req.Priv); err != 0 {
			return 0, err
		}
	case PcapClrEff:
		priv.EffClear(cred, req.Priv)
	case PcapGetBnd:
		resp.Set = priv.BoundIsSet(cred, req.Priv)
	case PcapSetBnd:
		priv.BoundSet(cred, req.Priv)
	case PcapClrBnd:
		priv.BoundClear(cred, req.Priv)
	default:
		return 0, -defs.EINVAL
	}

	if uvaResp != 0 {
		if err := CopyOut(p, uvaResp, []byte{boolByte(resp.Set)}); err != 0 {
			return 0, err
		}
	}
	return 0, 0
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
