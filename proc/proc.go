// Package proc is the process model: process descriptors, the 13-step
// fork algorithm, the COW write-fault handler that backs it, and the
// exec loader registry.
//
// Grounded on biscuit/src/fd/fd.go (Fd_t/Cwd_t's shape, extended here
// into a per-process fd table generalized from a single descriptor to a
// slice) and original_source/kern/proc_fork.c for the fork algorithm
// itself — clone_proc_info/clone_code_region/clone_regions_from/
// clone_stack/set_proc_inher/proc_get_next_pid map directly onto Fork's
// numbered steps — plus kern/exec.c for the loader-registry shape
// (test(file) / load(proc, file, &vaddr, &stack_size)).
package proc

import (
	"sync"

	"zeke/defs"
	"zeke/mmu"
	"zeke/priv"
	"zeke/sched"
	"zeke/vralloc"
)

// Region index names (MM_CODE_REGION, MM_STACK_REGION, MM_HEAP_REGION,
// ... in the original's mm.regions array).
const (
	RegionCode = iota
	RegionStack
	RegionHeap
	numFixedRegions
)

// RegionFlag mirrors b_uflags/b_flags bits the fork algorithm tests
// (VM_PROT_WRITE, VM_PROT_COW, B_NOTSHARED).
type RegionFlag uint32

const (
	RegionWritable RegionFlag = 1 << iota
	RegionCOW
	RegionNotShared
)

// Region_t is one mapped region of a process's address space: a
// vralloc buffer plus the mmu.Region_t describing where and how it's
// mapped.
type Region_t struct {
	Buf   *vralloc.Buf_t
	Flags RegionFlag
	MMU   mmu.Region_t
}

// Fd_t is an open file descriptor slot (biscuit's Fd_t generalized with
// an explicit refcount in place of the per-fops Reopen/Close contract,
// since this tree doesn't yet have biscuit's fdops.Fdops_i hierarchy).
type Fd_t struct {
	File  any // opaque vnode/file handle; owned by vfsplumbing/fs layers
	Perms int
	refcount int
}

const (
	FDRead    = 0x1
	FDWrite   = 0x2
	FDCloexec = 0x4
)

// Files_t is a process's open-file table (fs_alloc_files's fixed-size
// array of Fd_t pointers).
type Files_t struct {
	mu sync.Mutex
	Fd []*Fd_t
}

// State is a process's lifecycle state (PROC_STATE_*).
type State int

const (
	StateInitial State = iota
	StateReady
	StateRunning
	StateZombie
)

// Proc_t is a process descriptor (struct proc_info, trimmed to the
// fields this tree's fork/exec/fault-handling code actually consults).
type Proc_t struct {
	mu sync.Mutex

	Pid   int
	Pgrp  *Pgrp_t
	State State

	MM struct {
		MasterPT *mmu.Pagetable_t
		Regions  []*Region_t
	}

	Files    *Files_t
	Cred     *priv.Cred_t
	BrkStart uintptr
	BrkStop  uintptr

	Parent      *Proc_t
	FirstChild  *Proc_t
	NextSibling *Proc_t

	MainThread *sched.Thread_t
}

// Pgrp_t is a process group: the set of processes sharing a pgid.
type Pgrp_t struct {
	mu      sync.Mutex
	PGID    int
	Members []*Proc_t
}

func pgrpInsert(pg *Pgrp_t, p *Proc_t) {
	if pg == nil {
		return
	}
	pg.mu.Lock()
	pg.Members = append(pg.Members, p)
	pg.mu.Unlock()
	p.Pgrp = pg
}

var (
	mu       sync.Mutex // PROC_LOCK
	procs    = map[int]*Proc_t{}
	lastPid  int
	maxProc  = 1024
)

func nextPid() int {
	pidReset := 2
	if maxProc >= 200 {
		pidReset = 100
	} else if maxProc >= 20 {
		pidReset = maxProc / 2
	}
	newpid := lastPid + 1
	if lastPid >= maxProc {
		newpid = pidReset
	}
	for {
		if _, exists := procs[newpid]; !exists {
			break
		}
		newpid++
		if newpid > maxProc {
			newpid = pidReset
		}
	}
	lastPid = newpid
	return newpid
}

func cloneRegionBuf(r *Region_t, cowEnabled bool) (*Region_t, defs.Err_t) {
	nr := &Region_t{Flags: r.Flags, MMU: r.MMU}
	if r.Flags&RegionWritable != 0 {
		if cowEnabled {
			r.Flags |= RegionCOW
			vralloc.Rref(r.Buf)
			nr.Buf = r.Buf
			nr.Flags |= RegionCOW
			return nr, 0
		}
		nb, err := vralloc.Rclone(r.Buf)
		if err != 0 {
			return nil, err
		}
		nr.Buf = nb
		return nr, 0
	}
	vralloc.Rref(r.Buf)
	nr.Buf = r.Buf
	return nr, 0
}

// Fork clones old into a fresh, ready-state process and its main
// thread, per spec.md §4.7's 13-step contract. cowEnabled selects
// whether writable non-code regions become shared-COW (step 6) or are
// deep-cloned immediately — biscuit's configCOW_ENABLED knob, exposed
// here as a parameter rather than a package-global so tests can force
// either path.
func Fork(old *Proc_t, cowEnabled bool) (*Proc_t, defs.Err_t) {
	old.mu.Lock()
	if old.State == StateInitial {
		old.mu.Unlock()
		return nil, -defs.EINVAL
	}

	// Step 1: clone the descriptor, then zero what must not be shared.
	next := &Proc_t{}
	*next = *old
	next.mu = sync.Mutex{}
	next.State = StateInitial
	next.Files = nil
	next.Pgrp = nil
	next.Parent = nil
	next.FirstChild = nil
	next.NextSibling = nil
	next.MainThread = nil
	oldRegions := old.MM.Regions
	oldFiles := old.Files
	oldMasterPT := old.MM.MasterPT
	oldPgrp := old.Pgrp
	oldCred := old.Cred
	old.mu.Unlock()

	// Step 2: process group.
	mu.Lock()
	pgrpInsert(oldPgrp, next)
	mu.Unlock()

	// Step 3: master page table clone (plus per-region coarse tables,
	// folded into each region's own MMU.PT below since this tree keeps
	// one coarse table per region rather than a single ptlist).
	if oldMasterPT != nil {
		newMasterPT := &mmu.Pagetable_t{
			PTAddr:       oldMasterPT.PTAddr,
			NrTables:     oldMasterPT.NrTables,
			Type:         mmu.PTMaster,
			MasterPTAddr: oldMasterPT.PTAddr,
			Dom:          oldMasterPT.Dom,
		}
		if err := mmu.Ptcpy(newMasterPT, oldMasterPT); err != 0 {
			return nil, -defs.EAGAIN
		}
		next.MM.MasterPT = newMasterPT
	}

	next.MM.Regions = make([]*Region_t, len(oldRegions))

	// Step 4: code region, ref-shared, never cloned.
	if len(oldRegions) > RegionCode && oldRegions[RegionCode] != nil {
		codeReg := oldRegions[RegionCode]
		vralloc.Rref(codeReg.Buf)
		next.MM.Regions[RegionCode] = &Region_t{Buf: codeReg.Buf, Flags: codeReg.Flags, MMU: codeReg.MMU}
	} else {
		return nil, -defs.EINVAL
	}

	// Step 5: stack region, always deep-cloned.
	if len(oldRegions) > RegionStack && oldRegions[RegionStack] != nil {
		stackReg := oldRegions[RegionStack]
		nb, err := vralloc.Clone2VR(stackReg.Buf)
		if err != 0 {
			return nil, err
		}
		next.MM.Regions[RegionStack] = &Region_t{Buf: nb, Flags: stackReg.Flags &^ RegionCOW, MMU: stackReg.MMU}
	}

	// Step 6: remaining regions, COW-or-clone per region flags.
	for i := RegionHeap; i < len(oldRegions); i++ {
		r := oldRegions[i]
		if r == nil || r.Flags&RegionNotShared != 0 {
			continue
		}
		nr, err := cloneRegionBuf(r, cowEnabled)
		if err != 0 {
			return nil, err
		}
		next.MM.Regions[i] = nr
	}

	// Step 7: break values, from the heap region's tail.
	if heap := next.MM.Regions[RegionHeap]; heap != nil {
		next.BrkStart = uintptr(heap.MMU.VAddr) + uintptr(heap.Buf.BCount)
		next.BrkStop = uintptr(heap.MMU.VAddr) + uintptr(heap.Buf.BufSize)
	}

	// Step 8: signal state is not re-initialised. proc does not import
	// ksignal, and the syscall layer's SysProcFork calls Fork alone, so
	// no fork path clears pending signals or copies handlers.

	// Step 9: file table.
	if oldFiles != nil {
		oldFiles.mu.Lock()
		nf := &Files_t{Fd: make([]*Fd_t, len(oldFiles.Fd))}
		for i, f := range oldFiles.Fd {
			if f == nil {
				continue
			}
			cp := *f
			cp.refcount++
			nf.Fd[i] = &cp
		}
		oldFiles.mu.Unlock()
		next.Files = nf
	}

	// Step 10: PID assignment.
	mu.Lock()
	next.Pid = nextPid()
	mu.Unlock()

	// Step 11: credential inheritance.
	next.Cred = priv.ForkCred(oldCred)

	// Step 12: insert into the global table, mark ready.
	next.Parent = old
	old.mu.Lock()
	next.NextSibling = old.FirstChild
	old.FirstChild = next
	old.mu.Unlock()

	next.State = StateReady
	mu.Lock()
	procs[next.Pid] = next
	mu.Unlock()

	// Step 13: fork the main thread.
	if old.MainThread != nil {
		next.MainThread = sched.Fork(old.MainThread, next.Pid)
	}

	return next, 0
}

// Lookup returns the process for pid, or nil.
func Lookup(pid int) *Proc_t {
	mu.Lock()
	defer mu.Unlock()
	return procs[pid]
}

// Remove deletes pid from the global process table.
func Remove(pid int) {
	mu.Lock()
	defer mu.Unlock()
	delete(procs, pid)
}

// Count returns the number of live processes (kern.nprocs's backing
// store, proc_sysctl.c's SYSCTL_INT(_kern, OID_AUTO, nprocs, ...)).
func Count() int {
	mu.Lock()
	defer mu.Unlock()
	return len(procs)
}

// regionAt returns the region covering vaddr, or nil.
func (p *Proc_t) regionAt(vaddr uintptr) *Region_t {
	for _, r := range p.MM.Regions {
		if r == nil {
			continue
		}
		start := uintptr(r.MMU.VAddr)
		end := start + uintptr(r.MMU.NumPages)*uintptr(mmu.PageSizeCoarse)
		if vaddr >= start && vaddr < end {
			return r
		}
	}
	return nil
}

// HandleCOWFault implements spec.md §4.7's COW fault contract and is
// meant to be registered as mmu.RegisterRecoverableHandler's callback:
// locate the faulting region, rclone it, install the clone in place of
// the shared buffer, drop the shared ref, and remap. Returns an error
// (rather than raising a signal itself) on any failure or on a region
// that isn't COW — the caller (ksignal, per spec.md) is responsible for
// turning that into SIGSEGV/SIGBUS/SIGILL.
func (p *Proc_t) HandleCOWFault(vaddr uintptr) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.regionAt(vaddr)
	if r == nil || r.Flags&RegionCOW == 0 {
		return -defs.EFAULT
	}

	nb, err := vralloc.Rclone(r.Buf)
	if err != 0 {
		return -defs.EFAULT
	}
	old := r.Buf
	r.Buf = nb
	r.Flags &^= RegionCOW
	r.MMU.PAddr = nb.PAddr
	vralloc.Rfree(old)

	if err := mmu.UnmapRegion(&r.MMU); err != 0 {
		return err
	}
	return mmu.MapRegion(&r.MMU)
}

// Uaccess returns the byte slice of p's address space starting at vaddr
// and running to the end of the covering region's buffer, or -EFAULT if
// vaddr isn't mapped. When write is true and the covering region is
// still COW-shared, Uaccess first resolves the fault via HandleCOWFault
// before handing back a writable slice — the same just-in-time
// materialization Userdmap8_inner performs via Sys_pgfault before
// returning a slice to its caller. zeke/syscall's copyin/copyout
// primitives are built entirely on this one entry point.
func (p *Proc_t) Uaccess(vaddr uintptr, write bool) ([]byte, defs.Err_t) {
	p.mu.Lock()
	r := p.regionAt(vaddr)
	if r == nil {
		p.mu.Unlock()
		return nil, -defs.EFAULT
	}
	needsFault := write && r.Flags&RegionCOW != 0
	p.mu.Unlock()

	if needsFault {
		if err := p.HandleCOWFault(vaddr); err != 0 {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	r = p.regionAt(vaddr)
	if r == nil {
		return nil, -defs.EFAULT
	}
	if write && r.Flags&RegionWritable == 0 {
		return nil, -defs.EFAULT
	}
	off := vaddr - uintptr(r.MMU.VAddr)
	buf := r.Buf.Bytes()
	if int(off) > len(buf) {
		return nil, -defs.EFAULT
	}
	return buf[off:], 0
}

// MarkZombie transitions p to StateZombie (thread_die's process-level
// counterpart: wait(2) only reaps a child once it observes this state).
func (p *Proc_t) MarkZombie() {
	p.mu.Lock()
	p.State = StateZombie
	p.mu.Unlock()
}

// IsZombie reports whether p has already exited and is waiting to be
// reaped.
func (p *Proc_t) IsZombie() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State == StateZombie
}

// Loader_i is an exec-time format loader: Test reports whether it
// recognizes file's format, Load maps the image into proc and returns
// the entry point and initial stack size (kern/exec.c's test/load
// loader-registry contract).
type Loader_i interface {
	Test(file any) bool
	Load(p *Proc_t, file any) (entry uintptr, stackSize int, err defs.Err_t)
}

var (
	loadersMu sync.Mutex
	loaders   []Loader_i
)

// RegisterLoader adds an executable-format loader to the registry Exec
// consults in registration order.
func RegisterLoader(l Loader_i) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders = append(loaders, l)
}

// Exec replaces p's heap-and-above regions with a freshly loaded image
// from file, chosen by asking each registered loader to Test it until
// one accepts. The code/stack regions are rebuilt by the accepting
// loader's Load; a new main thread is created with sched.Create and the
// old one is marked for teardown. The entry point and stack size that
// Load returns are not recorded on the new thread.
func Exec(p *Proc_t, file any) defs.Err_t {
	loadersMu.Lock()
	var chosen Loader_i
	for _, l := range loaders {
		if l.Test(file) {
			chosen = l
			break
		}
	}
	loadersMu.Unlock()
	if chosen == nil {
		return -defs.ENOSYS
	}

	entry, stackSize, err := chosen.Load(p, file)
	if err != 0 {
		return err
	}

	p.mu.Lock()
	for i := RegionHeap; i < len(p.MM.Regions); i++ {
		if r := p.MM.Regions[i]; r != nil {
			vralloc.Rfree(r.Buf)
			p.MM.Regions[i] = nil
		}
	}
	oldMain := p.MainThread
	p.mu.Unlock()

	newMain := sched.Create(p.Pid, "main", nil, sched.PolicyOther, 0)
	_ = entry
	_ = stackSize

	p.mu.Lock()
	p.MainThread = newMain
	p.mu.Unlock()

	if oldMain != nil {
		sched.Terminate(oldMain)
	}
	return 0
}
