// Package mmu is the platform-independent half of the MMU abstraction
// (spec.md §4.3): page-table and region objects, map/unmap/attach/detach,
// translation, and fault classification/dispatch. A platform binding
// (mmu/armv6 is the one shipped here, matching the source's own note that
// its ARMv6 bit layout is "one valid binding" and not a contract the rest
// of the kernel may assume) supplies the bit-level work through the
// Binding interface registered at init time.
//
// Grounded on biscuit/src/vm/as.go for the Go shape — a locked struct
// wrapping page-table state, Dmap-based byte access, and a dispatch point
// for page faults (Sys_pgfault) — generalized from biscuit's fixed
// x86-64 two-level paging to the MASTER/COARSE, register-driven model of
// original_source/kern/include/hal/mmu.h and
// original_source/kern/hal/arm11/arm11_mmu.c, which supply the concrete
// region/page-table control block layout and fault-status decoding this
// package's types mirror.
package mmu

import (
	"sync"

	"zeke/defs"
	"zeke/mem"
)

// PTType distinguishes a first-level MASTER page table (one entry covers
// a 1 MB section) from a second-level COARSE table (one entry covers a
// 4 KB page), per mmu.h's MMU_PTT_MASTER/MMU_PTT_COARSE.
type PTType uint8

const (
	PTMaster PTType = iota
	PTCoarse
)

// Page sizes for each table type (mmu.h's MMU_PGSIZE_SECTION/_COARSE).
const (
	PageSizeCoarse  = 4096
	PageSizeSection = mem.PageSize
)

// Page-table byte sizes per table unit (arm11_mmu.h's MMU_PTSZ_COARSE/
// MMU_PTSZ_MASTER): a coarse table has 256 4-byte entries (one per 4 KB
// page across the 1 MB section it covers); a master table has 4096
// 4-byte entries (one per 1 MB section across the full address space).
const (
	PTSZCoarse = 256 * 4
	PTSZMaster = 4096 * 4
)

// Pagetable_t is a page-table control block (mmu_pagetable_t in mmu.h).
type Pagetable_t struct {
	VAddr        mem.Pa_t // meaningful only for COARSE: the 1 MB slot it fills
	PTAddr       mem.Pa_t // physical address of the table itself
	NrTables     int
	MasterPTAddr mem.Pa_t // for a MASTER table, equal to PTAddr
	Type         PTType
	Dom          uint32
}

// Region_t is a region control block (mmu_region_t in mmu.h): a run of
// pages at VAddr, backed by PAddr, described against a specific Pagetable.
type Region_t struct {
	VAddr    mem.Pa_t
	NumPages int
	AP       mem.AP_t
	Ctrl     mem.Ctrl_t
	PAddr    mem.Pa_t
	PT       *Pagetable_t
}

// SizeBytes returns the region's size, which depends on its page table's
// granularity (MMU_SIZEOF_REGION).
func (r *Region_t) SizeBytes() int {
	if r.PT != nil && r.PT.Type == PTCoarse {
		return r.NumPages * PageSizeCoarse
	}
	return r.NumPages * PageSizeSection
}

// FaultClass is the platform-agnostic fault category a Binding reduces
// its raw fault-status register to.
type FaultClass int

const (
	// FaultTranslation: a valid region has no mapping yet (first touch
	// of an unmapped-but-valid region, or a not-yet-materialized COW
	// page); always tried against the recoverable handler first.
	FaultTranslation FaultClass = iota
	// FaultPermission: a mapping exists but forbids the access — the
	// COW write-protect case lands here.
	FaultPermission
	// FaultAlignment: misaligned access; fatal in both kernel and user
	// context on this platform.
	FaultAlignment
	// FaultBusError: external/parity abort, not recoverable.
	FaultBusError
	// FaultUnknown: a fault-status code this binding does not decode.
	FaultUnknown
)

// Fault is a classified abort: the fields a Binding extracts from the
// raw trap frame plus whatever recoverable/fatal handlers need.
type Fault struct {
	Status  uint32
	Addr    mem.Pa_t
	PSR     uint32
	PC      uintptr
	Write   bool
	Kernel  bool // fault taken while executing in kernel mode
	Owner   any  // *proc.Proc_t / *sched.Thread_t; opaque here to avoid an import cycle
}

// Binding is the interface a platform package (mmu/armv6) implements.
// Exactly one Binding is registered, per spec.md §4.3's "a platform
// binding implements it".
type Binding interface {
	InitPagetable(pt *Pagetable_t) defs.Err_t
	MapRegion(r *Region_t) defs.Err_t
	UnmapRegion(r *Region_t) defs.Err_t
	AttachPagetable(pt *Pagetable_t) defs.Err_t
	DetachPagetable(pt *Pagetable_t) defs.Err_t
	TranslateVAddr(pt *Pagetable_t, va mem.Pa_t) (mem.Pa_t, bool)
	ClassifyFault(f *Fault) FaultClass
}

var (
	mu      sync.Mutex
	binding Binding
)

// Register installs the platform binding. Called once from the
// platform's init.
func Register(b Binding) {
	mu.Lock()
	defer mu.Unlock()
	binding = b
}

func current() Binding {
	mu.Lock()
	defer mu.Unlock()
	if binding == nil {
		panic("mmu: no platform binding registered")
	}
	return binding
}

func InitPagetable(pt *Pagetable_t) defs.Err_t   { return current().InitPagetable(pt) }
func MapRegion(r *Region_t) defs.Err_t           { return current().MapRegion(r) }
func UnmapRegion(r *Region_t) defs.Err_t         { return current().UnmapRegion(r) }
func AttachPagetable(pt *Pagetable_t) defs.Err_t { return current().AttachPagetable(pt) }
func DetachPagetable(pt *Pagetable_t) defs.Err_t { return current().DetachPagetable(pt) }

func TranslateVAddr(pt *Pagetable_t, va mem.Pa_t) (mem.Pa_t, bool) {
	return current().TranslateVAddr(pt, va)
}

// Ptcpy clones one page table's raw contents into another of the same
// type and size; used by proc_fork's master/coarse page-table cloning
// (spec.md §4.7 step 3).
func Ptcpy(dst, src *Pagetable_t) defs.Err_t {
	if dst.Type != src.Type || dst.NrTables != src.NrTables {
		return -defs.EINVAL
	}
	srcBytes := mem.Dynmem.Dmap(src.PTAddr)
	dstBytes := mem.Dynmem.Dmap(dst.PTAddr)
	if srcBytes == nil || dstBytes == nil {
		return -defs.EFAULT
	}
	n := sizeofPT(src)
	copy(dstBytes[:n], srcBytes[:n])
	return 0
}

func sizeofPT(pt *Pagetable_t) int {
	if pt.Type == PTCoarse {
		return pt.NrTables * PTSZCoarse
	}
	return pt.NrTables * PTSZMaster
}

// RecoverableHandler resolves a translation/permission fault (COW
// materialization, first-touch mapping) or reports that it could not.
type RecoverableHandler func(f *Fault) defs.Err_t

// FatalHandler disposes of a fault the recoverable handler couldn't or
// wouldn't take: deliver a signal to a user thread, or panic a kernel
// one. It receives the platform-agnostic class so it can choose
// SIGBUS/SIGSEGV/SIGILL appropriately (spec.md §4.3).
type FatalHandler func(f *Fault, class FaultClass)

var (
	recoverable RecoverableHandler
	fatal       FatalHandler
)

// RegisterRecoverableHandler installs the handler for translation and
// permission faults (proc's COW fault handler).
func RegisterRecoverableHandler(h RecoverableHandler) { recoverable = h }

// RegisterFatalHandler installs the handler invoked for every other
// fault class, and for any fault the recoverable handler declines.
func RegisterFatalHandler(h FatalHandler) { fatal = h }

// Dispatch classifies f via the registered binding and routes it to the
// recoverable handler for FaultTranslation/FaultPermission, falling back
// to the fatal handler if that handler is absent or itself fails.
func Dispatch(f *Fault) defs.Err_t {
	class := current().ClassifyFault(f)

	switch class {
	case FaultTranslation, FaultPermission:
		if recoverable != nil {
			if err := recoverable(f); err == 0 {
				return 0
			}
		}
	}

	if fatal != nil {
		fatal(f, class)
	}
	return -defs.EFAULT
}
