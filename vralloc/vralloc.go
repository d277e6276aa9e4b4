// Package vralloc is the page-granular, COW-aware buffer allocator
// layered on mem's dynmem regions (spec.md §4.4). It is the allocator
// bio's buffer cache is built on: a Buf_t is the same "universal buf"
// object original_source/kern/vralloc.c shares with its buffer cache.
//
// Grounded on original_source/kern/vralloc.c for the vregion/bitmap/slab
// algorithm — biscuit has no vregion concept of its own (it maps pages
// directly via its Pmap_t), so the slab layer here is ported from the C
// — expressed in biscuit/src/vm/as.go's idiom: a package-level mutex-
// guarded registry (mirrors Vm_t's embedded sync.Mutex) and Dmap-based
// byte access to the pages it owns (mem.Dynmem.Dmap, same as as.go's
// Userdmap8_inner).
package vralloc

import (
	"sync"

	"zeke/defs"
	"zeke/mem"
	"zeke/util"
)

// pageSize is vralloc's allocation granularity, 4 KB (MMU_PGSIZE_COARSE
// in the original; mmu.PageSizeCoarse here, inlined as a constant to
// avoid an import of mmu purely for one number).
const pageSize = 4096

// blockPages is the number of vralloc pages in one dynmem region
// (DMEM_BLOCK_SIZE = DYNMEM_PAGE_SIZE / MMU_PGSIZE_COARSE): every
// vregion's page count is rounded up to a multiple of this so it always
// maps onto a whole number of dynmem regions.
const blockPages = mem.PageSize / pageSize

// vrAP and vrCtrl are the access-permission/control bits vralloc
// requests of dynmem for its slabs (MMU_AP_RWNA / MMU_CTRL_MEMTYPE_WB in
// the original).
const (
	vrAP   mem.AP_t   = 1
	vrCtrl mem.Ctrl_t = 3
)

// vregion is one dynmem-backed slab: a bitmap of 4 KB page slots.
type vregion struct {
	addr     mem.Pa_t
	bitmap   util.Bitmap
	capacity int // total page slots
	count    int // slots currently reserved
}

var (
	mu            sync.Mutex // the vr_big_lock equivalent
	vregions      []*vregion
	statReserved  int
	statUsed      int
)

// Flag holds the buffer state bits original_source/kern/include/buf.h
// calls B_BUSY, B_DELWRI, etc. Only the subset vralloc itself sets or
// reads lives here; bio adds more on top of the same Buf_t.
type Flag uint32

const (
	FlagBusy Flag = 1 << iota
	FlagCOW
	FlagDelwri
	FlagLocked
	FlagDone
)

// Buf_t is the universal buffer object (original_source's struct buf):
// vralloc's own geteblk/rref/rfree/rclone work on it, and bio's buffer
// cache wraps it with vnode/block-number bookkeeping rather than
// inventing a second type.
type Buf_t struct {
	mu sync.Mutex

	PAddr    mem.Pa_t
	NumPages int
	BufSize  int // bytes, page-aligned
	BCount   int // bytes, as originally requested
	Flags    Flag
	AP       mem.AP_t
	Ctrl     mem.Ctrl_t
	VAddr    mem.Pa_t // user-visible virtual address, set by the caller

	refcount int
	vreg     *vregion
}

// Bytes returns the buffer's backing payload slice.
func (bp *Buf_t) Bytes() []byte {
	raw := mem.Dynmem.Dmap(bp.PAddr)
	if raw == nil {
		return nil
	}
	return raw[:bp.BufSize]
}

func allocVregion(pages int) (*vregion, defs.Err_t) {
	pages = util.Roundup(pages, blockPages)
	mb := pages / blockPages
	addr, ok := mem.Dynmem.AllocRegion(mb, vrAP, vrCtrl)
	if !ok {
		return nil, -defs.ENOMEM
	}
	v := &vregion{addr: addr, bitmap: util.NewBitmap(pages), capacity: pages}
	vregions = append(vregions, v)
	statReserved += pages * pageSize
	return v, 0
}

// getIblocks finds (or creates) a vregion with pcount free contiguous
// page slots, reserves them, and returns the vregion and the slot index.
func getIblocks(pcount int) (*vregion, int, defs.Err_t) {
	mu.Lock()
	defer mu.Unlock()

	for _, v := range vregions {
		if pos, ok := v.bitmap.BlockSearch(pcount); ok {
			v.bitmap.BlockUpdate(pos, pcount, true)
			v.count += pcount
			statUsed += pcount * pageSize
			return v, pos, 0
		}
	}

	v, err := allocVregion(pcount)
	if err != 0 {
		return nil, 0, err
	}
	pos, ok := v.bitmap.BlockSearch(pcount)
	if !ok {
		return nil, 0, -defs.ENOMEM
	}
	v.bitmap.BlockUpdate(pos, pcount, true)
	v.count += pcount
	statUsed += pcount * pageSize
	return v, pos, 0
}

func iblockOf(v *vregion, addr mem.Pa_t) int {
	return int(addr-v.addr) / pageSize
}

// Geteblk returns a fresh, zeroed, page-aligned buffer of at least size
// bytes, marked BUSY.
func Geteblk(size int) (*Buf_t, defs.Err_t) {
	origSize := size
	sz := util.Roundup(size, pageSize)
	pcount := sz / pageSize

	v, iblock, err := getIblocks(pcount)
	if err != 0 {
		return nil, err
	}
	paddr := v.addr + mem.Pa_t(iblock*pageSize)

	bp := &Buf_t{
		PAddr:    paddr,
		NumPages: pcount,
		BufSize:  sz,
		BCount:   origSize,
		Flags:    FlagBusy,
		AP:       vrAP,
		Ctrl:     vrCtrl,
		refcount: 1,
		vreg:     v,
	}
	buf := bp.Bytes()
	for i := range buf {
		buf[i] = 0
	}
	return bp, 0
}

// Allocbuf grows or shrinks bp to size bytes. Growing prefers in-place
// expansion into the page slots immediately following bp in its own
// vregion; failing that, it migrates to a fresh allocation and copies.
// Shrinking retains the existing slots (spec.md §4.4: the cost of
// returning a partial run exceeds the benefit).
func Allocbuf(bp *Buf_t, size int) defs.Err_t {
	origSize := size
	newSize := util.Roundup(size, pageSize)
	if newSize == bp.BufSize {
		return 0
	}
	newPcount := newSize / pageSize
	oldPcount := bp.BufSize / pageSize

	bp.mu.Lock()
	defer bp.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()

	if newPcount > oldPcount {
		blockdiff := newPcount - oldPcount
		v := bp.vreg
		sblock := iblockOf(v, bp.PAddr) + oldPcount

		if v.bitmap.AllClear(sblock, blockdiff) {
			v.bitmap.BlockUpdate(sblock, blockdiff, true)
			v.count += blockdiff
			statUsed += blockdiff * pageSize
		} else {
			nv, iblock, err := getIblocksLocked(newPcount)
			if err != 0 {
				return err
			}
			newAddr := nv.addr + mem.Pa_t(iblock*pageSize)
			newBuf := mem.Dynmem.Dmap(newAddr)
			if newBuf == nil {
				return -defs.EFAULT
			}
			copy(newBuf[:bp.BufSize], bp.Bytes())

			oldIblock := iblockOf(v, bp.PAddr)
			v.bitmap.BlockUpdate(oldIblock, oldPcount, false)
			v.count -= oldPcount
			statUsed -= bp.BufSize
			maybeReleaseVregion(v)

			bp.PAddr = newAddr
			bp.vreg = nv
		}
	}

	bp.NumPages = newPcount
	bp.BufSize = newSize
	bp.BCount = origSize
	return 0
}

// getIblocksLocked is getIblocks for callers that already hold mu.
func getIblocksLocked(pcount int) (*vregion, int, defs.Err_t) {
	for _, v := range vregions {
		if pos, ok := v.bitmap.BlockSearch(pcount); ok {
			v.bitmap.BlockUpdate(pos, pcount, true)
			v.count += pcount
			statUsed += pcount * pageSize
			return v, pos, 0
		}
	}
	v, err := allocVregion(pcount)
	if err != 0 {
		return nil, 0, err
	}
	pos, ok := v.bitmap.BlockSearch(pcount)
	if !ok {
		return nil, 0, -defs.ENOMEM
	}
	v.bitmap.BlockUpdate(pos, pcount, true)
	v.count += pcount
	statUsed += pcount * pageSize
	return v, pos, 0
}

// maybeReleaseVregion returns v's dynmem block to mem once it is fully
// unused, unless it is the only vregion in existence. Caller holds mu.
func maybeReleaseVregion(v *vregion) {
	if v.count != 0 || len(vregions) <= 1 {
		return
	}
	for i, cand := range vregions {
		if cand == v {
			vregions = append(vregions[:i], vregions[i+1:]...)
			break
		}
	}
	statReserved -= v.capacity * pageSize
	mem.Dynmem.FreeRegion(v.addr)
}

// Rref takes an extra reference on bp.
func Rref(bp *Buf_t) {
	bp.mu.Lock()
	bp.refcount++
	bp.mu.Unlock()
}

// Rfree drops a reference; at zero it clears bp's slots in its vregion
// and, per maybeReleaseVregion, returns the vregion to dynmem if it is
// now fully free and not the last one standing.
func Rfree(bp *Buf_t) {
	bp.mu.Lock()
	bp.refcount--
	if bp.refcount > 0 {
		bp.mu.Unlock()
		return
	}
	bp.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	v := bp.vreg
	iblock := iblockOf(v, bp.PAddr)
	v.bitmap.BlockUpdate(iblock, bp.NumPages, false)
	v.count -= bp.NumPages
	statUsed -= bp.BufSize
	maybeReleaseVregion(v)
}

// Rclone produces a logical copy of old with the COW flag cleared; bytes
// are copied, not shared.
func Rclone(old *Buf_t) (*Buf_t, defs.Err_t) {
	nb, err := Geteblk(old.BufSize)
	if err != 0 {
		return nil, err
	}
	copy(nb.Bytes(), old.Bytes())
	nb.Flags = old.Flags &^ FlagCOW
	nb.AP = old.AP
	nb.Ctrl = old.Ctrl
	nb.VAddr = old.VAddr
	return nb, 0
}

// VrAllocated reports whether bp was allocated by this package (as
// opposed to some other vm_ops implementation), the test clone2vr uses
// to decide between Rclone and a manual copy.
func VrAllocated(bp *Buf_t) bool {
	return bp != nil && bp.vreg != nil
}

// Clone2VR generalizes cloning to any buffer: a vralloc'd buffer
// delegates to Rclone; anything else (e.g. a bio buffer not backed by
// vralloc) gets a fresh vralloc buffer and a manual byte copy.
func Clone2VR(src *Buf_t) (*Buf_t, defs.Err_t) {
	if src == nil {
		return nil, -defs.EINVAL
	}
	if VrAllocated(src) {
		return Rclone(src)
	}
	nb, err := Geteblk(src.BufSize)
	if err != 0 {
		return nil, err
	}
	copy(nb.Bytes(), src.Bytes())
	nb.AP = src.AP
	nb.Ctrl = src.Ctrl
	nb.VAddr = src.VAddr
	return nb, 0
}

// Stats reports the sysctl-visible counters: vm.vralloc.{reserved,used}.
func Stats() (reserved, used int) {
	mu.Lock()
	defer mu.Unlock()
	return statReserved, statUsed
}
