// Package armv6 is the one platform binding this tree ships for the
// mmu package's generic interface — the spec's own words, "the ARMv6
// details in the source are one valid binding", taken literally: nothing
// outside this package or mmu's tests may assume ARMv6's bit layout.
//
// Grounded on original_source/kern/hal/arm11/arm11_mmu.c (PTE encoding
// for section/coarse entries, attach/detach via first-level redirection,
// mmu_translate_vaddr's offset-and-mask walk) and
// original_source/kern/hal/arm11/arm11_mmu_dab.c (the FSR status table
// used here for fault classification). Register layout is simulated:
// there is no real CP15/TTBR on the host this runs on, so AttachPagetable
// records the active master table in a package variable instead of
// issuing MCR p15.
package armv6

import (
	"sync"

	"zeke/defs"
	"zeke/mem"
	"zeke/mmu"
	"zeke/util"
)

func init() {
	mmu.Register(binding{})
}

type binding struct{}

var (
	mu     sync.Mutex
	active *mmu.Pagetable_t
)

func ptBytes(addr mem.Pa_t) []byte {
	return mem.Dynmem.Dmap(addr)
}

func ptSize(pt *mmu.Pagetable_t) int {
	if pt.Type == mmu.PTCoarse {
		return pt.NrTables * mmu.PTSZCoarse
	}
	return pt.NrTables * mmu.PTSZMaster
}

// InitPagetable zero-fills the table (MMU_PTE_FAULT is the all-zero
// encoding), holding it to a byte-for-byte write so the arm11 original's
// "preserve interrupt state, invalidate caches at the end" shape is
// represented even though there's no real cache or PSR here.
func (binding) InitPagetable(pt *mmu.Pagetable_t) defs.Err_t {
	if pt.NrTables <= 0 {
		return -defs.EINVAL
	}
	buf := ptBytes(pt.PTAddr)
	if buf == nil {
		return -defs.EFAULT
	}
	n := ptSize(pt)
	if n > len(buf) {
		return -defs.EFAULT
	}
	for i := 0; i < n; i += 4 {
		util.Writen(buf, 4, i, 0)
	}
	return 0
}

func (binding) MapRegion(r *mmu.Region_t) defs.Err_t {
	if r.PT == nil || r.NumPages <= 0 {
		return -defs.EINVAL
	}
	buf := ptBytes(r.PT.PTAddr)
	if buf == nil {
		return -defs.EFAULT
	}
	switch r.PT.Type {
	case mmu.PTMaster:
		mapSection(buf, r)
	case mmu.PTCoarse:
		mapCoarse(buf, r)
	default:
		return -defs.EINVAL
	}
	return 0
}

func (binding) UnmapRegion(r *mmu.Region_t) defs.Err_t {
	if r.PT == nil || r.NumPages <= 0 {
		return -defs.EINVAL
	}
	buf := ptBytes(r.PT.PTAddr)
	if buf == nil {
		return -defs.EFAULT
	}
	var base int
	switch r.PT.Type {
	case mmu.PTMaster:
		base = int(r.VAddr>>20) * 4
	case mmu.PTCoarse:
		base = int((r.VAddr&0xff000)>>12) * 4
	default:
		return -defs.EINVAL
	}
	for i := 0; i < r.NumPages; i++ {
		util.Writen(buf, 4, base+i*4, 0) // MMU_PTE_FAULT
	}
	return 0
}

// mapSection writes a run of 1 MB section entries into a MASTER table,
// mirroring arm11_mmu.c's mmu_map_section_region bit layout exactly.
func mapSection(buf []byte, r *mmu.Region_t) {
	base := int(r.VAddr>>20) * 4
	ap := uint32(r.AP)
	ctrl := uint32(r.Ctrl)
	pte := uint32(r.PAddr) & 0xfff00000
	pte |= (ap & 0x3) << 10
	pte |= (ap & 0x4) << 13
	pte |= (uint32(r.PT.Dom) & 0x7) << 5
	pte |= (ctrl & 0x3) << 16
	pte |= ctrl & 0x10
	pte |= (ctrl & 0x60) >> 3
	pte |= (ctrl & 0x380) << 5
	pte |= 0x2 // section entry

	for i := 0; i < r.NumPages; i++ {
		util.Writen(buf, 4, base+i*4, int(pte+uint32(i<<20)))
	}
}

// mapCoarse writes a run of 4 KB small-page entries into a COARSE table,
// mirroring mmu_map_coarse_region.
func mapCoarse(buf []byte, r *mmu.Region_t) {
	base := int((r.VAddr&0xff000)>>12) * 4
	ap := uint32(r.AP)
	ctrl := uint32(r.Ctrl)
	pte := uint32(r.PAddr) & 0xfffff000
	pte |= (ap & 0x3) << 4
	pte |= (ap & 0x4) << 7
	pte |= (ctrl & 0x3) << 10
	pte |= (ctrl & 0x10) >> 4
	pte |= (ctrl & 0x60) >> 3
	pte |= (ctrl & 0x380) >> 1
	pte |= 0x2 // small page entry

	for i := 0; i < r.NumPages; i++ {
		util.Writen(buf, 4, base+i*4, int(pte+uint32(i<<12)))
	}
}

// AttachPagetable installs a MASTER as the active translation table, or,
// for a COARSE, redirects the master's first-level entries spanning its
// vaddr range to point at it.
func (binding) AttachPagetable(pt *mmu.Pagetable_t) defs.Err_t {
	if pt.Type == mmu.PTMaster {
		mu.Lock()
		active = pt
		mu.Unlock()
		return 0
	}
	return attachCoarse(pt)
}

func attachCoarse(pt *mmu.Pagetable_t) defs.Err_t {
	master := ptBytes(pt.MasterPTAddr)
	if master == nil {
		return -defs.EFAULT
	}
	dom := (uint32(pt.Dom) & 0x7) << 5
	for j := 0; j < pt.NrTables; j++ {
		idx := int(pt.VAddr>>20) + j
		coarseAddr := pt.PTAddr + mem.Pa_t(j*mmu.PTSZCoarse)
		val := uint32(coarseAddr)&0xfffffc00 | dom | 0x1 // coarse entry
		util.Writen(master, 4, idx*4, int(val))
	}
	return 0
}

// DetachPagetable clears the first-level entries a prior AttachPagetable
// installed. A MASTER cannot be detached (mirrors the original's EPERM).
func (binding) DetachPagetable(pt *mmu.Pagetable_t) defs.Err_t {
	if pt.Type == mmu.PTMaster {
		return -defs.EPERM
	}
	master := ptBytes(pt.MasterPTAddr)
	if master == nil {
		return -defs.EFAULT
	}
	for j := 0; j < pt.NrTables; j++ {
		idx := int(pt.VAddr>>20) + j
		util.Writen(master, 4, idx*4, 0)
	}
	return 0
}

// TranslateVAddr walks a single table level: MASTER resolves a 1 MB
// section, COARSE a 4 KB page, exactly as mmu_translate_vaddr does.
func (binding) TranslateVAddr(pt *mmu.Pagetable_t, va mem.Pa_t) (mem.Pa_t, bool) {
	buf := ptBytes(pt.PTAddr)
	if buf == nil {
		return 0, false
	}

	var mask uint32
	var pageSize uint32
	var idx int
	offset := uint32(va - pt.VAddr)

	switch pt.Type {
	case mmu.PTMaster:
		pageSize = mmu.PageSizeSection
		mask = 0xfff00000
		offset &= 0x000fffff
		idx = int(va >> 20)
	case mmu.PTCoarse:
		pageSize = mmu.PageSizeCoarse
		mask = 0xfffff000
		offset &= 0x00000fff
		idx = int((va & 0x000ff000) >> 12)
	default:
		return 0, false
	}

	if offset > pageSize {
		return 0, false
	}
	pte := uint32(util.Readn(buf, 4, idx*4))
	if pte&0x3 == 0 { // MMU_PTE_FAULT
		return 0, false
	}
	return mem.Pa_t(pte&mask) + mem.Pa_t(offset), true
}

// FSR status codes this binding decodes (FSR[10,3:0], per
// arm11_mmu_dab.c's dab_fsr_strerr table).
const (
	fsrAlignment     = 0x1
	fsrSectionAP     = 0x3
	fsrSectionTrans  = 0x5
	fsrPageAP        = 0x6
	fsrPageTrans     = 0x7
	fsrExternalFirst = 0x8
	fsrSectionDomain = 0x9
	fsrPageDomain    = 0xb
	fsrExternalL1    = 0xc
	fsrSectionPerm   = 0xd
	fsrExternalL2    = 0xe
	fsrPagePerm      = 0xf
)

// ClassifyFault decodes Status's low FSR bits the same way
// get_dab_strerror does, reduced to the platform-agnostic mmu.FaultClass
// categories.
func (binding) ClassifyFault(f *mmu.Fault) mmu.FaultClass {
	switch f.Status & 0xf {
	case fsrSectionTrans, fsrPageTrans:
		return mmu.FaultTranslation
	case fsrSectionAP, fsrPageAP, fsrSectionPerm, fsrPagePerm:
		return mmu.FaultPermission
	case fsrAlignment:
		return mmu.FaultAlignment
	case fsrExternalFirst, fsrExternalL1, fsrExternalL2:
		return mmu.FaultBusError
	case fsrSectionDomain, fsrPageDomain:
		return mmu.FaultBusError
	default:
		return mmu.FaultUnknown
	}
}
