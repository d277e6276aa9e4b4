package armv6

import (
	"testing"

	"zeke/mem"
	"zeke/mmu"
)

func freshHeap(t *testing.T) {
	t.Helper()
	mem.Dynmem.Init(0, 8*mem.PageSize)
}

func allocTable(t *testing.T, nrTables int, typ mmu.PTType) *mmu.Pagetable_t {
	t.Helper()
	addr, ok := mem.Dynmem.AllocRegion(1, 0, 0)
	if !ok {
		t.Fatal("dynmem alloc for page table failed")
	}
	pt := &mmu.Pagetable_t{PTAddr: addr, NrTables: nrTables, Type: typ}
	pt.MasterPTAddr = addr
	if err := mmu.InitPagetable(pt); err != 0 {
		t.Fatalf("init pagetable: %v", err)
	}
	return pt
}

func TestSectionMapAndTranslate(t *testing.T) {
	freshHeap(t)
	pt := allocTable(t, 1, mmu.PTMaster)

	phys, ok := mem.Dynmem.AllocRegion(2, 1, 0)
	if !ok {
		t.Fatal("alloc backing region failed")
	}

	r := &mmu.Region_t{
		VAddr:    mem.Pa_t(3) * mem.PageSize, // arbitrary 1MB-aligned vaddr slot
		NumPages: 2,
		AP:       1,
		Ctrl:     0,
		PAddr:    phys,
		PT:       pt,
	}
	if err := mmu.MapRegion(r); err != 0 {
		t.Fatalf("map region: %v", err)
	}

	pa, ok := mmu.TranslateVAddr(pt, r.VAddr+100)
	if !ok {
		t.Fatal("translate: expected a mapping")
	}
	if pa != phys+100 {
		t.Fatalf("translate: got %v, want %v", pa, phys+100)
	}

	if err := mmu.UnmapRegion(r); err != 0 {
		t.Fatalf("unmap: %v", err)
	}
	if _, ok := mmu.TranslateVAddr(pt, r.VAddr+100); ok {
		t.Fatal("translate: expected no mapping after unmap")
	}
}

func TestCoarseAttachDetach(t *testing.T) {
	freshHeap(t)
	master := allocTable(t, 1, mmu.PTMaster)

	coarseAddr, ok := mem.Dynmem.AllocRegion(1, 0, 0)
	if !ok {
		t.Fatal("alloc coarse table region failed")
	}
	coarse := &mmu.Pagetable_t{
		PTAddr:       coarseAddr,
		NrTables:     1,
		Type:         mmu.PTCoarse,
		MasterPTAddr: master.PTAddr,
		VAddr:        mem.Pa_t(5) * mem.PageSize,
	}
	if err := mmu.InitPagetable(coarse); err != 0 {
		t.Fatalf("init coarse: %v", err)
	}
	if err := mmu.AttachPagetable(coarse); err != 0 {
		t.Fatalf("attach: %v", err)
	}

	masterBuf := mem.Dynmem.Dmap(master.PTAddr)
	idx := int(coarse.VAddr>>20) * 4
	entry := masterBuf[idx : idx+4]
	if entry[0] == 0 && entry[1] == 0 && entry[2] == 0 && entry[3] == 0 {
		t.Fatal("expected master slot to point at the coarse table after attach")
	}

	if err := mmu.DetachPagetable(coarse); err != 0 {
		t.Fatalf("detach: %v", err)
	}
	entry = masterBuf[idx : idx+4]
	for _, b := range entry {
		if b != 0 {
			t.Fatal("expected master slot to be cleared after detach")
		}
	}
}

func TestDetachMasterRejected(t *testing.T) {
	freshHeap(t)
	master := allocTable(t, 1, mmu.PTMaster)
	if err := mmu.DetachPagetable(master); err == 0 {
		t.Fatal("expected detaching a master table to fail")
	}
}

func TestClassifyFault(t *testing.T) {
	b := binding{}
	cases := []struct {
		status uint32
		want   mmu.FaultClass
	}{
		{fsrSectionTrans, mmu.FaultTranslation},
		{fsrPageTrans, mmu.FaultTranslation},
		{fsrSectionPerm, mmu.FaultPermission},
		{fsrPagePerm, mmu.FaultPermission},
		{fsrAlignment, mmu.FaultAlignment},
		{fsrExternalFirst, mmu.FaultBusError},
	}
	for _, c := range cases {
		got := b.ClassifyFault(&mmu.Fault{Status: c.status})
		if got != c.want {
			t.Errorf("status %#x: got %v, want %v", c.status, got, c.want)
		}
	}
}
