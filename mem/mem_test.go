package mem

import "testing"

func freshDynmem(npages int) *Dynmem_t {
	d := &Dynmem_t{}
	d.start = 0
	d.npages = npages
	d.desc = make([]desc_t, npages)
	d.bitmap = make([]uint64, (npages+63)/64)
	d.free = npages
	d.backing = make(map[Pa_t][]byte)
	return d
}

func TestAllocFreeRoundtrip(t *testing.T) {
	d := freshDynmem(16)
	free0, _, _, _ := d.Stats()

	a, ok := d.AllocRegion(4, 0, 0)
	if !ok {
		t.Fatal("alloc failed")
	}
	if err := d.FreeRegion(a); err != 0 {
		t.Fatalf("free: %v", err)
	}
	free1, _, _, _ := d.Stats()
	if free0 != free1 {
		t.Fatalf("free count not restored: %v != %v", free0, free1)
	}
}

// TestCoalescingReuse is spec.md §8 scenario 1: allocate A, B, C in order,
// free B, then allocate again and expect reuse of B's slot (lowest-address
// first-fit), then free A and C and check free count is restored.
func TestCoalescingReuse(t *testing.T) {
	d := freshDynmem(16)
	free0, _, _, _ := d.Stats()

	a, _ := d.AllocRegion(1, 0, 0)
	b, _ := d.AllocRegion(1, 0, 0)
	c, _ := d.AllocRegion(1, 0, 0)

	if err := d.FreeRegion(b); err != 0 {
		t.Fatalf("free b: %v", err)
	}

	d2, ok := d.AllocRegion(1, 0, 0)
	if !ok {
		t.Fatal("realloc failed")
	}
	if d2 != b {
		t.Fatalf("expected reuse of freed slot %v, got %v", b, d2)
	}

	d.FreeRegion(a)
	d.FreeRegion(d2)
	d.FreeRegion(c)

	free1, _, _, _ := d.Stats()
	if free0 != free1 {
		t.Fatalf("vm.dynmem.free not restored: %v != %v", free0, free1)
	}
}

func TestRefcountKeepsRegionAlive(t *testing.T) {
	d := freshDynmem(8)
	a, _ := d.AllocRegion(2, 0, 0)
	if err := d.Ref(a); err != 0 {
		t.Fatalf("ref: %v", err)
	}
	d.FreeRegion(a) // drops to refcount 1, still allocated
	if !d.addrValid(a, true) {
		t.Fatal("region freed too early")
	}
	d.FreeRegion(a) // drops to 0, actually frees
	if d.addrValid(a, true) {
		t.Fatal("region should be freed")
	}
}

func TestRunLinkFlags(t *testing.T) {
	d := freshDynmem(8)
	a, ok := d.AllocRegion(3, 0, 0)
	if !ok {
		t.Fatal("alloc failed")
	}
	idx := d.addr2idx(a)
	if d.desc[idx].link != linkLink || d.desc[idx+1].link != linkLink {
		t.Fatal("expected LINK on all but last page")
	}
	if d.desc[idx+2].link != linkEnd {
		t.Fatal("expected END on last page of run")
	}
	for i := idx; i < idx+3; i++ {
		if d.desc[i].refcount < 1 {
			t.Fatalf("page %d refcount should be >= 1", i)
		}
	}
}

func TestCloneCopiesAndReleasesOriginal(t *testing.T) {
	d := freshDynmem(8)
	a, _ := d.AllocRegion(1, 0, 0)

	var copiedFrom, copiedTo Pa_t
	nb, err := d.Clone(a, func(dst, src Pa_t, n int) {
		copiedFrom, copiedTo = src, dst
		if n != PageSize {
			t.Fatalf("expected %d bytes, got %d", PageSize, n)
		}
	})
	if err != 0 {
		t.Fatalf("clone: %v", err)
	}
	if copiedFrom != a || copiedTo != nb {
		t.Fatal("copy callback saw wrong addresses")
	}
	if !d.addrValid(a, true) {
		t.Fatal("original ref should still be held by caller")
	}
	d.FreeRegion(a)
	d.FreeRegion(nb)
}

func TestInvalidAddress(t *testing.T) {
	d := freshDynmem(8)
	if err := d.Ref(PageSize * 4); err == 0 {
		t.Fatal("expected EINVAL for unallocated address")
	}
}
