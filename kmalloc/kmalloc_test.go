package kmalloc

import (
	"testing"

	"zeke/mem"
)

// reset clears package-level state between tests; kmalloc's chain is a
// package singleton (mirrors kmalloc_base in the original), so tests
// can't run with t.Parallel against each other.
func reset(npages int) {
	mu.Lock()
	base = nil
	blocksByAddr = map[mem.Pa_t]*mblock{}
	stat.resBytes, stat.resMax, stat.allocBytes, stat.allocMax = 0, 0, 0, 0
	mu.Unlock()
	mem.Dynmem.Init(0, mem.Pa_t(npages*mem.PageSize))
}

func TestAllocFreeRoundtrip(t *testing.T) {
	reset(8)

	a, err := Kmalloc(100)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	buf := Bytes(a)
	if len(buf) < 100 {
		t.Fatalf("expected at least 100 bytes, got %d", len(buf))
	}
	buf[0] = 0x42
	if Bytes(a)[0] != 0x42 {
		t.Fatal("payload write not visible through Bytes")
	}

	if err := Kfree(a); err != 0 {
		t.Fatalf("kfree: %v", err)
	}
	_, _, alloc, _, _ := Stats()
	if alloc != 0 {
		t.Fatalf("vm.kmalloc.alloc not restored: %d", alloc)
	}
}

// TestSplitMergeCollapse is spec.md §8 scenario 2: allocate p1 (100),
// p2 (200), p3 (100) in order, free p1, then p3, then p2, and expect the
// heap to collapse back to a single free block (or be released to
// dynmem entirely) with vm.kmalloc.alloc back at 0.
func TestSplitMergeCollapse(t *testing.T) {
	reset(8)

	p1, err := Kmalloc(100)
	if err != 0 {
		t.Fatalf("kmalloc p1: %v", err)
	}
	p2, err := Kmalloc(200)
	if err != 0 {
		t.Fatalf("kmalloc p2: %v", err)
	}
	p3, err := Kmalloc(100)
	if err != 0 {
		t.Fatalf("kmalloc p3: %v", err)
	}

	if err := Kfree(p1); err != 0 {
		t.Fatalf("kfree p1: %v", err)
	}
	if err := Kfree(p3); err != 0 {
		t.Fatalf("kfree p3: %v", err)
	}
	if err := Kfree(p2); err != 0 {
		t.Fatalf("kfree p2: %v", err)
	}

	_, _, alloc, _, _ := Stats()
	if alloc != 0 {
		t.Fatalf("vm.kmalloc.alloc not restored: %d", alloc)
	}
	mu.Lock()
	n := 0
	for b := base; b != nil; b = b.next {
		n++
	}
	mu.Unlock()
	if n > 1 {
		t.Fatalf("expected heap to collapse to at most one block, got %d", n)
	}
}

// TestDoubleFreeIsIdempotent covers the case where the block survives its
// first free (merged into a larger free run rather than returned to
// dynmem outright) — a second free of the same address must be a no-op,
// not a crash or double-decrement.
func TestDoubleFreeIsIdempotent(t *testing.T) {
	reset(8)
	a, _ := Kmalloc(32)
	if err := Kfree(a); err != 0 {
		t.Fatalf("first kfree: %v", err)
	}
	if err := Kfree(a); err != 0 {
		t.Fatalf("second kfree on an already-freed block should be a no-op: %v", err)
	}

	// Once the whole region collapses and is returned to dynmem, the
	// address is genuinely gone and a further free must report EFAULT.
	Kfree(a)
	mu.Lock()
	_, stillRegistered := blocksByAddr[a]
	mu.Unlock()
	if !stillRegistered {
		if err := Kfree(a); err == 0 {
			t.Fatal("expected kfree on a released address to report an error")
		}
	}
}

func TestKpallocExtraRef(t *testing.T) {
	reset(8)
	a, _ := Kmalloc(32)
	if err := Kpalloc(a); err != 0 {
		t.Fatalf("kpalloc: %v", err)
	}
	if err := Kfree(a); err != 0 {
		t.Fatalf("first kfree after kpalloc: %v", err)
	}
	if Bytes(a) == nil {
		t.Fatal("block freed too early: kpalloc ref should have kept it alive")
	}
	if err := Kfree(a); err != 0 {
		t.Fatalf("second kfree: %v", err)
	}
}

func TestKreallocGrowCopiesPayload(t *testing.T) {
	reset(8)
	a, _ := Kmalloc(16)
	copy(Bytes(a), []byte("hello world"))

	b, err := Krealloc(a, 4096)
	if err != 0 {
		t.Fatalf("krealloc: %v", err)
	}
	got := Bytes(b)[:11]
	if string(got) != "hello world" {
		t.Fatalf("payload lost across krealloc: got %q", got)
	}
	Kfree(b)
}

func TestKreallocShrinkSplits(t *testing.T) {
	reset(8)
	a, _ := Kmalloc(4096)
	b, err := Krealloc(a, 16)
	if err != 0 {
		t.Fatalf("krealloc shrink: %v", err)
	}
	if b != a {
		t.Fatal("shrinking realloc should keep the same address")
	}
	if len(Bytes(b)) < 16 {
		t.Fatal("shrunk block too small")
	}
	Kfree(b)
}

func TestKcallocZeroes(t *testing.T) {
	reset(8)
	a, err := Kcalloc(16, 4)
	if err != 0 {
		t.Fatalf("kcalloc: %v", err)
	}
	for i, v := range Bytes(a) {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, v)
		}
	}
	Kfree(a)
}

func TestExtendOnExhaustion(t *testing.T) {
	reset(8)
	a, err := Kmalloc(3 * mem.PageSize)
	if err != 0 {
		t.Fatalf("kmalloc large: %v", err)
	}
	b, err := Kmalloc(3 * mem.PageSize)
	if err != 0 {
		t.Fatalf("kmalloc large 2 (should extend): %v", err)
	}
	if a == b {
		t.Fatal("expected distinct regions")
	}
	Kfree(a)
	Kfree(b)
}
