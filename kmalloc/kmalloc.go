// Package kmalloc implements the general-purpose kernel byte allocator
// layered on top of mem's 1 MB dynmem regions (spec.md §4.2).
//
// Grounded on original_source/kern/kmalloc.c for the algorithm: a chain of
// block descriptors (mblock_t there, mblock here) searched first-fit,
// split on allocation when the remainder is worth keeping, merged on free
// when adjacent, and extended by pulling a fresh dynmem region when no
// block in the chain fits. The C version stores each descriptor inline,
// immediately before its own payload, and recovers one from the other
// with pointer arithmetic (get_mblock). Go has no safe equivalent of that
// cast, so descriptors live here as ordinary heap-allocated structs in a
// doubly linked chain, keyed by payload address in blocksByAddr — the
// same "explicit registry instead of pointer arithmetic" shape mem.go
// uses for reserved areas. The payload bytes themselves still come from
// mem.Dynmem's backing store, reached through Dmap.
package kmalloc

import (
	"sync"

	"zeke/defs"
	"zeke/mem"
	"zeke/util"
)

// hdrSize is the notional size of a block descriptor, charged against a
// region's capacity the same way MBLOCK_SIZE is in the original so that
// extend's region-size math and the split/merge thresholds behave the
// same way, even though the descriptor itself isn't stored in the region.
const hdrSize = 48

// minSplitRemainder is the smallest leftover worth turning into its own
// free block; below this, a split wastes more to bookkeeping than it
// saves (mirrors kmalloc.c's "MBLOCK_SIZE + sizeof(void *)" threshold).
const minSplitRemainder = hdrSize + 8

// kmallocAP and kmallocCtrl are the access-permission and control bits
// requested of dynmem for kernel heap regions (MMU_AP_RWNA/MMU_CTRL_NG in
// the original); the concrete ARMv6 encoding is owned by mmu/armv6.
const (
	kmallocAP   mem.AP_t   = 1
	kmallocCtrl mem.Ctrl_t = 0
)

// mblock is one block descriptor in the kmalloc chain.
type mblock struct {
	addr     mem.Pa_t
	size     int
	refcount int
	next     *mblock
	prev     *mblock
}

var (
	mu           sync.Mutex
	base         *mblock
	blocksByAddr = map[mem.Pa_t]*mblock{}

	stat struct {
		resBytes   int
		resMax     int
		allocBytes int
		allocMax   int
	}
)

func memalign(size int) int {
	return util.Roundup(size, 8)
}

func registerBlock(b *mblock) {
	blocksByAddr[b.addr] = b
}

func unregisterBlock(b *mblock) {
	delete(blocksByAddr, b.addr)
}

func statUp(cur, max *int, amount int) {
	*cur += amount
	if *cur > *max {
		*max = *cur
	}
}

// extend pulls a fresh dynmem region and appends one or two mblocks to
// the chain: a block sized exactly s, and, if the region is larger than
// s plus its header overhead, a second free block covering the rest.
func extend(last *mblock, s int) (*mblock, defs.Err_t) {
	total := s + hdrSize
	sizeMB := (total + mem.PageSize - 1) / mem.PageSize

	regionBase, ok := mem.Dynmem.AllocRegion(sizeMB, kmallocAP, kmallocCtrl)
	if !ok {
		return nil, -defs.ENOMEM
	}
	statUp(&stat.resBytes, &stat.resMax, sizeMB*mem.PageSize)

	b := &mblock{addr: regionBase, size: s, prev: last}
	if last != nil {
		last.next = b
	}
	registerBlock(b)

	memfree := sizeMB*mem.PageSize - total
	if memfree > hdrSize {
		bl := &mblock{
			addr: regionBase + mem.Pa_t(s+hdrSize),
			size: memfree - hdrSize,
			prev: b,
		}
		b.next = bl
		registerBlock(bl)
	}

	return b, 0
}

// findBlock walks the chain for the first free block of at least size s,
// reporting the last block visited (used by extend when none fits).
func findBlock(size int) (found, last *mblock) {
	b := base
	for b != nil {
		last = b
		if b.refcount == 0 && b.size >= size {
			return b, last
		}
		b = b.next
	}
	return nil, last
}

// split carves b into a block of size s and a new free block holding the
// remainder, provided the remainder clears minSplitRemainder.
func split(b *mblock, s int) {
	if b.size-s < minSplitRemainder {
		return
	}
	nb := &mblock{
		addr: b.addr + mem.Pa_t(s+hdrSize),
		size: b.size - s - hdrSize,
		next: b.next,
		prev: b,
	}
	if nb.next != nil {
		nb.next.prev = nb
	}
	b.size = s
	b.next = nb
	registerBlock(nb)
}

// merge absorbs b's next block into b if both are free and the payloads
// are byte-adjacent (i.e. the same dynmem region, not two regions that
// merely landed next to each other in the descriptor table).
func merge(b *mblock) *mblock {
	if b.next == nil || b.next.refcount != 0 {
		return b
	}
	if b.addr+mem.Pa_t(b.size)+hdrSize != b.next.addr {
		return b
	}
	dead := b.next
	b.size += hdrSize + dead.size
	b.next = dead.next
	if b.next != nil {
		b.next.prev = b
	}
	unregisterBlock(dead)
	return b
}

// Kmalloc returns the address of a newly allocated, zero-refcount-turned-
// one block of at least size bytes.
func Kmalloc(size int) (mem.Pa_t, defs.Err_t) {
	mu.Lock()
	defer mu.Unlock()

	s := memalign(size)
	var b *mblock

	if base == nil {
		nb, err := extend(nil, s)
		if err != 0 {
			return 0, err
		}
		b = nb
		base = b
	} else {
		found, last := findBlock(s)
		if found != nil {
			b = found
			split(b, s)
		} else {
			nb, err := extend(last, s)
			if err != 0 {
				return 0, err
			}
			b = nb
		}
	}

	statUp(&stat.allocBytes, &stat.allocMax, b.size)
	b.refcount = 1
	return b.addr, 0
}

// Kcalloc allocates nmemb*elsize bytes and zeroes them.
func Kcalloc(nmemb, elsize int) (mem.Pa_t, defs.Err_t) {
	n := nmemb * elsize
	addr, err := Kmalloc(n)
	if err != 0 {
		return 0, err
	}
	buf := Bytes(addr)
	for i := range buf {
		buf[i] = 0
	}
	return addr, 0
}

// Bytes returns the payload slice for addr, or nil if addr does not name
// a currently allocated block.
func Bytes(addr mem.Pa_t) []byte {
	mu.Lock()
	b, ok := blocksByAddr[addr]
	size := 0
	if ok {
		size = b.size
	}
	mu.Unlock()
	if !ok {
		return nil
	}
	raw := mem.Dynmem.Dmap(addr)
	if raw == nil {
		return nil
	}
	return raw[:size]
}

// Kfree drops addr's refcount; at zero it merges with free neighbors.
// The merged block is returned to dynmem only when it is the last block
// in the chain and starts its own dynmem region (no byte-adjacent block
// before it). A freed block that still has a successor, or that follows
// a live block of the same region, stays in the chain as a free block,
// even when its whole region is free; older free regions elsewhere in
// the chain are not returned either.
func Kfree(addr mem.Pa_t) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()

	b, ok := blocksByAddr[addr]
	if !ok {
		return -defs.EFAULT
	}
	if b.refcount <= 0 {
		b.refcount = 0
		return 0
	}
	b.refcount--
	if b.refcount > 0 {
		return 0
	}

	stat.allocBytes -= b.size

	if b.prev != nil && b.prev.refcount == 0 {
		b = merge(b.prev)
	}
	if b.next != nil {
		merge(b)
		return 0
	}
	if b.prev != nil && b.prev.addr+mem.Pa_t(b.prev.size)+hdrSize == b.addr {
		return 0 // b does not start its region; a live block precedes it
	}

	if b.prev != nil {
		b.prev.next = nil
	} else {
		base = nil
	}
	unregisterBlock(b)
	return mem.Dynmem.FreeRegion(b.addr)
}

// Krealloc resizes the block at addr to size bytes, copying payload bytes
// if it must move. addr may be 0 when no block is allocated at address
// 0, in which case this behaves like Kmalloc.
func Krealloc(addr mem.Pa_t, size int) (mem.Pa_t, defs.Err_t) {
	mu.Lock()
	b, ok := blocksByAddr[addr]
	if !ok {
		mu.Unlock()
		if addr == 0 {
			return Kmalloc(size)
		}
		return 0, -defs.EFAULT
	}
	s := memalign(size)

	if b.size >= s {
		split(b, s)
		mu.Unlock()
		return addr, 0
	}

	if b.next != nil && b.next.refcount == 0 && b.addr+mem.Pa_t(b.size)+hdrSize == b.next.addr &&
		b.size+hdrSize+b.next.size >= s {
		oldSize := b.size
		merge(b)
		stat.allocBytes -= oldSize
		split(b, s)
		stat.allocBytes += b.size
		mu.Unlock()
		return addr, 0
	}
	mu.Unlock()

	np, err := Kmalloc(size)
	if err != 0 {
		return 0, err
	}
	copy(Bytes(np), Bytes(addr))
	Kfree(addr)
	return np, 0
}

// Kpalloc takes an extra reference on the block at addr, mirroring
// vralloc-style shared-ownership kernel buffers that are kmalloc-backed.
func Kpalloc(addr mem.Pa_t) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()
	b, ok := blocksByAddr[addr]
	if !ok {
		return -defs.EFAULT
	}
	b.refcount++
	return 0
}

// Stats reports the sysctl-visible counters: vm.kmalloc.{res,max,alloc,
// alloc_max,fragm_rat}.
func Stats() (res, max, alloc, allocMax, fragmPct int) {
	mu.Lock()
	defer mu.Unlock()

	free, total := 0, 0
	for b := base; b != nil; b = b.next {
		total++
		if b.refcount == 0 {
			free++
		}
	}
	pct := 0
	if total > 0 {
		pct = (free * 100) / total
	}
	return stat.resBytes, stat.resMax, stat.allocBytes, stat.allocMax, pct
}
