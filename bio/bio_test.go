package bio

import (
	"sync"
	"testing"

	"zeke/defs"
	"zeke/mem"
)

// memStore is an in-memory Store for tests: a flat byte slice addressed
// by block number, standing in for a real vnode or block device.
type memStore struct {
	mu     sync.Mutex
	blocks map[int][]byte
	failAt int // ReadBlock/WriteBlock on this blkno report EIO; -1 disables
}

func newMemStore() *memStore {
	return &memStore{blocks: map[int][]byte{}, failAt: -1}
}

func (s *memStore) ReadBlock(blkno int, p []byte) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blkno == s.failAt {
		return -defs.EIO
	}
	if b, ok := s.blocks[blkno]; ok {
		copy(p, b)
	}
	return 0
}

func (s *memStore) WriteBlock(blkno int, p []byte) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blkno == s.failAt {
		return -defs.EIO
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	s.blocks[blkno] = cp
	return 0
}

// dynmemOnce sets dynmem up once per test binary: vralloc keeps its
// vregions across tests, so re-initialising dynmem under them would
// leave those vregions pointing at released descriptors.
var dynmemOnce sync.Once

func resetHeap(t *testing.T) {
	t.Helper()
	mu.Lock()
	trees = map[Store]*node{}
	relseList.Init()
	mu.Unlock()
	dynmemOnce.Do(func() { mem.Dynmem.Init(0, 8*mem.PageSize) })
}

func TestGetblkCachesByBlkno(t *testing.T) {
	resetHeap(t)
	s := newMemStore()

	a, err := Getblk(s, 5, BSIZE)
	if err != 0 {
		t.Fatalf("getblk: %v", err)
	}
	Brelse(a)

	b, err := Getblk(s, 5, BSIZE)
	if err != 0 {
		t.Fatalf("getblk again: %v", err)
	}
	if a != b {
		t.Fatal("expected the same cached buffer for the same blkno")
	}
	Brelse(b)
}

func TestBreadReadsPayload(t *testing.T) {
	resetHeap(t)
	s := newMemStore()
	s.blocks[3] = append([]byte{0xde, 0xad, 0xbe, 0xef}, make([]byte, BSIZE-4)...)

	bp, err := Bread(s, 3, BSIZE)
	if err != 0 {
		t.Fatalf("bread: %v", err)
	}
	got := bp.Bytes()[:4]
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
	Brelse(bp)
}

func TestBwriteFlushesToStore(t *testing.T) {
	resetHeap(t)
	s := newMemStore()
	bp, err := Getblk(s, 7, BSIZE)
	if err != 0 {
		t.Fatalf("getblk: %v", err)
	}
	bp.Bytes()[0] = 0x11
	if err := Bwrite(bp); err != 0 {
		t.Fatalf("bwrite: %v", err)
	}
	if s.blocks[7][0] != 0x11 {
		t.Fatal("expected bwrite to flush payload to the store")
	}
	Brelse(bp)
}

func TestBdwriteDefersUntilBioClean(t *testing.T) {
	resetHeap(t)
	s := newMemStore()
	bp, err := Getblk(s, 9, BSIZE)
	if err != 0 {
		t.Fatalf("getblk: %v", err)
	}
	bp.Bytes()[0] = 0x22
	Bdwrite(bp)
	Brelse(bp)

	if _, ok := s.blocks[9]; ok {
		t.Fatal("bdwrite should not flush immediately")
	}

	BioClean(false)
	if s.blocks[9][0] != 0x22 {
		t.Fatal("expected BioClean to flush the delayed write")
	}
}

func TestBioCleanEvictsWhenFreebufs(t *testing.T) {
	resetHeap(t)
	s := newMemStore()
	bp, err := Getblk(s, 1, BSIZE)
	if err != 0 {
		t.Fatalf("getblk: %v", err)
	}
	Brelse(bp)

	BioClean(true)

	mu.Lock()
	found := incore(s, 1)
	mu.Unlock()
	if found != nil {
		t.Fatal("expected the evicted buffer to be gone from the cache")
	}
}

func TestBreadErrorSurfacesThroughBiowait(t *testing.T) {
	resetHeap(t)
	s := newMemStore()
	s.failAt = 2

	_, err := Bread(s, 2, BSIZE)
	if err == 0 {
		t.Fatal("expected bread to report the store's error")
	}
}

func TestGetblkRejectsNilStore(t *testing.T) {
	resetHeap(t)
	if _, err := Getblk(nil, 0, BSIZE); err == 0 {
		t.Fatal("expected an error for a nil store")
	}
}
