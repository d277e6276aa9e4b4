// Package bio is the block I/O buffer cache layered on vralloc: a
// per-vnode index of cached Buf_t's keyed by block number, plus the
// delayed-write/release machinery that lets callers hand a buffer back
// without forcing it out to the backing store immediately.
//
// Grounded on biscuit/src/fs/blk.go (Bdev_block_t's flag/lock shape,
// BDEV_READ/WRITE/FLUSH command split, with the Disk_i request model
// reduced below to the synchronous Store interface) and original_source/kern/bio.c
// for the cache algorithm itself: getblk/incore/create_blk, the splay
// tree keyed by block number (biobuf_compar), bread/bwrite/bawrite/
// bdwrite/brelse/biowait, and the released-list reclaim scanner
// (bio_clean). biscuit's own cache is a flat container/list with no
// per-vnode split and no delayed-write path, so that part is ported from
// the C rather than adapted from biscuit.
package bio

import (
	"container/list"
	"sync"

	"zeke/defs"
	"zeke/vralloc"
)

// BSIZE is the cache's block size in bytes, matching vralloc's page
// granularity so every buffer is exactly one vralloc page.
const BSIZE = 4096

// Flag holds the per-buffer state bits (B_BUSY, B_DELWRI, ... in
// original_source/kern/include/buf.h).
type Flag uint32

const (
	FlagBusy Flag = 1 << iota
	FlagDone
	FlagDelwri
	FlagAsync
	FlagError
	FlagLocked
	FlagNoSync
)

// Store is the minimal vnode surface bio needs: synchronous block-level
// read/write, standing in for vnode_ops->read/write in the original and
// for biscuit's Disk_i.Start/AckCh request model. A real filesystem
// vnode implements this directly; a raw block device implements it over
// its own backing store.
type Store interface {
	ReadBlock(blkno int, p []byte) defs.Err_t
	WriteBlock(blkno int, p []byte) defs.Err_t
}

// Buf_t is a cached block, identified by (store, blkno) and backed by a
// vralloc.Buf_t for its payload.
type Buf_t struct {
	lock sync.Mutex // BUF_LOCK's mutex; distinct from Vbuf's own lock

	Store Store
	Blkno int
	Flags Flag
	Err   defs.Err_t
	Vbuf  *vralloc.Buf_t

	relse *list.Element // this buffer's slot on the released list, if any
}

// Bytes returns the buffer's payload.
func (bp *Buf_t) Bytes() []byte {
	return bp.Vbuf.Bytes()
}

// node is a splay tree node keyed by block number (biobuf_compar).
type node struct {
	blkno       int
	buf         *Buf_t
	left, right *node
}

var (
	mu        sync.Mutex // cache_lock
	trees     = map[Store]*node{}
	relseList = list.New()
)

// splay brings the node nearest key to the root of tree using the
// standard top-down splay, and returns the new root.
func splay(root *node, key int) *node {
	if root == nil {
		return nil
	}
	var leftTree, rightTree node
	l, r := &leftTree, &rightTree

	for {
		if key < root.blkno {
			if root.left == nil {
				break
			}
			if key < root.left.blkno {
				y := root.left
				root.left = y.right
				y.right = root
				root = y
				if root.left == nil {
					break
				}
			}
			r.left = root
			r = root
			root = root.left
		} else if key > root.blkno {
			if root.right == nil {
				break
			}
			if key > root.right.blkno {
				y := root.right
				root.right = y.left
				y.left = root
				root = y
				if root.right == nil {
					break
				}
			}
			l.right = root
			l = root
			root = root.right
		} else {
			break
		}
	}
	l.right = root.left
	r.left = root.right
	root.left = leftTree.right
	root.right = rightTree.left
	return root
}

func treeFind(root *node, blkno int) (*node, *node) {
	if root == nil {
		return nil, nil
	}
	root = splay(root, blkno)
	if root.blkno == blkno {
		return root, root
	}
	return nil, root
}

func treeInsert(root *node, n *node) *node {
	if root == nil {
		return n
	}
	root = splay(root, n.blkno)
	if n.blkno < root.blkno {
		n.left = root.left
		n.right = root
		root.left = nil
	} else {
		n.right = root.right
		n.left = root
		root.right = nil
	}
	return n
}

func treeRemove(root *node, blkno int) *node {
	if root == nil {
		return nil
	}
	root = splay(root, blkno)
	if root.blkno != blkno {
		return root
	}
	if root.left == nil {
		return root.right
	}
	r := root.right
	newRoot := splay(root.left, blkno)
	newRoot.right = r
	return newRoot
}

// incore returns the cached buffer for (store, blkno), or nil.
func incore(store Store, blkno int) *Buf_t {
	root, ok := trees[store]
	if !ok {
		return nil
	}
	found, newRoot := treeFind(root, blkno)
	trees[store] = newRoot
	if found == nil {
		return nil
	}
	return found.buf
}

func createBlk(store Store, blkno, size int) (*Buf_t, defs.Err_t) {
	vbuf, err := vralloc.Geteblk(size)
	if err != 0 {
		return nil, err
	}
	bp := &Buf_t{
		Store: store,
		Blkno: blkno,
		Flags: FlagDone,
		Vbuf:  vbuf,
	}
	root := trees[store]
	trees[store] = treeInsert(root, &node{blkno: blkno, buf: bp})
	return bp, 0
}

// Getblk returns the cached buffer for (store, blkno), creating and
// inserting one if absent, resizing it to size, and marking it BUSY.
// The original's retry-until-not-busy spin collapses here because every
// caller in this tree runs to completion before Getblk returns to a
// different goroutine, but the flag and lock choreography is kept so a
// concurrent caller observes the same invariants (bp.lock held while
// BUSY is tested and set).
func Getblk(store Store, blkno, size int) (*Buf_t, defs.Err_t) {
	if store == nil {
		return nil, -defs.EINVAL
	}
	mu.Lock()
	defer mu.Unlock()

	bp := incore(store, blkno)
	var err defs.Err_t
	if bp == nil {
		bp, err = createBlk(store, blkno, size)
		if err != 0 {
			return nil, err
		}
	}

	bp.lock.Lock()
	if bp.relse != nil {
		relseList.Remove(bp.relse)
		bp.relse = nil
	}
	bp.Flags |= FlagBusy
	bp.Flags &^= FlagError
	bp.Err = 0
	bp.lock.Unlock()

	if err := vralloc.Allocbuf(bp.Vbuf, size); err != 0 {
		return nil, err
	}
	return bp, 0
}

// readin loads the buffer's payload from its store (_bio_readin).
func readin(bp *Buf_t) defs.Err_t {
	bp.lock.Lock()
	defer bp.lock.Unlock()
	bp.Flags &^= FlagDone
	err := bp.Store.ReadBlock(bp.Blkno, bp.Bytes())
	bp.Flags |= FlagDone
	if err != 0 {
		bp.Flags |= FlagError
		bp.Err = err
	}
	return err
}

// writeout flushes the buffer's payload to its store (_bio_writeout).
func writeout(bp *Buf_t) defs.Err_t {
	bp.lock.Lock()
	defer bp.lock.Unlock()
	if bp.Flags&FlagNoSync != 0 {
		bp.Flags |= FlagDone
		return 0
	}
	err := bp.Store.WriteBlock(bp.Blkno, bp.Bytes())
	bp.Flags |= FlagDone
	if err != 0 {
		bp.Flags |= FlagError
		bp.Err = err
	}
	return err
}

// Bread returns a buffer for (store, blkno) with size bytes read in.
func Bread(store Store, blkno, size int) (*Buf_t, defs.Err_t) {
	bp, err := Getblk(store, blkno, size)
	if err != 0 {
		return nil, err
	}
	if err := readin(bp); err != 0 {
		return nil, err
	}
	return bp, 0
}

// Bwrite synchronously flushes bp.
func Bwrite(bp *Buf_t) defs.Err_t {
	bp.lock.Lock()
	bp.Flags &^= (FlagDone | FlagError | FlagAsync | FlagDelwri)
	bp.Flags |= FlagBusy
	bp.Err = 0
	bp.lock.Unlock()

	err := writeout(bp)

	bp.lock.Lock()
	bp.Flags &^= FlagBusy
	bp.lock.Unlock()
	return err
}

// Bawrite marks bp ASYNC and writes it out. There is no background I/O
// thread in this tree, so "async" only means the caller isn't forced to
// wait on a completion channel the way biscuit's Write_async is — the
// write itself still happens inline.
func Bawrite(bp *Buf_t) defs.Err_t {
	bp.lock.Lock()
	bp.Flags |= FlagAsync
	bp.lock.Unlock()
	return Bwrite(bp)
}

// Bdwrite marks bp for delayed write: the payload is left dirty in the
// cache and only flushed when BioClean's reclaim pass gets to it.
func Bdwrite(bp *Buf_t) {
	bp.lock.Lock()
	bp.Flags |= FlagDelwri
	bp.lock.Unlock()
}

// Biowait reports the error recorded by the buffer's last I/O. Every
// store call in this tree runs synchronously to completion before
// returning, so unlike biowait_timo's busy spin there is nothing to
// wait for by the time a caller reaches here — this just surfaces the
// recorded error.
func Biowait(bp *Buf_t) defs.Err_t {
	bp.lock.Lock()
	defer bp.lock.Unlock()
	if bp.Flags&FlagError != 0 {
		if bp.Err != 0 {
			return bp.Err
		}
		return -defs.EIO
	}
	return 0
}

// Brelse clears BUSY and puts bp on the released list for the reclaim
// scanner (bl_brelse).
func Brelse(bp *Buf_t) {
	bp.lock.Lock()
	bp.Flags &^= FlagBusy
	bp.lock.Unlock()

	mu.Lock()
	defer mu.Unlock()
	if bp.relse == nil {
		bp.relse = relseList.PushBack(bp)
	}
}

// BioClean scans the released list, flushing delayed writes and — when
// freebufs is set — evicting unlocked, non-busy buffers back to
// vralloc. Grounded on bio_clean; the original's "couldn't lock the
// vnode, skip" branch collapses here since a released buffer can't be
// concurrently claimed without going through Getblk, which already
// removes it from this list.
func BioClean(freebufs bool) {
	mu.Lock()
	defer mu.Unlock()

	var next *list.Element
	for e := relseList.Front(); e != nil; e = next {
		next = e.Next()
		bp := e.Value.(*Buf_t)

		bp.lock.Lock()
		if bp.Flags&FlagBusy != 0 {
			bp.lock.Unlock()
			continue
		}
		if bp.Flags&FlagDelwri != 0 {
			bp.Flags |= FlagBusy
			bp.Flags &^= FlagAsync
			bp.lock.Unlock()
			writeout(bp)
			bp.lock.Lock()
			bp.Flags &^= FlagDelwri
		}

		if freebufs && bp.Flags&FlagLocked == 0 {
			bp.lock.Unlock()
			relseList.Remove(e)
			bp.relse = nil
			root := trees[bp.Store]
			trees[bp.Store] = treeRemove(root, bp.Blkno)
			vralloc.Rfree(bp.Vbuf)
			continue
		}
		bp.Flags &^= FlagBusy
		bp.lock.Unlock()
	}
}

// Geterror reports bp's recorded error, defaulting to EIO if the ERROR
// flag is set without one (bio_geterror).
func Geterror(bp *Buf_t) defs.Err_t {
	bp.lock.Lock()
	defer bp.lock.Unlock()
	if bp.Flags&FlagError != 0 {
		if bp.Err != 0 {
			return bp.Err
		}
		return -defs.EIO
	}
	return 0
}
