// Package vfsplumbing is the filesystem-adjacent plumbing spec.md §4.8
// names that sits below a real on-disk filesystem: the directory-entry
// hashtable, the fs_queue packet queue pipes and ptys are built from,
// and the pty master/slave pair itself.
//
// Grounded on biscuit/src/hashtable/hashtable.go for the bucket-lock
// shape (Hashtable_t: one sync.RWMutex per bucket, a fixed bucket
// count) generalized from hashtable's lock-free linked-chain buckets to
// dehtable's packed-byte-sequence buckets (original_source/kern/fs/
// dehtable.c's actual on-disk-adjacent representation — link appends,
// unlink copies-and-truncates, corruption during a scan surfaces as
// ENOTRECOVERABLE rather than panicking, since a real filesystem must
// report rather than crash on structural corruption).
package vfsplumbing

import (
	"zeke/defs"
)

// NumBuckets is dehtable's fixed bucket count (spec.md §4.8: "16 buckets").
const NumBuckets = 16

// NameMax bounds a directory-entry name's length; it is one below
// nolink so that no valid length byte equals the marker.
const NameMax = 254

// nolink terminates a bucket's packed entry sequence (a length byte
// that can never be a valid name length).
const nolink = 0xFF

// djb2Hash folds name's djb2 hash down to the 4 bits NumBuckets needs
// (spec.md §4.8: "Hash is a djb2 folded and truncated to 4 bits").
func djb2Hash(name string) int {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return int((h ^ (h >> 16)) & 0xF)
}

// Dehtable_t is a directory-entry hashtable: NumBuckets independent
// packed-byte chains, each entry `1 name-length byte | name bytes | 8
// value bytes`. A chain ends at the end of its slice, or earlier at a
// nolink length byte; Link appends entries and writes no marker.
type Dehtable_t struct {
	buckets [NumBuckets][]byte
}

// NewDehtable allocates an empty directory-entry hashtable.
func NewDehtable() *Dehtable_t {
	return &Dehtable_t{}
}

func encodeEntry(name string, value uint64) []byte {
	e := make([]byte, 1+len(name)+8)
	e[0] = byte(len(name))
	copy(e[1:], name)
	off := 1 + len(name)
	for i := 0; i < 8; i++ {
		e[off+i] = byte(value >> (8 * uint(i)))
	}
	return e
}

// scan walks bucket's packed entries, invoking f(name, value, offset,
// entryLen) for each; f returns true to stop early. ok is false if the
// bucket's structure is corrupt (a length byte implying a run past the
// end of the slice).
func scan(bucket []byte, f func(name string, value uint64, off, elen int) bool) (ok bool) {
	off := 0
	for off < len(bucket) {
		nameLen := int(bucket[off])
		if nameLen == nolink {
			return true
		}
		elen := 1 + nameLen + 8
		if off+elen > len(bucket) {
			return false
		}
		name := string(bucket[off+1 : off+1+nameLen])
		var value uint64
		vOff := off + 1 + nameLen
		for i := 0; i < 8; i++ {
			value |= uint64(bucket[vOff+i]) << (8 * uint(i))
		}
		if f(name, value, off, elen) {
			return true
		}
		off += elen
	}
	return true
}

// Link inserts name→value, returning EEXIST if name is already present
// and ENAMETOOLONG if it exceeds NameMax.
func (d *Dehtable_t) Link(name string, value uint64) defs.Err_t {
	if len(name) > NameMax {
		return -defs.ENAMETOOLONG
	}
	b := djb2Hash(name)
	found := false
	ok := scan(d.buckets[b], func(n string, v uint64, off, elen int) bool {
		if n == name {
			found = true
			return true
		}
		return false
	})
	if !ok {
		return -defs.ENOTRECOVERABLE
	}
	if found {
		return -defs.EEXIST
	}
	d.buckets[b] = append(d.buckets[b], encodeEntry(name, value)...)
	return 0
}

// Lookup returns name's value, or ENOENT if absent.
func (d *Dehtable_t) Lookup(name string) (uint64, defs.Err_t) {
	b := djb2Hash(name)
	var value uint64
	found := false
	ok := scan(d.buckets[b], func(n string, v uint64, off, elen int) bool {
		if n == name {
			value, found = v, true
			return true
		}
		return false
	})
	if !ok {
		return 0, -defs.ENOTRECOVERABLE
	}
	if !found {
		return 0, -defs.ENOENT
	}
	return value, 0
}

// Unlink removes name, copying the bucket's remaining entries forward
// and truncating (spec.md §4.8: "unlink copies the bucket skipping the
// matched entry and truncates").
func (d *Dehtable_t) Unlink(name string) defs.Err_t {
	b := djb2Hash(name)
	bucket := d.buckets[b]
	nb := make([]byte, 0, len(bucket))
	found := false
	ok := scan(bucket, func(n string, v uint64, off, elen int) bool {
		if n == name {
			found = true
			return false
		}
		nb = append(nb, bucket[off:off+elen]...)
		return false
	})
	if !ok {
		return -defs.ENOTRECOVERABLE
	}
	if !found {
		return -defs.ENOENT
	}
	d.buckets[b] = nb
	return 0
}

// Elems returns every name→value pair in the table, for directory
// enumeration (getdents).
func (d *Dehtable_t) Elems() map[string]uint64 {
	out := map[string]uint64{}
	for _, bucket := range d.buckets {
		scan(bucket, func(n string, v uint64, off, elen int) bool {
			out[n] = v
			return false
		})
	}
	return out
}
