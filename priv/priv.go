// Package priv is the privilege/capability model: per-process
// credentials, effective and bounding capability bitmaps, the
// capability-check entry point syscalls use, and the securelevel
// monotonic-ratchet.
//
// Grounded on original_source/kern/priv.c and
// include/sys/priv.h (PRIV_* numbering, the 256-entry effective/bounding
// bitmap pair on struct cred, priv_check's superuser-then-capability
// fallthrough, priv_cred_inherit's bounding-set intersection on fork)
// and shaped as a small, typed capability set the way
// other_examples' capability.go renderings do (named constants plus a
// bitmap, rather than hand-rolled bit tests scattered at call sites).
package priv

import (
	"sync"

	"zeke/defs"
	"zeke/util"
)

// NumPrivs is the capability namespace size (_PRIV_MENT); the bitmap is
// sized to it, giving at least 256 distinct capability bits as spec.md
// requires.
const NumPrivs = 256

// Priv_t names a single capability (PRIV_* in priv.h).
type Priv_t int

const (
	PrivClrcap Priv_t = 1
	PrivSeteff Priv_t = 2
	PrivSetbnd Priv_t = 3

	PrivMaxfiles Priv_t = 11
	PrivMaxproc  Priv_t = 12

	PrivCredSetuid    Priv_t = 30
	PrivCredSeteuid   Priv_t = 31
	PrivCredSetsuid   Priv_t = 32
	PrivCredSetgid    Priv_t = 33
	PrivCredSetegid   Priv_t = 34
	PrivCredSetsgid   Priv_t = 35
	PrivCredSetgroups Priv_t = 36

	PrivKmemRead  Priv_t = 42
	PrivKmemWrite Priv_t = 43

	PrivProcLimit    Priv_t = 60
	PrivProcSetlogin Priv_t = 61

	PrivSignalOther Priv_t = 80

	PrivSysctlWrite Priv_t = 91

	PrivTtySeta Priv_t = 106

	PrivVfsRead    Priv_t = 111
	PrivVfsWrite   Priv_t = 112
	PrivVfsExec    Priv_t = 113
	PrivVfsLookup  Priv_t = 114
	PrivVfsStat    Priv_t = 116
	PrivVfsAdmin   Priv_t = 110
	PrivVfsChroot  Priv_t = 117
	PrivVfsMount   Priv_t = 118
)

// Cred_t is a process's credentials (struct cred, trimmed to the
// uid/gid identity fields plus the two capability bitmaps — the
// supplementary-group array is kept as a fixed small slice rather than
// a NGROUPS_MAX C array since Go has no fixed-size-array ergonomics
// worth preserving here).
type Cred_t struct {
	mu sync.Mutex

	UID, EUID, SUID uint32
	GID, EGID, SGID uint32
	SupGID          []uint32

	EffMap util.Bitmap
	BndMap util.Bitmap
}

var (
	mu           sync.Mutex
	suserEnabled = true
	securelevel  = 0
)

// NewCred allocates a zeroed credential with empty capability maps.
func NewCred() *Cred_t {
	return &Cred_t{
		EffMap: util.NewBitmap(NumPrivs),
		BndMap: util.NewBitmap(NumPrivs),
	}
}

// defaultGrants are the capabilities priv_cred_init grants every fresh
// credential: the baseline needed for normal operation (vfs access,
// tty control) plus — since this tree has no file-system-based
// capability story yet — the superuser-management set priv.c grants by
// default too.
var defaultGrants = []Priv_t{
	PrivClrcap, PrivTtySeta, PrivVfsRead, PrivVfsWrite, PrivVfsExec,
	PrivVfsLookup, PrivVfsChroot, PrivVfsStat,
	PrivSeteff, PrivSetbnd,
	PrivCredSetuid, PrivCredSeteuid, PrivCredSetsuid, PrivCredSetgid,
	PrivCredSetegid, PrivCredSetsgid, PrivCredSetgroups,
	PrivProcSetlogin, PrivSignalOther, PrivSysctlWrite,
	PrivVfsAdmin, PrivVfsMount,
}

// Init sets up cred's identity and grants the default effective and
// bounding capability sets (priv_cred_init).
func Init(cred *Cred_t, uid, gid uint32) {
	cred.mu.Lock()
	defer cred.mu.Unlock()
	cred.UID, cred.EUID, cred.SUID = uid, uid, uid
	cred.GID, cred.EGID, cred.SGID = gid, gid, gid
	for _, p := range defaultGrants {
		cred.EffMap.BlockUpdate(int(p), 1, true)
		cred.BndMap.BlockUpdate(int(p), 1, true)
	}
}

// SecurelevelGE reports whether the running securelevel is at least
// level (securelevel_ge: note the original's inverted sense — it
// returns an error when the securelevel condition holds, since higher
// securelevels restrict rather than grant).
func SecurelevelGE(level int) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()
	if securelevel >= level {
		return -defs.EPERM
	}
	return 0
}

// SecurelevelGT reports whether the running securelevel exceeds level.
func SecurelevelGT(level int) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()
	if securelevel > level {
		return -defs.EPERM
	}
	return 0
}

// RaiseSecurelevel ratchets the securelevel up; it can never be lowered
// at runtime (the BSD securelevel invariant priv.c relies on via
// sysctl's CTLFLAG_RW combined with the monotonic check call sites make
// on every raise attempt elsewhere in the kernel).
func RaiseSecurelevel(level int) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()
	if level < securelevel {
		return -defs.EPERM
	}
	securelevel = level
	return 0
}

// Securelevel returns the current securelevel (security.securelevel's
// sysctl backing store).
func Securelevel() int {
	mu.Lock()
	defer mu.Unlock()
	return securelevel
}

// SuserEnabled reports whether the superuser bypass is active
// (security.suser_enabled's sysctl backing store).
func SuserEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return suserEnabled
}

// SetSuserEnabled toggles the superuser bypass; only meaningful at
// securelevel <= 0 by convention (callers gate this with
// SecurelevelGE(1) the same way RaiseSecurelevel gates itself).
func SetSuserEnabled(v bool) {
	mu.Lock()
	defer mu.Unlock()
	suserEnabled = v
}

func effGet(cred *Cred_t, p Priv_t) bool {
	return cred.EffMap.AllClear(int(p), 1) == false
}

func bndGet(cred *Cred_t, p Priv_t) bool {
	return cred.BndMap.AllClear(int(p), 1) == false
}

// EffIsSet reports whether p is held in cred's effective set
// (priv_pcap's PCAP_GET_EFF mode).
func EffIsSet(cred *Cred_t, p Priv_t) bool {
	cred.mu.Lock()
	defer cred.mu.Unlock()
	return effGet(cred, p)
}

// BoundIsSet reports whether p is held in cred's bounding set
// (priv_pcap's PCAP_GET_BND mode).
func BoundIsSet(cred *Cred_t, p Priv_t) bool {
	cred.mu.Lock()
	defer cred.mu.Unlock()
	return bndGet(cred, p)
}

// EffSet grants p in cred's effective set, provided p is present in the
// bounding set (priv_cred_eff_set).
func EffSet(cred *Cred_t, p Priv_t) defs.Err_t {
	cred.mu.Lock()
	defer cred.mu.Unlock()
	if !bndGet(cred, p) {
		return -defs.EPERM
	}
	cred.EffMap.BlockUpdate(int(p), 1, true)
	return 0
}

// EffClear drops p from cred's effective set (priv_cred_eff_clear).
func EffClear(cred *Cred_t, p Priv_t) {
	cred.mu.Lock()
	defer cred.mu.Unlock()
	cred.EffMap.BlockUpdate(int(p), 1, false)
}

// BoundSet grants p in cred's bounding set. Callers must themselves
// enforce that only a sufficiently privileged caller reaches this (the
// original reserves it for internal use; no process may extend its own
// bounding set unchecked).
func BoundSet(cred *Cred_t, p Priv_t) {
	cred.mu.Lock()
	defer cred.mu.Unlock()
	cred.BndMap.BlockUpdate(int(p), 1, true)
}

// BoundClear drops p from cred's bounding set.
func BoundClear(cred *Cred_t, p Priv_t) {
	cred.mu.Lock()
	defer cred.mu.Unlock()
	cred.BndMap.BlockUpdate(int(p), 1, false)
}

// Check reports whether cred holds p: the euid-0 superuser shortcut
// (when enabled) short-circuits everything except the
// always-readable-by-anyone PRIV_KMEM_READ and the
// PRIV_MAXFILES/MAXPROC/PROC_LIMIT trio, which key off the real uid
// instead — matching priv_check's switch exactly.
func Check(cred *Cred_t, p Priv_t) defs.Err_t {
	mu.Lock()
	su := suserEnabled
	mu.Unlock()

	cred.mu.Lock()
	uid, euid := cred.UID, cred.EUID
	cred.mu.Unlock()

	if su {
		switch p {
		case PrivMaxfiles, PrivMaxproc, PrivProcLimit:
			if uid == 0 {
				return 0
			}
		default:
			if euid == 0 {
				return 0
			}
		}
	}

	if p == PrivKmemRead {
		return 0
	}

	cred.mu.Lock()
	granted := effGet(cred, p)
	cred.mu.Unlock()
	if granted {
		return 0
	}
	return -defs.EPERM
}

// CheckCred is priv_check_cred: like Check, but PRIV_SIGNAL_OTHER also
// requires the signaling credential's uid/euid to match the target's
// real or saved uid.
func CheckCred(from, to *Cred_t, p Priv_t) defs.Err_t {
	if p == PrivSignalOther {
		to.mu.Lock()
		toUID, toSUID := to.UID, to.SUID
		to.mu.Unlock()
		from.mu.Lock()
		fromUID, fromEUID := from.UID, from.EUID
		from.mu.Unlock()
		if fromEUID != toUID && fromEUID != toSUID &&
			fromUID != toUID && fromUID != toSUID {
			return -defs.EPERM
		}
	}
	return Check(from, p)
}

// ForkCred produces fork's inherited credential: a full copy, used
// directly by proc.Fork's step 11 (capability bitmaps inherited, with
// effective reduced to the bounding intersection — priv_cred_inherit).
func ForkCred(from *Cred_t) *Cred_t {
	from.mu.Lock()
	defer from.mu.Unlock()

	to := &Cred_t{
		UID: from.UID, EUID: from.EUID, SUID: from.SUID,
		GID: from.GID, EGID: from.EGID, SGID: from.SGID,
		SupGID: append([]uint32(nil), from.SupGID...),
		EffMap: util.NewBitmap(NumPrivs),
		BndMap: util.NewBitmap(NumPrivs),
	}
	copy(to.EffMap, from.EffMap)
	copy(to.BndMap, from.BndMap)

	for i := 0; i < NumPrivs; i++ {
		if to.BndMap.AllClear(i, 1) {
			to.EffMap.BlockUpdate(i, 1, false)
		}
	}
	return to
}

// GroupIsMember reports whether gid is cred's effective group or one of
// its supplementary groups (priv_grp_is_member).
func GroupIsMember(cred *Cred_t, gid uint32) bool {
	cred.mu.Lock()
	defer cred.mu.Unlock()
	if cred.EGID == gid {
		return true
	}
	for _, g := range cred.SupGID {
		if g == gid {
			return true
		}
	}
	return false
}
