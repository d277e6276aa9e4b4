// Nodes registers the representative sysctl tree spec.md §6 names
// against this tree's actual subsystems: kern.{maxproc,nprocs},
// vm.dynmem.*, vm.kmalloc.*, vm.vralloc.*, security.{suser_enabled,
// securelevel}.
package sysctl

import (
	"zeke/defs"
	"zeke/kmalloc"
	"zeke/mem"
	"zeke/priv"
	"zeke/proc"
	"zeke/vralloc"
)

// maxProc is the configured process-table ceiling (configMAXPROC in
// proc_sysctl.c; this tree has no compile-time proc table size). Default
// registers a copy of it as the read-only kern.maxproc node; the node is
// not writable and later changes to maxProc do not reach it.
var maxProc = 1024

// Default registers the standard kernel tree onto t.
func Default(t *Tree) {
	t.AddInt("kern.maxproc", FlagRD, maxProc)
	t.AddIntFunc("kern.nprocs", FlagRD, proc.Count)

	t.AddIntFunc("vm.dynmem.free", FlagRD, func() int {
		free, _, _, _ := mem.Dynmem.Stats()
		return free
	})
	t.AddIntFunc("vm.dynmem.tot", FlagRD, func() int {
		_, tot, _, _ := mem.Dynmem.Stats()
		return tot
	})
	t.AddIntFunc("vm.dynmem.reserved", FlagRD, func() int {
		_, _, reserved, _ := mem.Dynmem.Stats()
		return reserved
	})
	t.AddIntFunc("vm.dynmem.nr_reserved", FlagRD, func() int {
		_, _, _, n := mem.Dynmem.Stats()
		return n
	})

	t.AddIntFunc("vm.kmalloc.res", FlagRD, func() int {
		res, _, _, _, _ := kmalloc.Stats()
		return res
	})
	t.AddIntFunc("vm.kmalloc.max", FlagRD, func() int {
		_, max, _, _, _ := kmalloc.Stats()
		return max
	})
	t.AddIntFunc("vm.kmalloc.alloc", FlagRD, func() int {
		_, _, alloc, _, _ := kmalloc.Stats()
		return alloc
	})
	t.AddIntFunc("vm.kmalloc.alloc_max", FlagRD, func() int {
		_, _, _, allocMax, _ := kmalloc.Stats()
		return allocMax
	})
	t.AddIntFunc("vm.kmalloc.fragm_rat", FlagRD, func() int {
		_, _, _, _, fragmPct := kmalloc.Stats()
		return fragmPct
	})

	t.AddIntFunc("vm.vralloc.reserved", FlagRD, func() int {
		reserved, _ := vralloc.Stats()
		return reserved
	})
	t.AddIntFunc("vm.vralloc.used", FlagRD, func() int {
		_, used := vralloc.Stats()
		return used
	})

	t.AddProc("security.suser_enabled", FlagRD|FlagWR|FlagSecure, Handler{
		Get: func(cred *priv.Cred_t) ([]byte, defs.Err_t) {
			if priv.SuserEnabled() {
				return []byte{1}, 0
			}
			return []byte{0}, 0
		},
		Set: func(cred *priv.Cred_t, val []byte) defs.Err_t {
			if len(val) != 1 {
				return -defs.EINVAL
			}
			priv.SetSuserEnabled(val[0] != 0)
			return 0
		},
	})
	t.AddProc("security.securelevel", FlagRD|FlagWR|FlagSecure, Handler{
		Get: func(cred *priv.Cred_t) ([]byte, defs.Err_t) {
			return []byte{byte(priv.Securelevel())}, 0
		},
		Set: func(cred *priv.Cred_t, val []byte) defs.Err_t {
			if len(val) != 1 {
				return -defs.EINVAL
			}
			return priv.RaiseSecurelevel(int(val[0]))
		},
	})
}
