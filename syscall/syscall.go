// Package syscall is the copyin/copyout contract the syscall entry path
// uses to move request/response structs and strings between a user
// process's address space and the kernel (spec.md §6: "each syscall
// accepts a struct copied in/out via explicit copyin/copyout/copyinstr").
//
// Grounded on biscuit/src/vm/as.go's Userdmap8_inner/Userreadn/
// Userwriten/Userstr/K2user/User2k, adapted from x86-64 page-table
// walking onto proc.Proc_t's region list via Proc_t.Uaccess, which
// performs the equivalent just-in-time COW materialization
// (Sys_pgfault's role) before handing back a slice.
package syscall

import (
	"zeke/defs"
	"zeke/proc"
	"zeke/util"
)

// CopyIn copies n bytes from p's address space starting at uva into a
// freshly allocated slice (User2k generalized to return its own buffer).
func CopyIn(p *proc.Proc_t, uva uintptr, n int) ([]byte, defs.Err_t) {
	if n < 0 {
		return nil, -defs.EINVAL
	}
	dst := make([]byte, n)
	if err := CopyInto(p, uva, dst); err != 0 {
		return nil, err
	}
	return dst, 0
}

// CopyInto copies len(dst) bytes from p's address space starting at uva
// into dst (User2k).
func CopyInto(p *proc.Proc_t, uva uintptr, dst []byte) defs.Err_t {
	cnt := 0
	for cnt < len(dst) {
		src, err := p.Uaccess(uva+uintptr(cnt), false)
		if err != 0 {
			return err
		}
		if len(src) == 0 {
			return -defs.EFAULT
		}
		n := copy(dst[cnt:], src)
		cnt += n
	}
	return 0
}

// CopyOut copies src into p's address space starting at uva, faulting in
// COW pages as it goes (K2user).
func CopyOut(p *proc.Proc_t, uva uintptr, src []byte) defs.Err_t {
	cnt := 0
	for cnt < len(src) {
		dst, err := p.Uaccess(uva+uintptr(cnt), true)
		if err != 0 {
			return err
		}
		if len(dst) == 0 {
			return -defs.EFAULT
		}
		n := copy(dst, src[cnt:])
		cnt += n
	}
	return 0
}

// ReadN reads n (<= 8) bytes from p's address space at uva and returns
// them as a little-endian-packed int (Userreadn).
func ReadN(p *proc.Proc_t, uva uintptr, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	buf, err := CopyIn(p, uva, n)
	if err != 0 {
		return 0, err
	}
	return util.Readn(buf, n, 0), 0
}

// WriteN writes the low n (<= 8) bytes of val to p's address space at uva
// (Userwriten).
func WriteN(p *proc.Proc_t, uva uintptr, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	buf := make([]byte, n)
	util.Writen(buf, n, 0, val)
	return CopyOut(p, uva, buf)
}

// UserString copies a NUL-terminated string from p's address space at uva,
// up to lenmax bytes, returning -ENAMETOOLONG if no NUL is found in range
// (Userstr).
func UserString(p *proc.Proc_t, uva uintptr, lenmax int) (string, defs.Err_t) {
	if lenmax < 0 {
		return "", 0
	}
	var s []byte
	off := uintptr(0)
	for {
		chunk, err := p.Uaccess(uva+off, false)
		if err != 0 {
			return "", err
		}
		if len(chunk) == 0 {
			return "", -defs.EFAULT
		}
		for j, c := range chunk {
			if len(s)+j >= lenmax {
				return "", -defs.ENAMETOOLONG
			}
			if c == 0 {
				s = append(s, chunk[:j]...)
				return string(s), 0
			}
		}
		s = append(s, chunk...)
		off += uintptr(len(chunk))
		if len(s) >= lenmax {
			return "", -defs.ENAMETOOLONG
		}
	}
}
