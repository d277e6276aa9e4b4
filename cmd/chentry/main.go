// Command chentry modifies the entry address of an ELF binary.
//
// Kept from the teacher's build tooling and retargeted from x86-64 to
// this core's ARMv6 image format: 32-bit little-endian ELF, e_entry
// patched at its correct ELF32 file offset rather than by re-encoding
// the whole FileHeader struct (debug/elf.FileHeader is a normalized,
// 64-bit-wide view regardless of ELF class, so writing it back whole
// would corrupt a 32-bit header).
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"
)

// e_entry sits at byte offset 0x18 in an ELF32 header (e_ident[16] +
// e_type[2] + e_machine[2] + e_version[4]).
const elf32EntryOffset = 0x18

func usage(me string) {
	fmt.Printf("%s <filename> <addr>\n\nChange the ELF entry point of <filename> to <addr>\n", me)
	os.Exit(1)
}

func chkELF(eh *elf.FileHeader) {
	if eh.Class != elf.ELFCLASS32 {
		log.Fatal("not a 32 bit elf")
	}
	if eh.Data != elf.ELFDATA2LSB {
		log.Fatal("not little-endian?")
	}
	if eh.Type != elf.ET_EXEC {
		log.Fatal("not an executable elf")
	}
	if eh.Machine != elf.EM_ARM {
		log.Fatal("not an ARM elf")
	}
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	fn := os.Args[1]
	addr, err := parseAddr(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}
	if addr>>32 != 0 {
		log.Fatal("entry is wider than 32 bits; the loader will perish")
	}
	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	chkELF(&ef.FileHeader)

	fmt.Printf("using address 0x%x\n", addr)

	var entry [4]byte
	binary.LittleEndian.PutUint32(entry[:], uint32(addr))
	if _, err := f.WriteAt(entry[:], elf32EntryOffset); err != nil {
		log.Fatal(err)
	}
}

// parseAddr converts the supplied string into a uint64 address, matching
// C's strtoul with a base of 0 (decimal or 0x-prefixed hex).
func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}
