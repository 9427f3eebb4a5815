package elfrw

import (
	"debug/elf"
	"fmt"
)

// ELF header field offsets
const (
	ELF64_E_ENTRY     = 24
	ELF64_E_PHOFF     = 32
	ELF64_E_PHENTSIZE = 54
	ELF64_E_PHNUM     = 56

	ELF32_E_ENTRY     = 24
	ELF32_E_PHOFF     = 28
	ELF32_E_PHENTSIZE = 42
	ELF32_E_PHNUM     = 44
)

// Program header sizes
const (
	ELF64_PHDR_SIZE = 56
	ELF32_PHDR_SIZE = 32
)

// Static load bases used by the x86 toolchains for non-PIE executables.
const (
	StaticBase64 = 0x400000
	StaticBase32 = 0x8048000
)

const PageSize = 0x1000

// Segment is one program header entry.
type Segment struct {
	Index  uint16
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Loadable reports whether the segment is PT_LOAD.
func (s *Segment) Loadable() bool {
	return s.Type == elf.PT_LOAD
}

// End returns the first virtual address past the segment's memory image.
func (s *Segment) End() uint64 {
	return s.Vaddr + s.Memsz
}

// Overlaps reports whether [start, end) intersects the segment's memory image.
func (s *Segment) Overlaps(start, end uint64) bool {
	return start < s.End() && s.Vaddr < end
}

// String implementa l'interfaccia Stringer per Segment
func (s *Segment) String() string {
	return fmt.Sprintf("%-12s off=0x%06x vaddr=0x%08x filesz=0x%06x memsz=0x%06x flags=%s align=0x%x",
		s.Type, s.Offset, s.Vaddr, s.Filesz, s.Memsz, s.Flags, s.Align)
}

// Section is one section header entry.
type Section struct {
	Index   uint16
	Name    string
	Type    elf.SectionType
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	EntSize uint64
}

// Symbol is a resolved symbol table entry.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s@0x%x", s.Name, s.Value)
}

// PageAlign rounds addr down to a page boundary.
func PageAlign(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// PageAlignUp rounds size up to a page boundary.
func PageAlignUp(size uint64) uint64 {
	return AlignUp(size, PageSize)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
