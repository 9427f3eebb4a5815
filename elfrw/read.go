package elfrw

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/yalue/elf_reader"
	"golang.org/x/sys/unix"

	"gorelro/common"
)

// Image is a statically linked executable mapped read-write into memory.
// The mapping is private: edits never reach the file on disk, and its length
// stays equal to the file size for the lifetime of the image.
type Image struct {
	Path    string
	Mode    os.FileMode
	RawData []byte

	Class     elf.Class
	Machine   elf.Machine
	Type      elf.Type
	Entry     uint64
	ByteOrder binary.ByteOrder

	Phoff     uint64
	Phentsize uint16

	Segments []Segment
	Sections []Section
	Symbols  []Symbol

	DynamicLinked bool

	// Text anchor: the first loadable segment mapped from file offset zero.
	TextOffset uint64
	TextBase   uint64
	hasAnchor  bool
}

// Open maps path read-write and parses its headers and symbol table.
func Open(path string) (*Image, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, common.IOError("open", err)
	}
	defer func(file *os.File) {
		_ = file.Close()
	}(file)

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, common.IOError("stat", err)
	}
	if !fileInfo.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", common.ErrIO, path)
	}
	if fileInfo.Size() < elf.EI_NIDENT {
		return nil, fmt.Errorf("%w: %s is too small to be an ELF image", common.ErrFormat, path)
	}

	rawData, err := unix.Mmap(int(file.Fd()), 0, int(fileInfo.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, common.IOError("mmap", err)
	}

	img := &Image{
		Path:    path,
		Mode:    fileInfo.Mode().Perm(),
		RawData: rawData,
	}
	if err := img.parse(); err != nil {
		_ = img.Close()
		return nil, err
	}
	return img, nil
}

// Close unmaps the image. Calling it more than once is harmless.
func (img *Image) Close() error {
	if img.RawData == nil {
		return nil
	}
	err := unix.Munmap(img.RawData)
	img.RawData = nil
	if err != nil {
		return common.IOError("munmap", err)
	}
	return nil
}

// Is64Bit reports whether the image is ELFCLASS64.
func (img *Image) Is64Bit() bool {
	return img.Class == elf.ELFCLASS64
}

func (img *Image) parse() error {
	if len(img.RawData) < elf.EI_NIDENT {
		return fmt.Errorf("%w: file too small to be an ELF image", common.ErrFormat)
	}
	switch elf.Class(img.RawData[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
		return img.parse64()
	case elf.ELFCLASS32:
		return img.parse32()
	}
	return fmt.Errorf("%w: unknown ELF class %d", common.ErrFormat, img.RawData[elf.EI_CLASS])
}

func (img *Image) parse64() error {
	f, err := elf_reader.ParseELF64File(img.RawData)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrFormat, err)
	}
	img.Class = elf.ELFCLASS64
	img.ByteOrder = f.Endianness
	img.Machine = elf.Machine(f.Header.Machine)
	img.Type = elf.Type(f.Header.Type)
	img.Entry = f.Header.EntryPoint
	img.Phoff = f.Header.ProgramHeaderOffset
	img.Phentsize = f.Header.ProgramHeaderEntrySize

	img.Segments = make([]Segment, 0, len(f.Segments))
	for i, phdr := range f.Segments {
		img.Segments = append(img.Segments, Segment{
			Index:  uint16(i),
			Type:   elf.ProgType(phdr.Type),
			Flags:  elf.ProgFlag(phdr.Flags),
			Offset: phdr.FileOffset,
			Vaddr:  phdr.VirtualAddress,
			Paddr:  phdr.PhysicalAddress,
			Filesz: phdr.FileSize,
			Memsz:  phdr.MemorySize,
			Align:  phdr.Align,
		})
	}

	img.Sections = make([]Section, 0, len(f.Sections))
	for i, shdr := range f.Sections {
		name := ""
		if i != 0 {
			name, _ = f.GetSectionName(uint16(i))
		}
		img.Sections = append(img.Sections, Section{
			Index:   uint16(i),
			Name:    name,
			Type:    elf.SectionType(shdr.Type),
			Addr:    shdr.VirtualAddress,
			Offset:  shdr.FileOffset,
			Size:    shdr.Size,
			Link:    shdr.LinkedIndex,
			EntSize: shdr.EntrySize,
		})
	}

	img.scanSegments()
	if symtab, ok := img.symbolTables(); ok {
		symbols, names, err := f.GetSymbolTable(symtab)
		if err != nil {
			return fmt.Errorf("%w: reading .symtab: %v", common.ErrFormat, err)
		}
		img.Symbols = make([]Symbol, len(symbols))
		for i := range symbols {
			img.Symbols[i] = Symbol{Name: names[i], Value: symbols[i].Value, Size: symbols[i].Size}
		}
	}
	return nil
}

func (img *Image) parse32() error {
	f, err := elf_reader.ParseELF32File(img.RawData)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrFormat, err)
	}
	img.Class = elf.ELFCLASS32
	img.ByteOrder = f.Endianness
	img.Machine = elf.Machine(f.Header.Machine)
	img.Type = elf.Type(f.Header.Type)
	img.Entry = uint64(f.Header.EntryPoint)
	img.Phoff = uint64(f.Header.ProgramHeaderOffset)
	img.Phentsize = f.Header.ProgramHeaderEntrySize

	img.Segments = make([]Segment, 0, len(f.Segments))
	for i, phdr := range f.Segments {
		img.Segments = append(img.Segments, Segment{
			Index:  uint16(i),
			Type:   elf.ProgType(phdr.Type),
			Flags:  elf.ProgFlag(phdr.Flags),
			Offset: uint64(phdr.FileOffset),
			Vaddr:  uint64(phdr.VirtualAddress),
			Paddr:  uint64(phdr.PhysicalAddress),
			Filesz: uint64(phdr.FileSize),
			Memsz:  uint64(phdr.MemorySize),
			Align:  uint64(phdr.Align),
		})
	}

	img.Sections = make([]Section, 0, len(f.Sections))
	for i, shdr := range f.Sections {
		name := ""
		if i != 0 {
			name, _ = f.GetSectionName(uint16(i))
		}
		img.Sections = append(img.Sections, Section{
			Index:   uint16(i),
			Name:    name,
			Type:    elf.SectionType(shdr.Type),
			Addr:    uint64(shdr.VirtualAddress),
			Offset:  uint64(shdr.FileOffset),
			Size:    uint64(shdr.Size),
			Link:    shdr.LinkedIndex,
			EntSize: uint64(shdr.EntrySize),
		})
	}

	img.scanSegments()
	if symtab, ok := img.symbolTables(); ok {
		symbols, names, err := f.GetSymbolTable(symtab)
		if err != nil {
			return fmt.Errorf("%w: reading .symtab: %v", common.ErrFormat, err)
		}
		img.Symbols = make([]Symbol, len(symbols))
		for i := range symbols {
			img.Symbols[i] = Symbol{Name: names[i], Value: uint64(symbols[i].Value), Size: uint64(symbols[i].Size)}
		}
	}
	return nil
}

// scanSegments records the text anchor and whether the image needs a
// dynamic loader.
func (img *Image) scanSegments() {
	for _, seg := range img.Segments {
		switch seg.Type {
		case elf.PT_LOAD:
			if seg.Offset == 0 && !img.hasAnchor {
				img.TextOffset = seg.Offset
				img.TextBase = seg.Vaddr
				img.hasAnchor = true
			}
		case elf.PT_DYNAMIC, elf.PT_INTERP:
			img.DynamicLinked = true
		}
	}
}

// symbolTables returns the index of .symtab when both .symtab and .strtab
// are present.
func (img *Image) symbolTables() (uint16, bool) {
	symtab, strtab := -1, -1
	for i, section := range img.Sections {
		switch section.Name {
		case ".symtab":
			symtab = i
		case ".strtab":
			strtab = i
		}
	}
	if symtab < 0 || strtab < 0 {
		return 0, false
	}
	return uint16(symtab), true
}
