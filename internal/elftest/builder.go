// Package elftest builds small synthetic static executables for tests.
//
// The images are laid out like the output of a static link: one text segment
// mapped from file offset zero that also covers the ELF header, the program
// headers and a GNU ABI note, followed by a writable data segment. They carry
// a symbol table with a startup routine, main and exit.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Fixed file layout shared by both classes.
const (
	noteOffset    = 0x200
	noteSize      = 0x20
	routineOffset = 0x240
	mainOffset    = 0x280
	exitOffset    = 0x290
	textSize      = 0x300

	dataOffset  = 0x1000
	dataFilesz  = 0x100
	dataMemsz   = 0x200
	extraOffset = 0x1100
	extraSize   = 0x80
	looseNote   = 0x1180
	rodataOff   = 0x11c0
	rodataSize  = 0x40
	tablesStart = 0x1200

	relroSize = 0x40
)

// Load addresses of the data segments.
const (
	DataAddr64 = 0x601000
	DataAddr32 = 0x804a000
)

// Patch offsets inside the default startup routines.
const (
	PatchOffsetAMD64 = 6
	PatchOffset386   = 7
)

// Config describes the image to build. The zero value of every bool gives
// the common case: a relro-less static executable with one data segment,
// a covered note and full symbols.
type Config struct {
	Class   elf.Class
	Machine elf.Machine
	Type    elf.Type
	Base    uint64

	// Routine names the startup routine symbol; Code replaces its default
	// body when set.
	Routine string
	Code    []byte

	Relro         bool
	EmptyRelro    bool
	NoData        bool
	ExtraData     bool
	Dynamic       bool
	NoNote        bool
	NoteUncovered bool
	SecondAnchor  bool
	NoSymbols     bool
	NoExit        bool

	// SeparateCode splits the text segment the way ld -z separate-code does:
	// a read-only load at offset zero for the headers and note, an
	// executable load for the code and a read-only load for constants, all
	// ahead of the data segment.
	SeparateCode bool
}

// AMD64 returns the default x86-64 configuration.
func AMD64() Config {
	return Config{
		Class:   elf.ELFCLASS64,
		Machine: elf.EM_X86_64,
		Type:    elf.ET_EXEC,
		Base:    0x400000,
		Routine: "__libc_start_call_main",
	}
}

// I386 returns the default i386 configuration.
func I386() Config {
	return Config{
		Class:   elf.ELFCLASS32,
		Machine: elf.EM_386,
		Type:    elf.ET_EXEC,
		Base:    0x8048000,
		Routine: "__libc_start_main",
	}
}

// Layout reports where things ended up.
type Layout struct {
	Path        string
	Size        uint64
	NoteIndex   int
	RoutineAddr uint64
	PatchAddr   uint64 // zero when Config.Code was supplied
	PatchOffset uint64
	MainAddr    uint64
	ExitAddr    uint64
	DataAddr    uint64
	CodeAddr    uint64 // executable load, SeparateCode only
	RodataAddr  uint64 // read-only load, SeparateCode only
}

// Write builds the image into a fresh temporary directory and returns its
// layout.
func Write(t testing.TB, cfg Config) Layout {
	t.Helper()
	raw, layout := Build(cfg)
	layout.Path = filepath.Join(t.TempDir(), "prog")
	if err := os.WriteFile(layout.Path, raw, 0o755); err != nil {
		t.Fatalf("writing test executable: %v", err)
	}
	return layout
}

type prog struct {
	typ    elf.ProgType
	flags  elf.ProgFlag
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	off     uint64
	size    uint64
	link    uint32
	info    uint32
	entsize uint64
}

type symbol struct {
	name  string
	value uint64
	size  uint64
	info  byte
}

// Build returns the raw image bytes and its layout.
func Build(cfg Config) ([]byte, Layout) {
	is64 := cfg.Class == elf.ELFCLASS64
	dataAddr := uint64(DataAddr32)
	if is64 {
		dataAddr = DataAddr64
	}
	layout := Layout{
		RoutineAddr: cfg.Base + routineOffset,
		MainAddr:    cfg.Base + mainOffset,
		ExitAddr:    cfg.Base + exitOffset,
		NoteIndex:   -1,
	}
	if !cfg.NoData {
		layout.DataAddr = dataAddr
	}

	code := cfg.Code
	if code == nil {
		var patch uint64
		code, patch = defaultRoutine(cfg.Machine, layout.RoutineAddr, layout.ExitAddr)
		layout.PatchOffset = routineOffset + patch
		layout.PatchAddr = layout.RoutineAddr + patch
	}

	progs := []prog{{
		typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X,
		vaddr: cfg.Base, filesz: textSize, memsz: textSize, align: 0x1000,
	}}
	if cfg.SeparateCode {
		layout.CodeAddr = cfg.Base + routineOffset
		layout.RodataAddr = cfg.Base + rodataOff
		progs = []prog{{
			typ: elf.PT_LOAD, flags: elf.PF_R,
			vaddr: cfg.Base, filesz: routineOffset, memsz: routineOffset, align: 0x1000,
		}, {
			typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, off: routineOffset,
			vaddr: layout.CodeAddr, filesz: textSize - routineOffset, memsz: textSize - routineOffset, align: 0x1000,
		}, {
			typ: elf.PT_LOAD, flags: elf.PF_R, off: rodataOff,
			vaddr: layout.RodataAddr, filesz: rodataSize, memsz: rodataSize, align: 0x1000,
		}}
	}
	if !cfg.NoData {
		progs = append(progs, prog{
			typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, off: dataOffset,
			vaddr: dataAddr, filesz: dataFilesz, memsz: dataMemsz, align: 0x1000,
		})
	}
	if cfg.ExtraData {
		progs = append(progs, prog{
			typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, off: extraOffset,
			vaddr: dataAddr + 0x1000 + extraOffset - dataOffset, filesz: extraSize, memsz: extraSize, align: 0x1000,
		})
	}
	if cfg.SecondAnchor {
		progs = append(progs, prog{
			typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: cfg.Base + 0x100000,
			filesz: 0x100, memsz: 0x100, align: 0x1000,
		})
	}
	if !cfg.NoNote {
		off := uint64(noteOffset)
		if cfg.NoteUncovered {
			off = looseNote
		}
		layout.NoteIndex = len(progs)
		progs = append(progs, prog{
			typ: elf.PT_NOTE, flags: elf.PF_R, off: off,
			vaddr: cfg.Base + off, filesz: noteSize, memsz: noteSize, align: 4,
		})
	}
	if cfg.Relro || cfg.EmptyRelro {
		size := uint64(relroSize)
		if cfg.EmptyRelro {
			size = 0
		}
		progs = append(progs, prog{
			typ: elf.PT_GNU_RELRO, flags: elf.PF_R, off: dataOffset,
			vaddr: dataAddr, filesz: size, memsz: size, align: 1,
		})
	}
	if cfg.Dynamic {
		progs = append(progs, prog{
			typ: elf.PT_DYNAMIC, flags: elf.PF_R | elf.PF_W, off: dataOffset,
			vaddr: dataAddr, filesz: 0x10, memsz: 0x10, align: 8,
		})
	}

	symbols := []symbol{
		{},
		{name: "_start", value: cfg.Base + routineOffset - 0x10, size: 0x10, info: stInfo(elf.STB_GLOBAL, elf.STT_FUNC)},
		{name: cfg.Routine, value: layout.RoutineAddr, size: uint64(len(code)), info: stInfo(elf.STB_LOCAL, elf.STT_FUNC)},
		{name: "main", value: layout.MainAddr, size: 3, info: stInfo(elf.STB_GLOBAL, elf.STT_FUNC)},
	}
	if !cfg.NoExit {
		symbols = append(symbols, symbol{name: "exit", value: layout.ExitAddr, size: 1, info: stInfo(elf.STB_GLOBAL, elf.STT_FUNC)})
	} else {
		layout.ExitAddr = 0
	}

	w := &writer{order: binary.LittleEndian, is64: is64}

	// Text: note, routine, main, exit.
	w.at(noteOffset, gnuNote())
	if cfg.NoteUncovered {
		w.at(looseNote, gnuNote())
	}
	w.at(routineOffset, code)
	w.at(mainOffset, []byte{0x31, 0xc0, 0xc3}) // xor eax, eax; ret
	w.at(exitOffset, []byte{0xf4})             // hlt
	w.at(textSize-1, []byte{0})
	if !cfg.NoData {
		w.at(dataOffset, bytes.Repeat([]byte{0xaa}, dataFilesz))
	}
	if cfg.ExtraData {
		w.at(extraOffset, bytes.Repeat([]byte{0xbb}, extraSize))
	}
	if cfg.SeparateCode {
		w.at(rodataOff, bytes.Repeat([]byte{0xcc}, rodataSize))
	}

	// Tables.
	sections := []section{
		{},
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			addr: layout.RoutineAddr, off: routineOffset, size: textSize - routineOffset},
		{name: ".note.ABI-tag", typ: elf.SHT_NOTE, flags: elf.SHF_ALLOC,
			addr: cfg.Base + noteOffset, off: noteOffset, size: noteSize},
	}
	if !cfg.NoData {
		sections = append(sections, section{name: ".data", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			addr: dataAddr, off: dataOffset, size: dataFilesz})
	}

	off := uint64(tablesStart)
	if !cfg.NoSymbols {
		var strtab bytes.Buffer
		strtab.WriteByte(0)
		symtab := w.symbols(symbols, &strtab)
		symtabIndex := len(sections)
		sections = append(sections, section{name: ".symtab", typ: elf.SHT_SYMTAB, off: off,
			size: uint64(len(symtab)), link: uint32(symtabIndex + 1), info: 1, entsize: w.symSize()})
		w.at(off, symtab)
		off += uint64(len(symtab))
		sections = append(sections, section{name: ".strtab", typ: elf.SHT_STRTAB, off: off, size: uint64(strtab.Len())})
		w.at(off, strtab.Bytes())
		off += uint64(strtab.Len())
	}

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	names := make([]uint32, len(sections)+1)
	for i := 1; i < len(sections); i++ {
		names[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(sections[i].name)
		shstrtab.WriteByte(0)
	}
	names[len(sections)] = uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)
	sections = append(sections, section{name: ".shstrtab", typ: elf.SHT_STRTAB, off: off, size: uint64(shstrtab.Len())})
	w.at(off, shstrtab.Bytes())
	off += uint64(shstrtab.Len())

	shoff := (off + 7) &^ 7
	w.sectionHeaders(shoff, sections, names)
	w.header(cfg, uint64(len(progs)), shoff, uint64(len(sections)))
	w.programHeaders(progs)

	layout.Size = uint64(len(w.buf))
	return w.buf, layout
}

func stInfo(bind elf.SymBind, typ elf.SymType) byte {
	return byte(bind)<<4 | byte(typ)&0xf
}

func gnuNote() []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, [3]uint32{4, 16, 1}) // NT_GNU_ABI_TAG
	b.WriteString("GNU\x00")
	_ = binary.Write(&b, binary.LittleEndian, [4]uint32{0, 3, 2, 0})
	return b.Bytes()
}

// defaultRoutine returns a startup routine shaped like glibc's: main is
// called indirectly and its result is handed straight to exit.
func defaultRoutine(machine elf.Machine, addr, exitAddr uint64) ([]byte, uint64) {
	var code []byte
	var patch uint64
	switch machine {
	case elf.EM_386:
		code = []byte{
			0x83, 0xec, 0x0c,       // sub esp, 12
			0x8b, 0x44, 0x24, 0x10, // mov eax, [esp+16]
			0xff, 0xd0,             // call eax
			0x83, 0xec, 0x0c,       // sub esp, 12
			0x50,                   // push eax
			0xe8, 0, 0, 0, 0,       // call exit
			0xf4,                   // hlt
		}
		patch = PatchOffset386
	default:
		code = []byte{
			0x50,                         // push rax
			0x48, 0x8b, 0x44, 0x24, 0x08, // mov rax, [rsp+8]
			0xff, 0xd0,                   // call rax
			0x89, 0xc7,                   // mov edi, eax
			0xe8, 0, 0, 0, 0,             // call exit
			0xf4,                         // hlt
		}
		patch = PatchOffsetAMD64
	}
	call := len(code) - 6
	rel := int32(exitAddr - (addr + uint64(call) + 5))
	binary.LittleEndian.PutUint32(code[call+1:], uint32(rel))
	return code, patch
}

type writer struct {
	buf   []byte
	order binary.ByteOrder
	is64  bool
}

// at copies data to off, growing the buffer as needed.
func (w *writer) at(off uint64, data []byte) {
	end := off + uint64(len(data))
	if end > uint64(len(w.buf)) {
		w.buf = append(w.buf, make([]byte, end-uint64(len(w.buf)))...)
	}
	copy(w.buf[off:], data)
}

func (w *writer) put(off uint64, v any) {
	var b bytes.Buffer
	if err := binary.Write(&b, w.order, v); err != nil {
		panic(err)
	}
	w.at(off, b.Bytes())
}

func (w *writer) symSize() uint64 {
	if w.is64 {
		return elf.Sym64Size
	}
	return elf.Sym32Size
}

func (w *writer) symbols(symbols []symbol, strtab *bytes.Buffer) []byte {
	var b bytes.Buffer
	for _, sym := range symbols {
		name := uint32(0)
		if sym.name != "" {
			name = uint32(strtab.Len())
			strtab.WriteString(sym.name)
			strtab.WriteByte(0)
		}
		shndx := uint16(elf.SHN_UNDEF)
		if sym.value != 0 {
			shndx = 1
		}
		if w.is64 {
			_ = binary.Write(&b, w.order, elf.Sym64{Name: name, Info: sym.info, Shndx: shndx, Value: sym.value, Size: sym.size})
		} else {
			_ = binary.Write(&b, w.order, elf.Sym32{Name: name, Info: sym.info, Shndx: shndx, Value: uint32(sym.value), Size: uint32(sym.size)})
		}
	}
	return b.Bytes()
}

func (w *writer) header(cfg Config, phnum, shoff, shnum uint64) {
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(cfg.Class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	entry := cfg.Base + routineOffset - 0x10
	if w.is64 {
		w.put(0, elf.Header64{
			Ident: ident, Type: uint16(cfg.Type), Machine: uint16(cfg.Machine), Version: uint32(elf.EV_CURRENT),
			Entry: entry, Phoff: 64, Shoff: shoff, Ehsize: 64,
			Phentsize: 56, Phnum: uint16(phnum), Shentsize: 64, Shnum: uint16(shnum), Shstrndx: uint16(shnum - 1),
		})
		return
	}
	w.put(0, elf.Header32{
		Ident: ident, Type: uint16(cfg.Type), Machine: uint16(cfg.Machine), Version: uint32(elf.EV_CURRENT),
		Entry: uint32(entry), Phoff: 52, Shoff: uint32(shoff), Ehsize: 52,
		Phentsize: 32, Phnum: uint16(phnum), Shentsize: 40, Shnum: uint16(shnum), Shstrndx: uint16(shnum - 1),
	})
}

func (w *writer) programHeaders(progs []prog) {
	for i, p := range progs {
		if w.is64 {
			w.put(64+uint64(i)*56, elf.Prog64{
				Type: uint32(p.typ), Flags: uint32(p.flags), Off: p.off, Vaddr: p.vaddr, Paddr: p.vaddr,
				Filesz: p.filesz, Memsz: p.memsz, Align: p.align,
			})
			continue
		}
		w.put(52+uint64(i)*32, elf.Prog32{
			Type: uint32(p.typ), Off: uint32(p.off), Vaddr: uint32(p.vaddr), Paddr: uint32(p.vaddr),
			Filesz: uint32(p.filesz), Memsz: uint32(p.memsz), Flags: uint32(p.flags), Align: uint32(p.align),
		})
	}
}

func (w *writer) sectionHeaders(shoff uint64, sections []section, names []uint32) {
	for i, s := range sections {
		if w.is64 {
			w.put(shoff+uint64(i)*64, elf.Section64{
				Name: names[i], Type: uint32(s.typ), Flags: uint64(s.flags), Addr: s.addr, Off: s.off,
				Size: s.size, Link: s.link, Info: s.info, Addralign: 1, Entsize: s.entsize,
			})
			continue
		}
		w.put(shoff+uint64(i)*40, elf.Section32{
			Name: names[i], Type: uint32(s.typ), Flags: uint32(s.flags), Addr: uint32(s.addr), Off: uint32(s.off),
			Size: uint32(s.size), Link: s.link, Info: s.info, Addralign: 1, Entsize: uint32(s.entsize),
		})
	}
}
