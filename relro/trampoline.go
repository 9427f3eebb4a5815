package relro

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"gorelro/common"
	"gorelro/elfrw"
)

// TrampolineSize is the length of "push imm32; ret".
const TrampolineSize = 6

// routineWindow bounds the decode when the symbol table carries no size.
const routineWindow = 4096

// Signature describes a C library startup routine that calls main and hands
// its result to exit. The trampoline replaces that call.
type Signature struct {
	Symbol  string
	Runtime string
	Machine elf.Machine
}

// Signatures is the table of supported startup routines, most recent first.
var Signatures = []Signature{
	{Symbol: "__libc_start_call_main", Runtime: "glibc 2.34+", Machine: elf.EM_X86_64},
	{Symbol: "__libc_start_main", Runtime: "glibc 2.26-2.33", Machine: elf.EM_X86_64},
	{Symbol: "generic_start_main", Runtime: "glibc 2.23-2.25", Machine: elf.EM_X86_64},
	{Symbol: "__libc_start_call_main", Runtime: "glibc 2.34+", Machine: elf.EM_386},
	{Symbol: "__libc_start_main", Runtime: "glibc 2.26-2.33", Machine: elf.EM_386},
	{Symbol: "generic_start_main", Runtime: "glibc 2.23-2.25", Machine: elf.EM_386},
}

// Site is where the trampoline goes.
type Site struct {
	Symbol      string
	Runtime     string
	RoutineAddr uint64
	PatchAddr   uint64
	PatchOffset uint64 // file offset of PatchAddr
}

// Trampoline encodes "push imm32(target); ret".
func Trampoline(target uint64) []byte {
	code := make([]byte, TrampolineSize)
	code[0] = 0x68 // push imm32
	binary.LittleEndian.PutUint32(code[1:5], uint32(target))
	code[5] = 0xc3 // ret
	return code
}

// FindSite locates the call to main inside the first startup routine that
// matches a supported signature.
func FindSite(img *elfrw.Image) (*Site, error) {
	mode := 32
	if img.Is64Bit() {
		mode = 64
	}

	resolved := 0
	for _, sig := range Signatures {
		if sig.Machine != img.Machine {
			continue
		}
		sym, err := img.LookupSymbol(sig.Symbol)
		if err != nil {
			continue
		}
		resolved++

		size := sym.Size
		if size == 0 {
			size = routineWindow
		}
		code, err := img.Pointer(sym.Value, size)
		if err != nil {
			return nil, fmt.Errorf("locating %s: %w", sig.Symbol, err)
		}

		insts := decodeRoutine(code, mode)
		if hasTrampoline(insts) {
			return nil, fmt.Errorf("%w: %s already redirects control flow", common.ErrAlreadyHardened, sig.Symbol)
		}
		offset, ok := matchMainCall(insts, mode)
		if !ok || offset+TrampolineSize > len(code) {
			continue
		}

		patchAddr := sym.Value + uint64(offset)
		fileOffset, err := img.FileOffset(patchAddr)
		if err != nil {
			return nil, err
		}
		return &Site{
			Symbol:      sig.Symbol,
			Runtime:     sig.Runtime,
			RoutineAddr: sym.Value,
			PatchAddr:   patchAddr,
			PatchOffset: fileOffset,
		}, nil
	}

	if resolved == 0 {
		return nil, fmt.Errorf("%w: no startup routine for %s", common.ErrSymbolNotFound, img.Machine)
	}
	return nil, fmt.Errorf("%w: %d startup routine(s) resolved, none calls main in a known way",
		common.ErrUnsupportedRuntimeVersion, resolved)
}

type instruction struct {
	offset int
	inst   x86asm.Inst
}

// decodeRoutine sweeps code linearly, skipping a byte on undecodable input.
func decodeRoutine(code []byte, mode int) []instruction {
	var insts []instruction
	for offset := 0; offset < len(code); {
		inst, err := x86asm.Decode(code[offset:], mode)
		if err != nil {
			offset++
			continue
		}
		insts = append(insts, instruction{offset: offset, inst: inst})
		offset += inst.Len
	}
	return insts
}

// matchMainCall returns the offset of an indirect call whose result feeds
// the exit call that follows it.
func matchMainCall(insts []instruction, mode int) (int, bool) {
	for i, cur := range insts {
		if !isIndirectCall(cur.inst) {
			continue
		}
		rest := insts[i+1:]
		if mode == 64 && passesResult64(rest) {
			return cur.offset, true
		}
		if mode == 32 && passesResult32(rest) {
			return cur.offset, true
		}
	}
	return 0, false
}

func isIndirectCall(inst x86asm.Inst) bool {
	if inst.Op != x86asm.CALL {
		return false
	}
	_, direct := inst.Args[0].(x86asm.Rel)
	return !direct
}

// passesResult64 matches "mov edi, eax".
func passesResult64(rest []instruction) bool {
	if len(rest) == 0 {
		return false
	}
	next := rest[0].inst
	return next.Op == x86asm.MOV && next.Args[0] == x86asm.EDI && next.Args[1] == x86asm.EAX
}

// passesResult32 matches "mov [esp], eax", "push eax" or "sub esp, imm; push eax".
func passesResult32(rest []instruction) bool {
	if len(rest) == 0 {
		return false
	}
	next := rest[0].inst
	switch next.Op {
	case x86asm.PUSH:
		return next.Args[0] == x86asm.EAX
	case x86asm.MOV:
		mem, ok := next.Args[0].(x86asm.Mem)
		return ok && mem.Base == x86asm.ESP && mem.Disp == 0 && mem.Index == 0 && next.Args[1] == x86asm.EAX
	case x86asm.SUB:
		if next.Args[0] != x86asm.ESP || len(rest) < 2 {
			return false
		}
		after := rest[1].inst
		return after.Op == x86asm.PUSH && after.Args[0] == x86asm.EAX
	}
	return false
}

// hasTrampoline reports a "push imm32; ret" pair, the shape this tool writes.
func hasTrampoline(insts []instruction) bool {
	for i := 0; i+1 < len(insts); i++ {
		cur, next := insts[i].inst, insts[i+1].inst
		if cur.Op != x86asm.PUSH || next.Op != x86asm.RET || next.Args[0] != nil {
			continue
		}
		if _, ok := cur.Args[0].(x86asm.Imm); ok && cur.Len == 5 {
			return true
		}
	}
	return false
}
