package relro

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"gorelro/common"
)

func decodeStub(t *testing.T, stub *Stub, mode int) []instruction {
	t.Helper()
	code := stub.Code()
	var insts []instruction
	for offset := 0; offset < stub.ExitSlot(); {
		inst, err := x86asm.Decode(code[offset:], mode)
		require.NoError(t, err, "offset %d", offset)
		insts = append(insts, instruction{offset: offset, inst: inst})
		offset += inst.Len
		require.LessOrEqual(t, offset, stub.ExitSlot())
	}
	return insts
}

func findInst(insts []instruction, match func(x86asm.Inst) bool) (instruction, bool) {
	for _, in := range insts {
		if match(in.inst) {
			return in, true
		}
	}
	return instruction{}, false
}

func memOperand(inst x86asm.Inst, base x86asm.Reg) (x86asm.Mem, bool) {
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == base {
			return mem, true
		}
	}
	return x86asm.Mem{}, false
}

func TestStubFor(t *testing.T) {
	amd64, err := StubFor(elf.EM_X86_64)
	require.NoError(t, err)
	i386, err := StubFor(elf.EM_386)
	require.NoError(t, err)
	assert.NotEqual(t, amd64.Code(), i386.Code())

	_, err = StubFor(elf.EM_AARCH64)
	assert.ErrorIs(t, err, common.ErrUnsupportedTarget)
}

func TestStubLayout(t *testing.T) {
	for _, machine := range []elf.Machine{elf.EM_X86_64, elf.EM_386} {
		stub, err := StubFor(machine)
		require.NoError(t, err)
		assert.Equal(t, stub.Len()-4, stub.ExitSlot(), machine.String())
		assert.Equal(t, []byte{0, 0, 0, 0}, stub.Code()[stub.ExitSlot():])

		code := stub.Code()
		code[0] ^= 0xff
		assert.NotEqual(t, code[0], stub.Code()[0], "Code must return a copy")
	}
}

func TestStubAMD64Decodes(t *testing.T) {
	stub, _ := StubFor(elf.EM_X86_64)
	insts := decodeStub(t, stub, 64)

	// call here; pop rbx
	require.Equal(t, x86asm.CALL, insts[4].inst.Op)
	require.Equal(t, x86asm.POP, insts[5].inst.Op)
	here := insts[5].offset

	load, ok := findInst(insts, func(inst x86asm.Inst) bool {
		mem, ok := memOperand(inst, x86asm.RBX)
		return inst.Op == x86asm.MOV && inst.Args[0] == x86asm.EAX && ok && mem.Disp < 0
	})
	require.True(t, ok, "entry prefix load not found")
	mem, _ := memOperand(load.inst, x86asm.RBX)
	assert.Equal(t, int64(-(here + PrefixSize)), mem.Disp)

	slot, ok := findInst(insts, func(inst x86asm.Inst) bool {
		mem, ok := memOperand(inst, x86asm.RBX)
		return inst.Op == x86asm.MOV && ok && mem.Disp > 0
	})
	require.True(t, ok, "exit slot load not found")
	mem, _ = memOperand(slot.inst, x86asm.RBX)
	assert.Equal(t, int64(stub.ExitSlot()-here), mem.Disp)

	writable, ok := findInst(insts, func(inst x86asm.Inst) bool {
		mem, ok := memOperand(inst, x86asm.R9)
		return inst.Op == x86asm.TEST && ok && mem.Disp == phdr64Flags
	})
	require.True(t, ok, "fallback must only take writable load segments")
	assert.Equal(t, x86asm.Imm(elf.PF_W), writable.inst.Args[1])

	var syscalls, imms []int64
	for i, in := range insts {
		if in.inst.Op == x86asm.SYSCALL {
			prev := insts[i-1].inst
			require.Equal(t, x86asm.MOV, prev.Op)
			imm, _ := prev.Args[1].(x86asm.Imm)
			syscalls = append(syscalls, int64(imm))
		}
		if in.inst.Op == x86asm.MOV && in.inst.Args[0] == x86asm.ESI {
			imm, _ := in.inst.Args[1].(x86asm.Imm)
			imms = append(imms, int64(imm))
		}
	}
	assert.Equal(t, []int64{sysMprotectAMD64, sysExitGroupAMD64}, syscalls)
	assert.Equal(t, []int64{0x1000}, imms, "exactly one page is protected")

	_, ok = findInst(insts, func(inst x86asm.Inst) bool { return inst.Op == x86asm.INT })
	assert.True(t, ok, "missing int3 trap")
	_, ok = findInst(insts, func(inst x86asm.Inst) bool { return inst.Op == x86asm.UD2 })
	assert.True(t, ok, "missing ud2")
}

func TestStub386Decodes(t *testing.T) {
	stub, _ := StubFor(elf.EM_386)
	insts := decodeStub(t, stub, 32)

	require.Equal(t, x86asm.CALL, insts[0].inst.Op)
	require.Equal(t, x86asm.POP, insts[1].inst.Op)
	here := insts[1].offset

	load, ok := findInst(insts, func(inst x86asm.Inst) bool {
		mem, ok := memOperand(inst, x86asm.EBP)
		return inst.Op == x86asm.MOV && inst.Args[0] == x86asm.EAX && ok && mem.Disp < 0
	})
	require.True(t, ok)
	mem, _ := memOperand(load.inst, x86asm.EBP)
	assert.Equal(t, int64(-(here + PrefixSize)), mem.Disp)

	slot, ok := findInst(insts, func(inst x86asm.Inst) bool {
		_, ok := memOperand(inst, x86asm.EBP)
		return inst.Op == x86asm.MOV && inst.Args[0] == x86asm.ECX && ok
	})
	require.True(t, ok)
	mem, _ = memOperand(slot.inst, x86asm.EBP)
	assert.Equal(t, int64(stub.ExitSlot()-here), mem.Disp)

	writable, ok := findInst(insts, func(inst x86asm.Inst) bool {
		mem, ok := memOperand(inst, x86asm.EDI)
		return inst.Op == x86asm.TEST && ok && mem.Disp == phdr32Flags
	})
	require.True(t, ok, "fallback must only take writable load segments")
	assert.Equal(t, x86asm.Imm(elf.PF_W), writable.inst.Args[1])

	var syscalls []int64
	for i, in := range insts {
		if in.inst.Op == x86asm.INT && in.inst.Args[0] == x86asm.Imm(0x80) {
			imm, _ := insts[i-1].inst.Args[1].(x86asm.Imm)
			syscalls = append(syscalls, int64(imm))
		}
	}
	assert.Equal(t, []int64{sysMprotect386, sysExitGroup386}, syscalls)
}

func TestStubPatch(t *testing.T) {
	stub, _ := StubFor(elf.EM_X86_64)
	code, err := stub.Patch(0x401a2b)
	require.NoError(t, err)
	require.Len(t, code, stub.Len())
	assert.Equal(t, uint32(0x401a2b), binary.LittleEndian.Uint32(code[stub.ExitSlot():]))
	assert.Equal(t, stub.Code()[:stub.ExitSlot()], code[:stub.ExitSlot()])
	assert.Equal(t, []byte{0, 0, 0, 0}, stub.Code()[stub.ExitSlot():], "Patch must not touch the shared stub")

	_, err = stub.Patch(1 << 32)
	assert.ErrorIs(t, err, common.ErrUnsupportedTarget)
}

func TestAssemblerErrors(t *testing.T) {
	a := newAssembler()
	a.short(0xeb, "nowhere")
	_, err := a.assemble()
	assert.ErrorContains(t, err, "undefined label")

	a = newAssembler()
	a.short(0xeb, "far")
	a.emit(make([]byte, 200)...)
	a.mark("far")
	_, err = a.assemble()
	assert.ErrorContains(t, err, "rel8")

	a = newAssembler()
	a.mark("back")
	a.emit(0x90)
	a.short(0xeb, "back")
	code, err := a.assemble()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0xeb, 0xfd}, code)
}
