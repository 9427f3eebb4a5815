package relro

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"

	"gorelro/common"
	"gorelro/elfrw"
)

// PrefixSize is the size of the original entry address stored immediately
// before the stub code.
const PrefixSize = 4

// Stub is the position-independent code injected ahead of main. It finds the
// relro page through the program headers, makes it read-only, calls main and
// exits with its status. It traps when the image has neither a relro segment
// nor a data segment.
//
// The last four bytes of the code are a slot for the address of the C
// library's exit routine. When it is zero the stub terminates with a raw
// exit_group system call.
type Stub struct {
	Machine  elf.Machine
	code     []byte
	exitSlot int
}

// Len is the exact byte length of the code.
func (s *Stub) Len() int {
	return len(s.code)
}

// ExitSlot is the offset of the exit routine slot inside the code.
func (s *Stub) ExitSlot() int {
	return s.exitSlot
}

// Code returns a copy of the unpatched code.
func (s *Stub) Code() []byte {
	return append([]byte(nil), s.code...)
}

// Patch returns a copy of the code with the exit routine slot set.
func (s *Stub) Patch(exitAddr uint64) ([]byte, error) {
	if exitAddr > math.MaxUint32 {
		return nil, fmt.Errorf("%w: exit routine at 0x%x does not fit the stub slot", common.ErrUnsupportedTarget, exitAddr)
	}
	code := s.Code()
	if err := elfrw.WriteAtOffset(code, uint64(s.exitSlot), binary.LittleEndian, uint32(exitAddr)); err != nil {
		return nil, err
	}
	return code, nil
}

var (
	stubAMD64 = mustStub(elf.EM_X86_64, assembleAMD64)
	stub386   = mustStub(elf.EM_386, assemble386)
)

// StubFor returns the stub for an image machine type.
func StubFor(machine elf.Machine) (*Stub, error) {
	switch machine {
	case elf.EM_X86_64:
		return stubAMD64, nil
	case elf.EM_386:
		return stub386, nil
	}
	return nil, fmt.Errorf("%w: no stub for machine %s", common.ErrUnsupportedTarget, machine)
}

func mustStub(machine elf.Machine, build func() *assembler) *Stub {
	a := build()
	code, err := a.assemble()
	if err != nil {
		panic(fmt.Sprintf("relro: assembling %s stub: %v", machine, err))
	}
	return &Stub{Machine: machine, code: code, exitSlot: a.labels["exit_slot"]}
}

// Linux system call numbers. These are fixed per architecture and cannot
// come from x/sys/unix, which only carries the numbers for the build target.
const (
	sysMprotectAMD64  = 10
	sysExitGroupAMD64 = 231
	sysMprotect386    = 125
	sysExitGroup386   = 252
)

const protRead = 0x1 // PROT_READ

// Elf32_Phdr and Elf64_Phdr field offsets read by the stubs.
const (
	phdr64Flags  = 4
	phdr64Offset = 8
	phdr64Vaddr  = 16
	phdr32Offset = 4
	phdr32Vaddr  = 8
	phdr32Flags  = 24
)

// assembleAMD64 builds the x86-64 stub. On entry rdi, rsi and rdx hold argc,
// argv and envp and rsp is aligned as for a call to main.
func assembleAMD64() *assembler {
	a := newAssembler()
	a.setLabel("prefix", -PrefixSize)

	// Capture the arguments for main, then find ourselves.
	a.emit(0x57)                         // push rdi
	a.emit(0x56)                         // push rsi
	a.emit(0x52)                         // push rdx
	a.emit(0x51)                         // push rcx
	a.emit(0xe8, 0x00, 0x00, 0x00, 0x00) // call here
	a.mark("here")
	a.emit(0x5b) // pop rbx

	// Walk the program headers of the live image.
	a.emit(0x41, 0xb8)
	a.imm32(elfrw.StaticBase64)                             // mov r8d, base
	a.emit(0x49, 0x8b, 0x40, elfrw.ELF64_E_PHOFF)           // mov rax, [r8+e_phoff]
	a.emit(0x4d, 0x8d, 0x0c, 0x00)                          // lea r9, [r8+rax]
	a.emit(0x41, 0x0f, 0xb7, 0x48, elfrw.ELF64_E_PHNUM)     // movzx ecx, word [r8+e_phnum]
	a.emit(0x45, 0x0f, 0xb7, 0x50, elfrw.ELF64_E_PHENTSIZE) // movzx r10d, word [r8+e_phentsize]
	a.emit(0x45, 0x31, 0xdb)                                // xor r11d, r11d
	a.mark("scan")
	a.emit(0x85, 0xc9) // test ecx, ecx
	a.short(0x74, "scanned")
	a.emit(0x41, 0x8b, 0x01) // mov eax, [r9]
	a.emit(0x3d)
	a.imm32(uint32(elf.PT_GNU_RELRO)) // cmp eax, PT_GNU_RELRO
	a.short(0x74, "relro")
	a.emit(0x83, 0xf8, byte(elf.PT_LOAD)) // cmp eax, PT_LOAD
	a.short(0x75, "next")
	a.emit(0x4d, 0x85, 0xdb) // test r11, r11
	a.short(0x75, "next")
	a.emit(0x49, 0x83, 0x79, phdr64Offset, 0x00) // cmp qword [r9+p_offset], 0
	a.short(0x74, "next")
	a.emit(0x41, 0xf6, 0x41, phdr64Flags, byte(elf.PF_W)) // test byte [r9+p_flags], PF_W
	a.short(0x74, "next")
	a.emit(0x4d, 0x8b, 0x59, phdr64Vaddr) // mov r11, [r9+p_vaddr]
	a.mark("next")
	a.emit(0x4d, 0x01, 0xd1) // add r9, r10
	a.emit(0xff, 0xc9)       // dec ecx
	a.short(0xeb, "scan")
	a.mark("relro")
	a.emit(0x49, 0x8b, 0x79, phdr64Vaddr) // mov rdi, [r9+p_vaddr]
	a.short(0xeb, "protect")
	a.mark("scanned")
	a.emit(0x4d, 0x85, 0xdb) // test r11, r11
	a.short(0x75, "fallback")
	a.emit(0xcc)       // int3
	a.emit(0x0f, 0x0b) // ud2
	a.mark("fallback")
	a.emit(0x4c, 0x89, 0xdf) // mov rdi, r11

	// One page, read-only.
	a.mark("protect")
	a.emit(0x48, 0x81, 0xe7)
	a.imm32(^uint32(elfrw.PageSize - 1)) // and rdi, -PAGE_SIZE
	a.emit(0xbe)
	a.imm32(elfrw.PageSize) // mov esi, PAGE_SIZE
	a.emit(0xba)
	a.imm32(protRead) // mov edx, PROT_READ
	a.emit(0xb8)
	a.imm32(sysMprotectAMD64) // mov eax, SYS_mprotect
	a.emit(0x0f, 0x05)        // syscall

	// Load main from the prefix.
	a.emit(0x8b, 0x43)
	a.disp8("prefix", "here") // mov eax, [rbx+prefix]
	a.emit(0x59)              // pop rcx
	a.emit(0x5a)              // pop rdx
	a.emit(0x5e)              // pop rsi
	a.emit(0x5f)              // pop rdi

	// Call main.
	a.emit(0xff, 0xd0) // call rax

	// exit(status) when the slot is set, exit_group otherwise.
	a.emit(0x89, 0xc7) // mov edi, eax
	a.emit(0x8b, 0x83)
	a.disp32("exit_slot", "here") // mov eax, [rbx+exit_slot]
	a.emit(0x85, 0xc0)            // test eax, eax
	a.short(0x74, "exit_group")
	a.emit(0xff, 0xd0) // call rax
	a.mark("exit_group")
	a.emit(0xb8)
	a.imm32(sysExitGroupAMD64) // mov eax, SYS_exit_group
	a.emit(0x0f, 0x05)         // syscall
	a.emit(0x0f, 0x0b)         // ud2

	a.mark("exit_slot")
	a.imm32(0)
	return a
}

// assemble386 builds the i386 stub. On entry argc, argv and envp are already
// on the stack in cdecl order; the stub leaves esp untouched at dispatch.
func assemble386() *assembler {
	a := newAssembler()
	a.setLabel("prefix", -PrefixSize)

	// Save argc/argv and locate the stub.
	a.emit(0xe8, 0x00, 0x00, 0x00, 0x00) // call here
	a.mark("here")
	a.emit(0x5d) // pop ebp

	// Find the relro or first writable segment.
	a.emit(0xbe)
	a.imm32(elfrw.StaticBase32)                       // mov esi, base
	a.emit(0x8b, 0x46, elfrw.ELF32_E_PHOFF)           // mov eax, [esi+e_phoff]
	a.emit(0x8d, 0x3c, 0x06)                          // lea edi, [esi+eax]
	a.emit(0x0f, 0xb7, 0x4e, elfrw.ELF32_E_PHNUM)     // movzx ecx, word [esi+e_phnum]
	a.emit(0x0f, 0xb7, 0x5e, elfrw.ELF32_E_PHENTSIZE) // movzx ebx, word [esi+e_phentsize]
	a.emit(0x31, 0xd2)                                // xor edx, edx
	a.mark("scan")
	a.emit(0x85, 0xc9) // test ecx, ecx
	a.short(0x74, "scanned")
	a.emit(0x8b, 0x07) // mov eax, [edi]
	a.emit(0x3d)
	a.imm32(uint32(elf.PT_GNU_RELRO)) // cmp eax, PT_GNU_RELRO
	a.short(0x74, "relro")
	a.emit(0x83, 0xf8, byte(elf.PT_LOAD)) // cmp eax, PT_LOAD
	a.short(0x75, "next")
	a.emit(0x85, 0xd2) // test edx, edx
	a.short(0x75, "next")
	a.emit(0x83, 0x7f, phdr32Offset, 0x00) // cmp dword [edi+p_offset], 0
	a.short(0x74, "next")
	a.emit(0xf6, 0x47, phdr32Flags, byte(elf.PF_W)) // test byte [edi+p_flags], PF_W
	a.short(0x74, "next")
	a.emit(0x8b, 0x57, phdr32Vaddr) // mov edx, [edi+p_vaddr]
	a.mark("next")
	a.emit(0x01, 0xdf) // add edi, ebx
	a.emit(0xff, 0xc9) // dec ecx
	a.short(0xeb, "scan")
	a.mark("relro")
	a.emit(0x8b, 0x57, phdr32Vaddr) // mov edx, [edi+p_vaddr]
	a.short(0xeb, "protect")
	a.mark("scanned")
	a.emit(0x85, 0xd2) // test edx, edx
	a.short(0x75, "protect")
	a.emit(0xcc)       // int3
	a.emit(0x0f, 0x0b) // ud2

	// mprotect(page, PAGE_SIZE, PROT_READ)
	a.mark("protect")
	a.emit(0x89, 0xd3) // mov ebx, edx
	a.emit(0x81, 0xe3)
	a.imm32(^uint32(elfrw.PageSize - 1)) // and ebx, -PAGE_SIZE
	a.emit(0xb9)
	a.imm32(elfrw.PageSize) // mov ecx, PAGE_SIZE
	a.emit(0xba)
	a.imm32(protRead) // mov edx, PROT_READ
	a.emit(0xb8)
	a.imm32(sysMprotect386) // mov eax, SYS_mprotect
	a.emit(0xcd, 0x80)      // int 0x80

	// Load main from the prefix.
	a.emit(0x8b, 0x45)
	a.disp8("prefix", "here") // mov eax, [ebp+prefix]

	// Call main.
	a.emit(0xff, 0xd0) // call eax

	// exit(status) or exit_group(status).
	a.emit(0x89, 0xc3) // mov ebx, eax
	a.emit(0x8b, 0x8d)
	a.disp32("exit_slot", "here") // mov ecx, [ebp+exit_slot]
	a.emit(0x85, 0xc9)            // test ecx, ecx
	a.short(0x74, "exit_group")
	a.emit(0x83, 0xec, 0x0c) // sub esp, 12
	a.emit(0x53)             // push ebx
	a.emit(0xff, 0xd1)       // call ecx
	a.mark("exit_group")
	a.emit(0xb8)
	a.imm32(sysExitGroup386) // mov eax, SYS_exit_group
	a.emit(0xcd, 0x80)       // int 0x80
	a.emit(0x0f, 0x0b)       // ud2

	a.mark("exit_slot")
	a.imm32(0)
	return a
}
