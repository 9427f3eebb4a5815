package relro

import (
	"encoding/binary"
	"fmt"
)

// assembler is a minimal x86 byte emitter with labels. Instructions are
// written as raw encodings; only displacements and short branches are
// resolved here.
type assembler struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	at     int
	size   int // 1 or 4
	target string
	origin string // label the displacement is measured from; empty means the end of the field
}

func newAssembler() *assembler {
	return &assembler{labels: make(map[string]int)}
}

func (a *assembler) emit(b ...byte) {
	a.buf = append(a.buf, b...)
}

func (a *assembler) imm32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

// mark defines name at the current position.
func (a *assembler) mark(name string) {
	a.labels[name] = len(a.buf)
}

// setLabel defines name at an arbitrary offset, possibly outside the code.
func (a *assembler) setLabel(name string, offset int) {
	a.labels[name] = offset
}

// short emits a two-byte branch (jcc rel8 or jmp rel8) to name.
func (a *assembler) short(opcode byte, name string) {
	a.emit(opcode)
	a.fixups = append(a.fixups, fixup{at: len(a.buf), size: 1, target: name})
	a.emit(0)
}

// disp8 emits the signed 8-bit distance from origin to target.
func (a *assembler) disp8(target, origin string) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), size: 1, target: target, origin: origin})
	a.emit(0)
}

// disp32 emits the signed 32-bit distance from origin to target.
func (a *assembler) disp32(target, origin string) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), size: 4, target: target, origin: origin})
	a.imm32(0)
}

func (a *assembler) assemble() ([]byte, error) {
	for _, f := range a.fixups {
		target, ok := a.labels[f.target]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.target)
		}
		origin := f.at + f.size
		if f.origin != "" {
			if origin, ok = a.labels[f.origin]; !ok {
				return nil, fmt.Errorf("undefined label %q", f.origin)
			}
		}
		d := target - origin
		switch f.size {
		case 1:
			if d < -128 || d > 127 {
				return nil, fmt.Errorf("displacement to %q out of rel8 range: %d", f.target, d)
			}
			a.buf[f.at] = byte(int8(d))
		case 4:
			binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(d)))
		}
	}
	return a.buf, nil
}
