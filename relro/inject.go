package relro

import (
	"encoding/binary"
	"fmt"

	"github.com/spf13/afero"

	"gorelro/elfrw"
)

// Inject applies plan to img and atomically replaces the file on fs. The
// mapping is private, so a failure at any step leaves the file on disk as it
// was. It returns the number of bytes appended.
func Inject(img *elfrw.Image, plan *Plan, stub *Stub, fs afero.Fs) (int, error) {
	code, err := stub.Patch(plan.ExitAddr)
	if err != nil {
		return 0, err
	}
	if uint64(len(code)) != plan.StubSize {
		return 0, fmt.Errorf("stub is %d bytes, plan expects %d", len(code), plan.StubSize)
	}

	if err := img.WriteBytes(plan.Startup.PatchAddr, Trampoline(plan.EntryAddr)); err != nil {
		return 0, fmt.Errorf("writing trampoline: %w", err)
	}
	if err := img.WriteSegment(plan.Segment()); err != nil {
		return 0, fmt.Errorf("rewriting program header %d: %w", plan.ReuseIndex, err)
	}

	prefix := binary.LittleEndian.AppendUint32(nil, uint32(plan.MainAddr))
	if _, err := ReplaceFile(fs, img.Path, img.Mode, img.RawData, prefix, code); err != nil {
		return 0, err
	}
	return len(prefix) + len(code), nil
}
