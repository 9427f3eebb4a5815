package elfrw

import (
	"debug/elf"
	"fmt"

	"gorelro/common"
)

// FileSize returns the length of the mapping, which is the on-disk size.
func (img *Image) FileSize() uint64 {
	return uint64(len(img.RawData))
}

// HasTextAnchor reports whether a loadable segment starts at file offset 0.
func (img *Image) HasTextAnchor() bool {
	return img.hasAnchor
}

// TextAnchors counts the loadable segments that start at file offset 0.
func (img *Image) TextAnchors() int {
	count := 0
	for _, seg := range img.Segments {
		if seg.Type == elf.PT_LOAD && seg.Offset == 0 {
			count++
		}
	}
	return count
}

// FileOffset translates a virtual address into an offset in the mapping
// through the text anchor.
func (img *Image) FileOffset(vaddr uint64) (uint64, error) {
	if !img.hasAnchor || vaddr < img.TextBase {
		return 0, fmt.Errorf("%w: 0x%x", common.ErrAddressOutOfRange, vaddr)
	}
	offset := img.TextOffset + vaddr - img.TextBase
	if offset >= img.FileSize() {
		return 0, fmt.Errorf("%w: 0x%x", common.ErrAddressOutOfRange, vaddr)
	}
	return offset, nil
}

// Pointer returns n bytes of the mapping starting at vaddr. The slice
// aliases the mapping. n is clamped to the end of the mapping.
func (img *Image) Pointer(vaddr uint64, n uint64) ([]byte, error) {
	offset, err := img.FileOffset(vaddr)
	if err != nil {
		return nil, err
	}
	end := offset + n
	if end > img.FileSize() || end < offset {
		end = img.FileSize()
	}
	return img.RawData[offset:end], nil
}

// SegmentsOfType returns the segments with the given type, in header order.
func (img *Image) SegmentsOfType(t elf.ProgType) []Segment {
	var out []Segment
	for _, seg := range img.Segments {
		if seg.Type == t {
			out = append(out, seg)
		}
	}
	return out
}

// StaticBase returns the well-known load address for the image's class.
func (img *Image) StaticBase() uint64 {
	if img.Is64Bit() {
		return StaticBase64
	}
	return StaticBase32
}
