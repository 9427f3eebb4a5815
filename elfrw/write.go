package elfrw

import (
	"encoding/binary"
	"fmt"

	"gorelro/common"
)

// WriteSegment encodes seg back into the program header table of the
// mapping, at the slot given by seg.Index.
func (img *Image) WriteSegment(seg Segment) error {
	if int(seg.Index) >= len(img.Segments) {
		return fmt.Errorf("%w: program header %d does not exist", common.ErrFormat, seg.Index)
	}
	pos := img.programHeaderPosition(seg.Index)
	endian := img.ByteOrder

	if img.Is64Bit() {
		if pos+ELF64_PHDR_SIZE > img.FileSize() {
			return fmt.Errorf("%w: program header %d exceeds file bounds", common.ErrFormat, seg.Index)
		}
		buf := img.RawData[pos : pos+ELF64_PHDR_SIZE]
		endian.PutUint32(buf[0:4], uint32(seg.Type))  // p_type
		endian.PutUint32(buf[4:8], uint32(seg.Flags)) // p_flags
		endian.PutUint64(buf[8:16], seg.Offset)       // p_offset
		endian.PutUint64(buf[16:24], seg.Vaddr)       // p_vaddr
		endian.PutUint64(buf[24:32], seg.Paddr)       // p_paddr
		endian.PutUint64(buf[32:40], seg.Filesz)      // p_filesz
		endian.PutUint64(buf[40:48], seg.Memsz)       // p_memsz
		endian.PutUint64(buf[48:56], seg.Align)       // p_align
	} else {
		if pos+ELF32_PHDR_SIZE > img.FileSize() {
			return fmt.Errorf("%w: program header %d exceeds file bounds", common.ErrFormat, seg.Index)
		}
		buf := img.RawData[pos : pos+ELF32_PHDR_SIZE]
		endian.PutUint32(buf[0:4], uint32(seg.Type))     // p_type
		endian.PutUint32(buf[4:8], uint32(seg.Offset))   // p_offset
		endian.PutUint32(buf[8:12], uint32(seg.Vaddr))   // p_vaddr
		endian.PutUint32(buf[12:16], uint32(seg.Paddr))  // p_paddr
		endian.PutUint32(buf[16:20], uint32(seg.Filesz)) // p_filesz
		endian.PutUint32(buf[20:24], uint32(seg.Memsz))  // p_memsz
		endian.PutUint32(buf[24:28], uint32(seg.Flags))  // p_flags
		endian.PutUint32(buf[28:32], uint32(seg.Align))  // p_align
	}

	img.Segments[seg.Index] = seg
	return nil
}

// WriteBytes copies data into the mapping at a virtual address.
func (img *Image) WriteBytes(vaddr uint64, data []byte) error {
	dst, err := img.Pointer(vaddr, uint64(len(data)))
	if err != nil {
		return err
	}
	if len(dst) < len(data) {
		return fmt.Errorf("%w: 0x%x+%d", common.ErrAddressOutOfRange, vaddr, len(data))
	}
	copy(dst, data)
	return nil
}

func (img *Image) programHeaderPosition(index uint16) uint64 {
	entsize := uint64(img.Phentsize)
	if entsize == 0 {
		entsize = ELF32_PHDR_SIZE
		if img.Is64Bit() {
			entsize = ELF64_PHDR_SIZE
		}
	}
	return img.Phoff + uint64(index)*entsize
}

// WriteAtOffset writes a value to rawData at a specific offset with the given endianness.
func WriteAtOffset(rawData []byte, offset uint64, endian binary.ByteOrder, value interface{}) error {
	var size int
	switch value.(type) {
	case uint16:
		size = 2
	case uint32:
		size = 4
	case uint64:
		size = 8
	default:
		return fmt.Errorf("unsupported type: %T", value)
	}

	if offset > uint64(len(rawData)) {
		return fmt.Errorf("offset too large: %d (file size: %d)", offset, len(rawData))
	}

	if int(offset)+size > len(rawData) {
		return fmt.Errorf("write would exceed buffer limits: offset %d + size %d > length %d",
			offset, size, len(rawData))
	}

	switch v := value.(type) {
	case uint16:
		endian.PutUint16(rawData[offset:], v)
	case uint32:
		endian.PutUint32(rawData[offset:], v)
	case uint64:
		endian.PutUint64(rawData[offset:], v)
	}
	return nil
}
