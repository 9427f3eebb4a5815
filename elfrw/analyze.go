package elfrw

import (
	"debug/elf"
	"fmt"

	"gorelro/common"
)

// Describe summarizes the image for dry-run reports.
func (img *Image) Describe() []common.OperationDetail {
	bits := "32"
	if img.Is64Bit() {
		bits = "64"
	}
	details := []common.OperationDetail{
		{Category: common.CategoryImage, Message: fmt.Sprintf("ELF%s %s %s, %d bytes", bits, img.Type, img.Machine, img.FileSize())},
		{Category: common.CategoryImage, Message: fmt.Sprintf("entry point 0x%x", img.Entry)},
	}
	if img.HasTextAnchor() {
		details = append(details, common.OperationDetail{
			Category: common.CategoryImage,
			Message:  fmt.Sprintf("text anchor: offset 0x%x -> vaddr 0x%x", img.TextOffset, img.TextBase),
		})
	}
	if img.DynamicLinked {
		details = append(details, common.OperationDetail{
			Category: common.CategoryImage,
			Message:  "dynamically linked",
			IsRisky:  true,
		})
	}
	for i := range img.Segments {
		seg := &img.Segments[i]
		details = append(details, common.OperationDetail{
			Category: common.CategoryImage,
			Message:  fmt.Sprintf("phdr %d: %s", seg.Index, seg),
			IsRisky:  seg.Type == elf.PT_LOAD && seg.Flags&elf.PF_W != 0 && seg.Flags&elf.PF_X != 0,
		})
	}
	details = append(details, common.OperationDetail{
		Category: common.CategoryImage,
		Message:  fmt.Sprintf("%d symbols", len(img.Symbols)),
		IsRisky:  len(img.Symbols) == 0,
	})
	return details
}
