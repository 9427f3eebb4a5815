package elfrw

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorelro/common"
	"gorelro/internal/elftest"
)

func openImage(t *testing.T, cfg elftest.Config) (*Image, elftest.Layout) {
	t.Helper()
	layout := elftest.Write(t, cfg)
	img, err := Open(layout.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = img.Close() })
	return img, layout
}

func TestOpenAMD64(t *testing.T) {
	cfg := elftest.AMD64()
	cfg.Relro = true
	img, layout := openImage(t, cfg)

	assert.True(t, img.Is64Bit())
	assert.Equal(t, elf.EM_X86_64, img.Machine)
	assert.Equal(t, elf.ET_EXEC, img.Type)
	assert.Equal(t, binary.LittleEndian, img.ByteOrder)
	assert.Equal(t, layout.Size, img.FileSize())
	assert.Equal(t, os.FileMode(0o755), img.Mode)
	assert.False(t, img.DynamicLinked)

	require.True(t, img.HasTextAnchor())
	assert.Equal(t, 1, img.TextAnchors())
	assert.Equal(t, uint64(StaticBase64), img.TextBase)
	assert.Equal(t, img.StaticBase(), img.TextBase)

	assert.Len(t, img.SegmentsOfType(elf.PT_LOAD), 2)
	assert.Len(t, img.SegmentsOfType(elf.PT_NOTE), 1)
	assert.Len(t, img.SegmentsOfType(elf.PT_GNU_RELRO), 1)
	for i, seg := range img.Segments {
		assert.Equal(t, uint16(i), seg.Index)
	}
}

func TestOpenI386(t *testing.T) {
	img, layout := openImage(t, elftest.I386())

	assert.False(t, img.Is64Bit())
	assert.Equal(t, elf.EM_386, img.Machine)
	assert.Equal(t, uint64(StaticBase32), img.TextBase)
	assert.Equal(t, uint64(ELF32_PHDR_SIZE), uint64(img.Phentsize))

	sym, err := img.LookupSymbol("main")
	require.NoError(t, err)
	assert.Equal(t, layout.MainAddr, sym.Value)
}

func TestOpenMarksDynamicImages(t *testing.T) {
	cfg := elftest.AMD64()
	cfg.Dynamic = true
	img, _ := openImage(t, cfg)
	assert.True(t, img.DynamicLinked)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, common.ErrIO)

	_, err = Open(dir)
	assert.ErrorIs(t, err, common.ErrIO)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = Open(empty)
	assert.ErrorIs(t, err, common.ErrFormat)

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, make([]byte, 128), 0o644))
	_, err = Open(garbage)
	assert.ErrorIs(t, err, common.ErrFormat)

	truncated := filepath.Join(dir, "truncated")
	raw, _ := elftest.Build(elftest.AMD64())
	require.NoError(t, os.WriteFile(truncated, raw[:40], 0o644))
	_, err = Open(truncated)
	assert.ErrorIs(t, err, common.ErrFormat)
}

func TestCloseIsIdempotent(t *testing.T) {
	layout := elftest.Write(t, elftest.AMD64())
	img, err := Open(layout.Path)
	require.NoError(t, err)
	require.NoError(t, img.Close())
	require.NoError(t, img.Close())
	assert.Nil(t, img.RawData)
}

func TestFileOffsetAndPointer(t *testing.T) {
	img, layout := openImage(t, elftest.AMD64())

	off, err := img.FileOffset(layout.RoutineAddr)
	require.NoError(t, err)
	assert.Equal(t, layout.PatchOffset-elftest.PatchOffsetAMD64, off)

	code, err := img.Pointer(layout.PatchAddr, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd0}, code)

	tail, err := img.Pointer(img.TextBase+img.FileSize()-1, 64)
	require.NoError(t, err)
	assert.Len(t, tail, 1)

	_, err = img.FileOffset(img.TextBase - 1)
	assert.ErrorIs(t, err, common.ErrAddressOutOfRange)
	_, err = img.Pointer(img.TextBase+img.FileSize(), 1)
	assert.ErrorIs(t, err, common.ErrAddressOutOfRange)
}

func TestDescribe(t *testing.T) {
	cfg := elftest.I386()
	cfg.Dynamic = true
	img, _ := openImage(t, cfg)

	out := common.FormatOperationResult("image", img.Describe())
	assert.Contains(t, out, "ELF32")
	assert.Contains(t, out, "EM_386")
	assert.Contains(t, out, "text anchor: offset 0x0 -> vaddr 0x8048000")
	assert.Contains(t, out, "⚠️ dynamically linked")
	assert.Contains(t, out, "PT_NOTE")
}
