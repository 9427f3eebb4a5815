package relro

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorelro/common"
	"gorelro/elfrw"
	"gorelro/internal/elftest"
)

// changedOffsets returns the offsets at which before and the prefix of after
// differ.
func changedOffsets(before, after []byte) []int {
	var out []int
	for i := range before {
		if before[i] != after[i] {
			out = append(out, i)
		}
	}
	return out
}

func TestHardenELF(t *testing.T) {
	tests := []struct {
		name      string
		cfg       elftest.Config
		phentsize int
		separate  bool
	}{
		{"amd64", elftest.AMD64(), elfrw.ELF64_PHDR_SIZE, false},
		{"i386", elftest.I386(), elfrw.ELF32_PHDR_SIZE, false},
		{"amd64/separate-code", elftest.AMD64(), elfrw.ELF64_PHDR_SIZE, true},
		{"i386/separate-code", elftest.I386(), elfrw.ELF32_PHDR_SIZE, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Relro = !tt.separate
			cfg.SeparateCode = tt.separate
			layout := elftest.Write(t, cfg)
			before, err := os.ReadFile(layout.Path)
			require.NoError(t, err)

			result, err := HardenELF(layout.Path, Options{})
			require.NoError(t, err)
			require.True(t, result.Applied)
			if tt.separate {
				assert.Contains(t, result.Message, "first data page")
			} else {
				assert.Contains(t, result.Message, "relro segment")
			}

			after, err := os.ReadFile(layout.Path)
			require.NoError(t, err)
			stub, _ := StubFor(cfg.Machine)
			require.Len(t, after, len(before)+PrefixSize+stub.Len())
			assert.Equal(t, PrefixSize+stub.Len(), result.Appended)

			info, err := os.Stat(layout.Path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

			// Only the reused program header and the trampoline changed.
			phoff := 64
			if cfg.Class == elf.ELFCLASS32 {
				phoff = 52
			}
			phdrStart := phoff + layout.NoteIndex*tt.phentsize
			for _, off := range changedOffsets(before, after) {
				inPhdr := off >= phdrStart && off < phdrStart+tt.phentsize
				inPatch := off >= int(layout.PatchOffset) && off < int(layout.PatchOffset)+TrampolineSize
				assert.True(t, inPhdr || inPatch, "unexpected change at offset 0x%x", off)
			}

			f, err := elf.NewFile(bytes.NewReader(after))
			require.NoError(t, err)
			seg := f.Progs[layout.NoteIndex]
			assert.Equal(t, elf.PT_LOAD, seg.Type)
			assert.Equal(t, elf.PF_R|elf.PF_X, seg.Flags)
			assert.Equal(t, uint64(len(before)), seg.Off)
			assert.Equal(t, uint64(stub.Len()+SlackPadding), seg.Filesz)
			assert.Equal(t, seg.Off%seg.Align, seg.Vaddr%seg.Align)

			entry := seg.Vaddr + PrefixSize
			patch := after[layout.PatchOffset : layout.PatchOffset+TrampolineSize]
			assert.Equal(t, Trampoline(entry), patch)

			tail := after[len(before):]
			assert.Equal(t, uint32(layout.MainAddr), binary.LittleEndian.Uint32(tail[:PrefixSize]))
			code := tail[PrefixSize:]
			assert.Equal(t, stub.Code()[:stub.ExitSlot()], code[:stub.ExitSlot()])
			assert.Equal(t, uint32(layout.ExitAddr), binary.LittleEndian.Uint32(code[stub.ExitSlot():]))
		})
	}
}

func TestHardenELFTwice(t *testing.T) {
	layout := elftest.Write(t, elftest.AMD64())
	_, err := HardenELF(layout.Path, Options{})
	require.NoError(t, err)
	hardened, err := os.ReadFile(layout.Path)
	require.NoError(t, err)

	_, err = HardenELF(layout.Path, Options{})
	assert.ErrorIs(t, err, common.ErrAlreadyHardened)

	again, err := os.ReadFile(layout.Path)
	require.NoError(t, err)
	assert.Equal(t, hardened, again)
}

func TestHardenELFLeavesRejectedFilesAlone(t *testing.T) {
	cfg := elftest.AMD64()
	cfg.Dynamic = true
	layout := elftest.Write(t, cfg)
	before, err := os.ReadFile(layout.Path)
	require.NoError(t, err)

	_, err = HardenELF(layout.Path, Options{})
	assert.ErrorIs(t, err, common.ErrUnsupportedTarget)
	assert.ErrorContains(t, err, layout.Path)

	after, err := os.ReadFile(layout.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHardenELFReadOnlyFs(t *testing.T) {
	layout := elftest.Write(t, elftest.I386())
	before, err := os.ReadFile(layout.Path)
	require.NoError(t, err)

	_, err = HardenELF(layout.Path, Options{Fs: afero.NewReadOnlyFs(afero.NewOsFs())})
	assert.ErrorIs(t, err, common.ErrIO)

	after, err := os.ReadFile(layout.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	entries, err := os.ReadDir(filepath.Dir(layout.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type failingRenameFs struct {
	afero.Fs
}

func (failingRenameFs) Rename(string, string) error {
	return errors.New("cross-device link")
}

func TestHardenELFRenameFailure(t *testing.T) {
	layout := elftest.Write(t, elftest.AMD64())
	before, err := os.ReadFile(layout.Path)
	require.NoError(t, err)

	_, err = HardenELF(layout.Path, Options{Fs: failingRenameFs{afero.NewOsFs()}})
	assert.ErrorIs(t, err, common.ErrIO)
	assert.ErrorContains(t, err, "cross-device link")

	after, err := os.ReadFile(layout.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	entries, err := os.ReadDir(filepath.Dir(layout.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must be removed")
}

func TestInjectIntoMemoryFs(t *testing.T) {
	img, layout := openImage(t, elftest.AMD64())
	stub, _ := StubFor(img.Machine)
	plan, err := NewPlan(img, stub, Options{})
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	appended, err := Inject(img, plan, stub, fs)
	require.NoError(t, err)
	assert.Equal(t, PrefixSize+stub.Len(), appended)

	out, err := afero.ReadFile(fs, layout.Path)
	require.NoError(t, err)
	assert.Len(t, out, int(layout.Size)+appended)
	assert.Equal(t, img.RawData, out[:layout.Size])

	info, err := fs.Stat(layout.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	// The file on disk is untouched: the mapping is private.
	disk, err := os.ReadFile(layout.Path)
	require.NoError(t, err)
	assert.Len(t, disk, int(layout.Size))
	assert.NotEqual(t, disk, out[:layout.Size])
}

func TestInjectRejectsStubMismatch(t *testing.T) {
	img, _ := openImage(t, elftest.AMD64())
	plan, err := NewPlan(img, stubAMD64, Options{})
	require.NoError(t, err)

	plan.StubSize++
	_, err = Inject(img, plan, stubAMD64, afero.NewMemMapFs())
	assert.Error(t, err)
}

func TestDescribeELF(t *testing.T) {
	cfg := elftest.AMD64()
	cfg.Relro = true
	layout := elftest.Write(t, cfg)
	before, err := os.ReadFile(layout.Path)
	require.NoError(t, err)

	details, err := DescribeELF(layout.Path, Options{})
	require.NoError(t, err)
	out := common.FormatOperationResult("plan", details)
	assert.Contains(t, out, "IMAGE:")
	assert.Contains(t, out, "INJECTION:")
	assert.Contains(t, out, "computed placement")

	after, err := os.ReadFile(layout.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
