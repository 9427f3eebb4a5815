package relro

import (
	"debug/elf"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"gorelro/common"
	"gorelro/elfrw"
)

const (
	// SlackPadding is added to the injected segment's sizes.
	SlackPadding = 1024

	// FixedBase is the legacy injection base: the stub segment lives at
	// FixedBase plus the pre-injection file size.
	FixedBase = 0x0c000000

	// pushImmLimit is the first address "push imm32" cannot reach on x86-64,
	// where the immediate is sign-extended.
	pushImmLimit = 0x80000000
)

// Placement selects how the stub segment's virtual address is chosen.
type Placement int

const (
	// PlacementComputed places the segment on the first huge-page boundary
	// above every loaded segment.
	PlacementComputed Placement = iota
	// PlacementFixedBase uses FixedBase + file size.
	PlacementFixedBase
)

func (p Placement) String() string {
	switch p {
	case PlacementComputed:
		return "computed"
	case PlacementFixedBase:
		return "fixed-base"
	}
	return fmt.Sprintf("placement(%d)", int(p))
}

// Options configures planning and injection. The zero value places the stub
// at the computed address, logs nothing and writes to the OS filesystem.
type Options struct {
	Placement Placement
	Logger    logrus.FieldLogger
	Fs        afero.Fs
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return common.DiscardLogger()
	}
	return o.Logger
}

func (o Options) fs() afero.Fs {
	if o.Fs == nil {
		return afero.NewOsFs()
	}
	return o.Fs
}

// Plan records every decision needed to inject the stub. Building a plan
// never mutates the image.
type Plan struct {
	Class     elf.Class
	Machine   elf.Machine
	FileSize  uint64
	ImageBase uint64

	HasRelro  bool
	RelroAddr uint64
	RelroSize uint64
	DataAddr  uint64
	StubSlot  uint64

	ReuseIndex   uint16
	Placement    Placement
	StubAddr     uint64
	EntryAddr    uint64
	StubSize     uint64
	SegmentSize  uint64
	SegmentAlign uint64

	MainAddr uint64
	ExitAddr uint64
	Startup  Site
}

// ProtectAddr is the page the stub will make read-only, or zero when the
// stub will trap.
func (p *Plan) ProtectAddr() uint64 {
	if p.HasRelro {
		return p.RelroAddr
	}
	return p.DataAddr
}

// Segment returns the program header that replaces the reused note segment.
func (p *Plan) Segment() elfrw.Segment {
	return elfrw.Segment{
		Index:  p.ReuseIndex,
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R | elf.PF_X,
		Offset: p.FileSize,
		Vaddr:  p.StubAddr,
		Paddr:  p.StubAddr,
		Filesz: p.SegmentSize,
		Memsz:  p.SegmentSize,
		Align:  p.SegmentAlign,
	}
}

// Fields returns the plan as structured log fields.
func (p *Plan) Fields() logrus.Fields {
	return logrus.Fields{
		"relro":     p.HasRelro,
		"protect":   fmt.Sprintf("0x%x", p.ProtectAddr()),
		"stub":      fmt.Sprintf("0x%x", p.StubAddr),
		"stub_size": p.StubSize,
		"phdr":      p.ReuseIndex,
		"main":      fmt.Sprintf("0x%x", p.MainAddr),
		"startup":   p.Startup.Symbol,
		"runtime":   p.Startup.Runtime,
	}
}

// HugePageAlign returns the alignment given to the injected segment.
func HugePageAlign(class elf.Class) uint64 {
	if class == elf.ELFCLASS64 {
		return 0x200000
	}
	return 0x400000
}

// NewPlan validates img and decides where protection applies and where the
// stub lives.
func NewPlan(img *elfrw.Image, stub *Stub, opts Options) (*Plan, error) {
	log := opts.logger()
	if err := checkTarget(img); err != nil {
		return nil, err
	}

	plan := &Plan{
		Class:        img.Class,
		Machine:      img.Machine,
		FileSize:     img.FileSize(),
		ImageBase:    img.TextBase,
		Placement:    opts.Placement,
		StubSize:     uint64(stub.Len()),
		SegmentAlign: HugePageAlign(img.Class),
	}
	plan.SegmentSize = plan.StubSize + SlackPadding

	// A hardened image has lost its note segment, so look for our own
	// trampoline before anything else.
	site, err := FindSite(img)
	if err != nil {
		return nil, err
	}
	plan.Startup = *site

	if err := plan.findProtectionTarget(img); err != nil {
		return nil, err
	}
	if !plan.HasRelro && plan.DataAddr == 0 {
		log.Warn("no relro segment and no data segment: the injected stub will trap at startup")
	}

	plan.ReuseIndex, err = ReusableSegment(img)
	if err != nil {
		return nil, err
	}

	if err := plan.place(img); err != nil {
		return nil, err
	}

	mainSym, err := img.LookupSymbol("main")
	if err != nil {
		return nil, err
	}
	plan.MainAddr = mainSym.Value
	if mainSym.Value > 0xffffffff {
		return nil, fmt.Errorf("%w: main at 0x%x does not fit the entry prefix", common.ErrUnsupportedTarget, mainSym.Value)
	}

	if exitSym, err := img.LookupSymbol("exit"); err == nil && exitSym.Value <= 0xffffffff {
		plan.ExitAddr = exitSym.Value
	} else {
		log.Debug("exit routine unavailable: the stub will call exit_group directly")
	}

	log.WithFields(plan.Fields()).Debug("injection planned")
	return plan, nil
}

// checkTarget rejects images the stub cannot run in.
func checkTarget(img *elfrw.Image) error {
	if img.DynamicLinked {
		return fmt.Errorf("%w: dynamically linked", common.ErrUnsupportedTarget)
	}
	if img.Type != elf.ET_EXEC {
		return fmt.Errorf("%w: file type %s is not a static executable", common.ErrUnsupportedTarget, img.Type)
	}
	switch {
	case img.Is64Bit() && img.Machine == elf.EM_X86_64:
	case !img.Is64Bit() && img.Machine == elf.EM_386:
	default:
		return fmt.Errorf("%w: %s %s", common.ErrUnsupportedTarget, img.Class, img.Machine)
	}
	switch img.TextAnchors() {
	case 0:
		return fmt.Errorf("%w: no loadable segment at file offset 0", common.ErrFormat)
	case 1:
	default:
		return fmt.Errorf("%w: %d loadable segments share file offset 0", common.ErrUnsupportedTarget, img.TextAnchors())
	}
	if img.TextBase != img.StaticBase() {
		return fmt.Errorf("%w: image loads at 0x%x, the stub expects 0x%x",
			common.ErrUnsupportedTarget, img.TextBase, img.StaticBase())
	}
	return nil
}

// findProtectionTarget prefers PT_GNU_RELRO and falls back to the first
// page of the first writable load segment. Read-only and executable loads
// past the text anchor are skipped. The second writable load segment is
// recorded as the stub slot.
func (p *Plan) findProtectionTarget(img *elfrw.Image) error {
	foundData := false
	for _, seg := range img.Segments {
		switch {
		case seg.Type == elf.PT_GNU_RELRO && !p.HasRelro:
			if seg.Memsz == 0 {
				return fmt.Errorf("%w: relro segment has no size", common.ErrUnsupportedTarget)
			}
			p.HasRelro = true
			p.RelroAddr = elfrw.PageAlign(seg.Vaddr)
			p.RelroSize = elfrw.PageAlignUp(seg.Vaddr + seg.Memsz - p.RelroAddr)
		case seg.Loadable() && seg.Offset != 0 && seg.Flags&elf.PF_W != 0:
			if !foundData {
				p.DataAddr = elfrw.PageAlign(seg.Vaddr)
				foundData = true
			} else if p.StubSlot == 0 {
				p.StubSlot = seg.Vaddr
			}
		}
	}
	return nil
}

// ReusableSegment picks the note segment to repurpose. A note is reusable
// when a loadable segment already maps its bytes, so dropping its header
// loses nothing.
func ReusableSegment(img *elfrw.Image) (uint16, error) {
	for _, note := range img.SegmentsOfType(elf.PT_NOTE) {
		for _, load := range img.SegmentsOfType(elf.PT_LOAD) {
			if note.Offset >= load.Offset && note.Offset+note.Filesz <= load.Offset+load.Filesz {
				return note.Index, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: need a PT_NOTE covered by a PT_LOAD", common.ErrNoReusableSegment)
}

// place chooses StubAddr so that it is congruent to the file offset modulo
// the segment alignment and clear of every loaded segment.
func (p *Plan) place(img *elfrw.Image) error {
	switch p.Placement {
	case PlacementFixedBase:
		p.StubAddr = FixedBase + p.FileSize
	case PlacementComputed:
		var highest uint64
		for _, seg := range img.SegmentsOfType(elf.PT_LOAD) {
			highest = max(highest, seg.End())
		}
		p.StubAddr = elfrw.AlignUp(highest, p.SegmentAlign) + p.FileSize%p.SegmentAlign
	default:
		return fmt.Errorf("unknown placement %s", p.Placement)
	}
	p.EntryAddr = p.StubAddr + PrefixSize

	end := p.StubAddr + p.SegmentSize
	for _, seg := range img.SegmentsOfType(elf.PT_LOAD) {
		if seg.Overlaps(elfrw.PageAlign(p.StubAddr), elfrw.PageAlignUp(end)) {
			return fmt.Errorf("%w: stub range 0x%x-0x%x collides with segment %d",
				common.ErrUnsupportedTarget, p.StubAddr, end, seg.Index)
		}
	}
	limit := uint64(1) << 32
	if p.Class == elf.ELFCLASS64 {
		limit = pushImmLimit
	}
	if end > limit {
		return fmt.Errorf("%w: stub range ends at 0x%x, beyond the trampoline's reach",
			common.ErrUnsupportedTarget, end)
	}
	return nil
}

// Details reports the plan for dry runs.
func (p *Plan) Details(stub *Stub) []common.OperationDetail {
	var details []common.OperationDetail
	add := func(category string, risky bool, format string, args ...any) {
		details = append(details, common.OperationDetail{
			Category: category,
			Message:  fmt.Sprintf(format, args...),
			IsRisky:  risky,
		})
	}

	switch {
	case p.HasRelro:
		add(common.CategoryProtection, false, "mprotect relro page 0x%x read-only (relro spans 0x%x bytes)", p.RelroAddr, p.RelroSize)
	case p.DataAddr != 0:
		add(common.CategoryProtection, true, "no PT_GNU_RELRO: mprotect first data page 0x%x read-only", p.DataAddr)
	default:
		add(common.CategoryProtection, true, "no relro or data segment: the stub traps at startup")
	}
	if p.StubSlot != 0 {
		add(common.CategoryProtection, false, "second data segment at 0x%x", p.StubSlot)
	}

	seg := p.Segment()
	add(common.CategoryInjection, false, "reuse phdr %d as %s", p.ReuseIndex, seg.String())
	add(common.CategoryInjection, false, "%s placement: prefix at 0x%x, entry at 0x%x", p.Placement, p.StubAddr, p.EntryAddr)
	add(common.CategoryInjection, false, "%s stub, %d bytes, exit slot at +%d", stub.Machine, stub.Len(), stub.ExitSlot())
	add(common.CategoryInjection, false, "patch %s (%s) at 0x%x (file offset 0x%x)",
		p.Startup.Symbol, p.Startup.Runtime, p.Startup.PatchAddr, p.Startup.PatchOffset)
	add(common.CategoryInjection, false, "main at 0x%x", p.MainAddr)
	if p.ExitAddr != 0 {
		add(common.CategoryInjection, false, "exit routine at 0x%x", p.ExitAddr)
	} else {
		add(common.CategoryInjection, true, "no exit symbol: stdio buffers are not flushed after main")
	}
	add(common.CategoryInjection, false, "file grows by %d bytes", PrefixSize+p.StubSize)
	return details
}
