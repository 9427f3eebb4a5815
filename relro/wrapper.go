package relro

import (
	"fmt"

	"gorelro/common"
	"gorelro/elfrw"
)

// HardenELF injects the relro stub into the static executable at path.
func HardenELF(path string, opts Options) (*common.OperationResult, error) {
	img, stub, plan, err := prepare(path, opts)
	if err != nil {
		return nil, err
	}
	defer func(img *elfrw.Image) {
		_ = img.Close()
	}(img)

	log := opts.logger()
	appended, err := Inject(img, plan, stub, opts.fs())
	if err != nil {
		return nil, err
	}
	log.WithFields(plan.Fields()).Info("executable hardened")

	target := "relro segment"
	if !plan.HasRelro {
		target = "first data page"
	}
	return common.NewApplied(fmt.Sprintf("%s read-only before main, via %s", target, plan.Startup.Symbol), appended), nil
}

// DescribeELF plans the injection without touching the file and returns the
// report lines.
func DescribeELF(path string, opts Options) ([]common.OperationDetail, error) {
	img, stub, plan, err := prepare(path, opts)
	if err != nil {
		return nil, err
	}
	defer func(img *elfrw.Image) {
		_ = img.Close()
	}(img)

	return append(img.Describe(), plan.Details(stub)...), nil
}

func prepare(path string, opts Options) (*elfrw.Image, *Stub, *Plan, error) {
	img, err := elfrw.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	stub, plan, err := planImage(img, opts)
	if err != nil {
		_ = img.Close()
		return nil, nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, stub, plan, nil
}

func planImage(img *elfrw.Image, opts Options) (*Stub, *Plan, error) {
	stub, err := StubFor(img.Machine)
	if err != nil {
		return nil, nil, err
	}
	plan, err := NewPlan(img, stub, opts)
	if err != nil {
		return nil, nil, err
	}
	return stub, plan, nil
}
