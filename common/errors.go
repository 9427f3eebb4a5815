package common

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by elfrw and relro wraps exactly one of
// these, so callers can classify failures with errors.Is.
var (
	ErrIO                = errors.New("i/o error")
	ErrFormat            = errors.New("invalid executable format")
	ErrUnsupportedTarget = errors.New("unsupported target")
)

// Specific failures, each wrapping its kind.
var (
	ErrSymbolNotFound            = fmt.Errorf("%w: symbol not found", ErrFormat)
	ErrNoReusableSegment         = fmt.Errorf("%w: no reusable note segment", ErrFormat)
	ErrAddressOutOfRange         = fmt.Errorf("%w: address outside mapped image", ErrFormat)
	ErrUnsupportedRuntimeVersion = fmt.Errorf("%w: startup routine matches no known signature", ErrUnsupportedTarget)
	ErrAlreadyHardened           = fmt.Errorf("%w: executable is already hardened", ErrUnsupportedTarget)
)

// IOError wraps err as an ErrIO with an operation description.
func IOError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// Kind returns the kind sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, kind := range []error{ErrIO, ErrFormat, ErrUnsupportedTarget} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
