package common

import "fmt"

// OperationResult reports what happened to one executable.
type OperationResult struct {
	Applied  bool
	Message  string
	Appended int // bytes added to the end of the file
}

// NewSkipped reports an executable left unchanged.
func NewSkipped(reason string) *OperationResult {
	return &OperationResult{Message: reason}
}

// NewApplied reports a hardened executable that grew by appended bytes.
func NewApplied(message string, appended int) *OperationResult {
	return &OperationResult{Applied: true, Message: message, Appended: appended}
}

func (r *OperationResult) String() string {
	switch {
	case !r.Applied:
		return fmt.Sprintf("SKIPPED (%s)", r.Message)
	case r.Appended > 0:
		return fmt.Sprintf("APPLIED (%s, +%d bytes)", r.Message, r.Appended)
	default:
		return fmt.Sprintf("APPLIED (%s)", r.Message)
	}
}
