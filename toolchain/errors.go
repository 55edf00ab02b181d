package toolchain

import "fmt"

// ToolchainError reports a go command that could not be started, was
// interrupted, or exited non-zero.
type ToolchainError struct {
	Command string
	Status  ExitStatus
	Err     error // nil when the command ran and exited non-zero
}

func (e *ToolchainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("toolchain: %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("toolchain: %s: exit status %d", e.Command, e.Status)
}

func (e *ToolchainError) Unwrap() error { return e.Err }
