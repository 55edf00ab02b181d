package synth

import (
	"errors"
	"fmt"
)

// ErrNoArtifacts is wrapped when there is nothing to embed: a native
// project without script dependencies.
var ErrNoArtifacts = errors.New("no bytecode artifacts to embed")

// SynthesisError reports a failure while generating the host crate.
type SynthesisError struct {
	Op  string
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize crate: %s: %v", e.Op, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func synthErr(op string, err error) *SynthesisError {
	return &SynthesisError{Op: op, Err: err}
}
