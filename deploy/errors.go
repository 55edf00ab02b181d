package deploy

import (
	"errors"
	"fmt"

	"github.com/chazu/runedeploy/precompile"
)

// Stage names a pipeline step.
type Stage int

const (
	StageManifest Stage = iota
	StageResolve
	StagePrecompile
	StageSynthesize
	StageBuild
)

var stageNames = [...]string{
	StageManifest:   "load manifest",
	StageResolve:    "resolve dependencies",
	StagePrecompile: "precompile",
	StageSynthesize: "synthesize crate",
	StageBuild:      "build",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// StageError tags the error of a failed pipeline run with its stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return e.Stage.String() + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// generateStage attributes a synthesizer error: compiler and artifact
// cache failures belong to precompilation.
func generateStage(err error) Stage {
	var cerr *precompile.CompileError
	var corrupt *precompile.CacheCorruptionError
	switch {
	case errors.As(err, &cerr), errors.As(err, &corrupt), errors.Is(err, precompile.ErrSourceNotFound):
		return StagePrecompile
	default:
		return StageSynthesize
	}
}
