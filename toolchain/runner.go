package toolchain

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command is one toolchain invocation.
type Command struct {
	Dir    string
	Name   string
	Args   []string
	Env    []string // added to the inherited environment
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// ExitStatus is a process exit code. Zero is success.
type ExitStatus int

// Runner runs commands. Implementations report a process that ran and
// exited non-zero through the status, and return an error only when the
// process could not be run to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) (ExitStatus, error)
}

// ExecRunner runs commands as subprocesses.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (ExitStatus, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExitStatus(exitErr.ExitCode()), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
