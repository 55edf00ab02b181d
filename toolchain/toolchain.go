// Package toolchain drives the go command over a synthesized crate.
package toolchain

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("rune-deploy.toolchain")

// Mode selects what Build does after tidying the module.
type Mode int

const (
	// ModeBuild writes a stripped binary to Options.Output.
	ModeBuild Mode = iota
	// ModeRun compiles and runs the program with go run.
	ModeRun
)

func (m Mode) String() string {
	if m == ModeRun {
		return "run"
	}
	return "build"
}

// Options configures an Invoker.
type Options struct {
	Runner Runner // nil means ExecRunner
	GoBin  string // "go" when empty
	Mode   Mode
	// Output is the binary path for ModeBuild.
	Output string
	// Args are passed to the program in ModeRun.
	Args []string
	// Timeout bounds the whole Build call. Zero means no deadline.
	Timeout time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Invoker builds synthesized crates.
type Invoker struct {
	opts Options
}

// New returns an Invoker.
func New(opts Options) *Invoker {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.GoBin == "" {
		opts.GoBin = "go"
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Invoker{opts: opts}
}

// Build runs `go mod tidy` in crateDir, then `go build` or `go run`
// according to the mode. It stops at the first failing command; nothing
// is retried.
func (i *Invoker) Build(ctx context.Context, crateDir string) error {
	if i.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
		defer cancel()
	}

	cmds, err := i.commands(crateDir)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		log.Infof("%s (in %s)", cmd, cmd.Dir)
		start := time.Now()
		status, err := i.opts.Runner.Run(ctx, cmd)
		if err != nil {
			return &ToolchainError{Command: cmd.String(), Status: status, Err: err}
		}
		if status != 0 {
			return &ToolchainError{Command: cmd.String(), Status: status}
		}
		log.Debugf("%s finished in %s", cmd.Args[0], time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// commands returns the invocations Build runs, in order.
func (i *Invoker) commands(crateDir string) ([]Command, error) {
	dir, err := filepath.Abs(crateDir)
	if err != nil {
		return nil, err
	}
	cmd := func(args ...string) Command {
		return Command{
			Dir:    dir,
			Name:   i.opts.GoBin,
			Args:   args,
			Env:    []string{"GOWORK=off"},
			Stdout: i.opts.Stdout,
			Stderr: i.opts.Stderr,
		}
	}

	tidy := cmd("mod", "tidy")
	switch i.opts.Mode {
	case ModeRun:
		run := cmd(append([]string{"run", "-trimpath", "."}, i.opts.Args...)...)
		run.Stdin = i.opts.Stdin
		return []Command{tidy, run}, nil
	default:
		if i.opts.Output == "" {
			return nil, fmt.Errorf("toolchain: no output path for %s", i.opts.Mode)
		}
		out, err := filepath.Abs(i.opts.Output)
		if err != nil {
			return nil, err
		}
		return []Command{tidy, cmd("build", "-trimpath", "-ldflags=-s -w", "-o", out, ".")}, nil
	}
}
