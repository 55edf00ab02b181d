package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"

	"github.com/chazu/runedeploy/config"
	"github.com/chazu/runedeploy/deploy"
	"github.com/chazu/runedeploy/manifest"
	"github.com/chazu/runedeploy/synth"
	"github.com/chazu/runedeploy/toolchain"
)

// app carries the process streams and the seams tests replace.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	configFile string
	runner     toolchain.Runner
	inspect    synth.Inspector
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "rune-deploy",
		Short: "Build Rune projects into standalone executables",
		Long: `rune-deploy resolves the dependencies declared in Rune.toml, compiles every
script crate to bytecode, embeds the bytecode in a generated Go program and
builds it with the Go toolchain.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default <user config dir>/rune-deploy/config.toml)")
	pf.String(config.KeyRegistry, "", "default registry index URL")
	pf.String(config.KeyCacheDir, "", "cache root (default <user cache dir>/.rune)")
	pf.Duration(config.KeyTimeout, 0, "deadline for the Go toolchain step")
	pf.Int(config.KeyRetries, 3, "retries after a transient fetch failure")
	pf.Int(config.KeyJobs, 0, "parallel precompile jobs (default GOMAXPROCS)")
	pf.String(config.KeyGo, "go", "go command")
	pf.String(config.KeyRuntimeDir, "", "local checkout of the runtime module")
	pf.String(config.KeyRuntimeVersion, "", "runtime module version to require")
	pf.CountP(config.KeyVerbosity, "v", "increase log verbosity (repeatable)")

	root.AddCommand(newDeployCmd(a), newResolveCmd(a), newVersionCmd(a))
	return root
}

// options loads configuration for cmd and maps it onto pipeline options.
func (a *app) options(cmd *cobra.Command) (deploy.Options, error) {
	cfg, path, err := config.Load(config.LoadOptions{File: a.configFile, Flags: cmd.Flags()})
	if err != nil {
		return deploy.Options{}, err
	}
	commonlog.Configure(cfg.Verbosity, nil)
	if path != "" {
		commonlog.GetLogger("rune-deploy").Debugf("using config %s", path)
	}

	opts := deploy.FromConfig(cfg)
	opts.Runner = a.runner
	opts.Inspect = a.inspect
	opts.Diagnostics = a.stderr
	opts.Stdin = a.stdin
	opts.Stdout = a.stdout
	opts.Stderr = a.stderr
	return opts, nil
}

func execute(ctx context.Context, a *app, args []string) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		report(a.stderr, err)
		return 1
	}
	return 0
}

// report prints a one-line summary followed by the detail.
func report(w io.Writer, err error) {
	r := lipgloss.NewRenderer(w)
	label := r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")).Render("error")
	detail := r.NewStyle().Faint(true)

	summary := "rune-deploy failed"
	var serr *deploy.StageError
	if errors.As(err, &serr) {
		summary = serr.Stage.String() + " failed"
		err = serr.Err
	}
	fmt.Fprintf(w, "%s: %s\n", label, summary)
	for _, line := range strings.Split(err.Error(), "\n") {
		fmt.Fprintf(w, "  %s\n", detail.Render(line))
	}

	var rerr *manifest.ResolutionError
	if errors.As(err, &rerr) && rerr.Kind == manifest.Transient {
		fmt.Fprintf(w, "  %s\n", detail.Render("the failure looks temporary; try again"))
	}
}
