package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/chazu/runedeploy/compiler"
	"github.com/chazu/runedeploy/deploy"
	"github.com/chazu/runedeploy/manifest"
	"github.com/chazu/runedeploy/toolchain"
)

// version is set with -ldflags "-X main.version=...".
var version = ""

func newDeployCmd(a *app) *cobra.Command {
	var run bool
	var output string
	cmd := &cobra.Command{
		Use:   "deploy [path] [-- program args]",
		Short: "Build the project into a native executable",
		Example: `  rune-deploy deploy
  rune-deploy deploy ./hello -o bin/hello
  rune-deploy deploy --run -- --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, progArgs, err := splitArgs(cmd, args)
			if err != nil {
				return err
			}
			opts, err := a.options(cmd)
			if err != nil {
				return err
			}
			opts.Output = output
			opts.Args = progArgs
			if run {
				opts.Mode = toolchain.ModeRun
			}

			p, err := deploy.New(opts)
			if err != nil {
				return err
			}
			res, err := p.Run(cmd.Context(), path)
			if err != nil {
				return err
			}
			if res.Binary != "" {
				fmt.Fprintf(a.stdout, "built %s\n", res.Binary)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "run the program with go run instead of writing a binary")
	cmd.Flags().StringVarP(&output, "output", "o", "", "binary path (default <project>/target/<name>)")
	return cmd
}

// splitArgs separates the project path from arguments after "--".
func splitArgs(cmd *cobra.Command, args []string) (string, []string, error) {
	paths := args
	var rest []string
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		paths, rest = args[:dash], args[dash:]
	}
	switch len(paths) {
	case 0:
		return "", rest, nil
	case 1:
		return paths[0], rest, nil
	default:
		return "", nil, fmt.Errorf("expected at most one project path, got %d", len(paths))
	}
}

func newResolveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [path]",
		Short: "Resolve dependencies and write Rune.lock",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			opts, err := a.options(cmd)
			if err != nil {
				return err
			}
			p, err := deploy.New(opts)
			if err != nil {
				return err
			}
			res, err := p.Resolve(cmd.Context(), path)
			if err != nil {
				return err
			}
			for _, dep := range res.Deps {
				fmt.Fprintf(a.stdout, "%s %s %s\n", dep.Name, dep.Version, dep.Source)
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", res.Manifest.LockPath())
			return nil
		},
	}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "rune-deploy %s\n", toolVersion())
			fmt.Fprintf(a.stdout, "compiler: %s\n", compiler.Version)
			fmt.Fprintf(a.stdout, "lockfile: v%d\n", manifest.LockVersion)
		},
	}
}

func toolVersion() string {
	if version != "" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "(devel)"
}
