package deploy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/runedeploy/config"
	"github.com/chazu/runedeploy/manifest"
	"github.com/chazu/runedeploy/precompile"
	"github.com/chazu/runedeploy/synth"
	"github.com/chazu/runedeploy/toolchain"
)

type recordingRunner struct {
	cmds   []string
	status toolchain.ExitStatus
}

func (r *recordingRunner) Run(_ context.Context, cmd toolchain.Command) (toolchain.ExitStatus, error) {
	r.cmds = append(r.cmds, cmd.String())
	return r.status, nil
}

func writeProject(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, text := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestPipeline(t *testing.T, runner toolchain.Runner, diags io.Writer) *Pipeline {
	t.Helper()
	p, err := New(Options{
		CacheDir:       filepath.Join(t.TempDir(), "cache"),
		RuntimeVersion: "v1.0.0",
		Runner:         runner,
		Inspect: func(context.Context, string) (*synth.PackageModel, error) {
			return &synth.PackageModel{HasInstall: true}, nil
		},
		Diagnostics: diags,
		Stdout:      io.Discard,
		Stderr:      io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

const helloManifest = `[project]
name = "hello"
version = "0.1.0"
`

func TestRunHello(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, map[string]string{
		"Rune.toml":   helloManifest,
		"src/main.rn": "fn main() {\n    println(\"Hello, world!\");\n    return 0;\n}\n",
	})
	runner := &recordingRunner{}
	p := newTestPipeline(t, runner, io.Discard)

	res, err := p.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Crate.Plan.Units) != 1 {
		t.Errorf("units = %+v", res.Crate.Plan.Units)
	}
	wantBin := filepath.Join(dir, TargetDirName, "hello")
	if res.Binary != wantBin {
		t.Errorf("Binary = %q, want %q", res.Binary, wantBin)
	}
	if len(runner.cmds) != 2 || runner.cmds[0] != "go mod tidy" || !strings.Contains(runner.cmds[1], "-o "+wantBin) {
		t.Errorf("commands = %q", runner.cmds)
	}
	if _, err := os.Stat(filepath.Join(dir, manifest.LockFileName)); err != nil {
		t.Errorf("lock file: %v", err)
	}
	if _, err := os.Stat(p.Root().ArtifactPath("hello")); err != nil {
		t.Errorf("artifact: %v", err)
	}
}

func TestRunManifestFile(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, map[string]string{
		"Rune.toml":   helloManifest,
		"src/main.rn": "fn main() {}\n",
	})
	runner := &recordingRunner{}
	p := newTestPipeline(t, runner, io.Discard)
	p.opts.Mode = toolchain.ModeRun

	res, err := p.Run(context.Background(), filepath.Join(dir, "Rune.toml"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Binary != "" {
		t.Errorf("run mode produced binary %q", res.Binary)
	}
	if len(runner.cmds) != 2 || runner.cmds[1] != "go run -trimpath ." {
		t.Errorf("commands = %q", runner.cmds)
	}
}

func TestRunUnresolvableDependency(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, map[string]string{
		"Rune.toml":   helloManifest + "\n[dependencies]\nfoo = \"1.0\"\n",
		"src/main.rn": "fn main() {}\n",
	})
	runner := &recordingRunner{}
	p := newTestPipeline(t, runner, io.Discard)

	_, err := p.Run(context.Background(), dir)
	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StageResolve {
		t.Fatalf("error = %v, want resolve stage error", err)
	}
	var rerr *manifest.ResolutionError
	if !errors.As(err, &rerr) || rerr.Kind != manifest.NotFound || rerr.Name != "foo" {
		t.Fatalf("error = %v, want NotFound for foo", err)
	}
	if _, err := os.Stat(filepath.Join(dir, TargetDirName)); !errors.Is(err, fs.ErrNotExist) {
		t.Error("target directory created after failed resolution")
	}
	if len(runner.cmds) != 0 {
		t.Errorf("toolchain ran: %q", runner.cmds)
	}
}

func TestRunCompileError(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, map[string]string{
		"Rune.toml":   helloManifest,
		"src/main.rn": "fn main() {\n    let = 1;\n}\n",
	})
	var diags bytes.Buffer
	runner := &recordingRunner{}
	p := newTestPipeline(t, runner, &diags)

	_, err := p.Run(context.Background(), dir)
	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StagePrecompile {
		t.Fatalf("error = %v, want precompile stage error", err)
	}
	var cerr *precompile.CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *precompile.CompileError", err)
	}
	if !strings.Contains(diags.String(), "src/main.rn:2:") {
		t.Errorf("diagnostics = %q", diags.String())
	}
	if _, err := os.Stat(p.Root().ArtifactPath("hello")); !errors.Is(err, fs.ErrNotExist) {
		t.Error("artifact written for a crate that failed to compile")
	}
	if len(runner.cmds) != 0 {
		t.Errorf("toolchain ran: %q", runner.cmds)
	}
}

func TestRunStages(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		fail  toolchain.ExitStatus
		stage Stage
		is    error
	}{
		{
			name:  "no manifest",
			files: map[string]string{"src/main.rn": "fn main() {}\n"},
			stage: StageManifest,
			is:    manifest.ErrManifestNotFound,
		},
		{
			name:  "missing entry",
			files: map[string]string{"Rune.toml": helloManifest},
			stage: StagePrecompile,
			is:    precompile.ErrSourceNotFound,
		},
		{
			name:  "native project",
			files: map[string]string{"Rune.toml": helloManifest + "kind = \"native\"\n"},
			stage: StageSynthesize,
			is:    synth.ErrNoArtifacts,
		},
		{
			name:  "toolchain failure",
			files: map[string]string{"Rune.toml": helloManifest, "src/main.rn": "fn main() {}\n"},
			fail:  1,
			stage: StageBuild,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeProject(t, dir, tt.files)
			p := newTestPipeline(t, &recordingRunner{status: tt.fail}, io.Discard)

			_, err := p.Run(context.Background(), dir)
			var serr *StageError
			if !errors.As(err, &serr) || serr.Stage != tt.stage {
				t.Fatalf("error = %v, want stage %s", err, tt.stage)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("error = %v, want it to wrap %v", err, tt.is)
			}
		})
	}
}

func TestRunPathDependency(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, map[string]string{
		"greeter/Rune.toml":  "[project]\nname = \"greeter\"\nversion = \"0.2.0\"\n",
		"greeter/src/lib.rn": "fn greet(name) {\n    return \"hello, \" + name;\n}\n",
		"app/Rune.toml":      "[project]\nname = \"app\"\nversion = \"0.1.0\"\n\n[dependencies]\ngreeter = { path = \"../greeter\" }\n",
		"app/src/main.rn":    "fn main() {\n    println(greeter::greet(\"world\"));\n    return 0;\n}\n",
	})
	p := newTestPipeline(t, &recordingRunner{}, io.Discard)

	res, err := p.Run(context.Background(), filepath.Join(ws, "app"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Deps) != 1 || res.Deps[0].Version != "0.2.0" {
		t.Fatalf("deps = %+v", res.Deps)
	}
	var units []string
	for _, u := range res.Crate.Plan.Units {
		units = append(units, u.Crate)
	}
	if strings.Join(units, ",") != "greeter,app" {
		t.Errorf("units = %v", units)
	}
	for _, name := range units {
		if _, err := os.Stat(filepath.Join(res.Crate.Dir, synth.UnitsDir, name+".rnc")); err != nil {
			t.Errorf("unit %s not embedded: %v", name, err)
		}
	}
}

func TestResolveOnly(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, map[string]string{"Rune.toml": helloManifest})
	p := newTestPipeline(t, &recordingRunner{}, io.Discard)

	res, err := p.Resolve(context.Background(), dir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Crate != nil || len(res.Deps) != 0 {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, manifest.LockFileName)); err != nil {
		t.Errorf("lock file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, TargetDirName)); !errors.Is(err, fs.ErrNotExist) {
		t.Error("resolve created the target directory")
	}
}

func TestExplicitDirectoryDoesNotSearchParents(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, map[string]string{
		"Rune.toml":            helloManifest,
		"src/main.rn":          "fn main() {}\n",
		"tools/other/notes.md": "no manifest here\n",
	})
	sub := filepath.Join(dir, "tools", "other")
	runner := &recordingRunner{}
	p := newTestPipeline(t, runner, io.Discard)

	for name, call := range map[string]func(context.Context, string) (*Result, error){
		"resolve": p.Resolve,
		"run":     p.Run,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := call(context.Background(), sub)
			var serr *StageError
			if !errors.As(err, &serr) || serr.Stage != StageManifest {
				t.Fatalf("error = %v, want stage %s", err, StageManifest)
			}
			if !errors.Is(err, manifest.ErrManifestNotFound) {
				t.Errorf("error = %v, want it to wrap ErrManifestNotFound", err)
			}
		})
	}
	if _, err := os.Stat(filepath.Join(dir, manifest.LockFileName)); !errors.Is(err, fs.ErrNotExist) {
		t.Error("parent project was resolved")
	}
	if len(runner.cmds) != 0 {
		t.Errorf("toolchain ran: %q", runner.cmds)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Registry = "https://index.example.com"
	cfg.Retries = 9
	cfg.RuntimeDir = "/src/runedeploy"
	opts := FromConfig(cfg)
	if opts.Registry != cfg.Registry || opts.Retries != 9 || opts.RuntimeDir != cfg.RuntimeDir || opts.GoBin != "go" {
		t.Errorf("options = %+v", opts)
	}
}

func TestStageString(t *testing.T) {
	if StageBuild.String() != "build" || Stage(42).String() != "stage(42)" {
		t.Errorf("got %q, %q", StageBuild, Stage(42))
	}
}
