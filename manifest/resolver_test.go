package manifest

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/chazu/runedeploy/cache"
)

func resolutionKind(err error) (ResolutionKind, bool) {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Fake registry
// ---------------------------------------------------------------------------

type fakeRegistry struct {
	*httptest.Server

	mu       sync.Mutex
	index    map[string][]string // package -> index lines
	crates   map[string][]byte   // "name/version" -> tarball
	failures int                 // requests to answer with 503 first
	hits     map[string]int      // request path -> count
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{
		index:  map[string][]string{},
		crates: map[string][]byte{},
		hits:   map[string]int{},
	}
	f.Server = httptest.NewServer(f)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[r.URL.Path]++
	if f.failures > 0 {
		f.failures--
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	if pkg, ok := strings.CutPrefix(r.URL.Path, "/index/"); ok {
		lines, ok := f.index[pkg]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(strings.Join(lines, "\n") + "\n"))
		return
	}
	if rest, ok := strings.CutPrefix(r.URL.Path, "/crates/"); ok {
		data, ok := f.crates[strings.TrimSuffix(rest, "/download")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
		return
	}
	http.NotFound(w, r)
}

// publish adds a crate. An empty cksum publishes the true checksum.
func (f *fakeRegistry) publish(t *testing.T, name, version, cksum string, files map[string]string) {
	t.Helper()
	data := crateTarball(t, name+"-"+version, files)
	if cksum == "" {
		sum := sha256.Sum256(data)
		cksum = hex.EncodeToString(sum[:])
	}
	line, err := json.Marshal(indexRecord{Name: name, Vers: version, Cksum: cksum})
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index[name] = append(f.index[name], string(line))
	f.crates[name+"/"+version] = data
}

func (f *fakeRegistry) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func crateTarball(t *testing.T, prefix string, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, name := range names {
		body := files[name]
		hdr := &tar.Header{
			Name:     prefix + "/" + name,
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestResolver(t *testing.T, root cache.Root, opts ResolverOptions) *Resolver {
	t.Helper()
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	r, err := NewResolver(root, opts)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func testRoot(t *testing.T) cache.Root {
	t.Helper()
	root, err := cache.New(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func loadProject(t *testing.T, dir, deps string) *Manifest {
	t.Helper()
	writeManifest(t, dir, "[project]\nname = \"app\"\nversion = \"0.1.0\"\n\n[dependencies]\n"+deps)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return m
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestResolveRegistry(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.publish(t, "foo", "1.0.0", "", map[string]string{"src/lib.rn": "fn old() {}\n"})
	reg.publish(t, "foo", "1.2.0", "", map[string]string{
		"Rune.toml":  "[project]\nname = \"foo\"\nversion = \"1.2.0\"\n",
		"src/lib.rn": "fn greet() { println(\"hi\"); }\n",
	})
	reg.publish(t, "foo", "2.0.0", "", map[string]string{"src/lib.rn": "fn new() {}\n"})

	root := testRoot(t)
	project := t.TempDir()
	m := loadProject(t, project, `foo = "1.0"`)

	deps, err := newTestResolver(t, root, ResolverOptions{Registry: reg.URL}).ResolveAll(context.Background(), m)
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("deps = %d, want 1", len(deps))
	}
	foo := deps[0]
	if foo.Version != "1.2.0" {
		t.Errorf("version = %s, want 1.2.0", foo.Version)
	}
	if foo.LocalPath != filepath.Join(root.SrcDir(), "foo-1.2.0") {
		t.Errorf("LocalPath = %s", foo.LocalPath)
	}
	if foo.Source != "registry+"+reg.URL {
		t.Errorf("Source = %s", foo.Source)
	}
	if foo.Manifest == nil || foo.Kind() != KindScript {
		t.Errorf("manifest = %+v", foo.Manifest)
	}
	if _, err := os.Stat(filepath.Join(foo.LocalPath, "src", "lib.rn")); err != nil {
		t.Errorf("crate not extracted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root.SrcDir(), "foo-1.2.0.crate")); err != nil {
		t.Errorf("crate file not kept: %v", err)
	}

	lf, err := ReadLock(m.LockPath())
	if err != nil || lf == nil {
		t.Fatalf("ReadLock = %v, %v", lf, err)
	}
	if e := lf.Find("foo"); e == nil || e.Version != "1.2.0" || e.Checksum != foo.Checksum {
		t.Errorf("lock entry = %+v", e)
	}
	if e := lf.Find("app"); e == nil || len(e.Dependencies) != 1 || e.Dependencies[0] != "foo 1.2.0" {
		t.Errorf("root entry = %+v", e)
	}
}

func TestResolveRegistryUsesLock(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.publish(t, "foo", "1.2.0", "", map[string]string{"src/lib.rn": "fn greet() {}\n"})

	root := testRoot(t)
	project := t.TempDir()
	m := loadProject(t, project, `foo = "1.0"`)

	if _, err := newTestResolver(t, root, ResolverOptions{Registry: reg.URL}).ResolveAll(context.Background(), m); err != nil {
		t.Fatalf("first ResolveAll: %v", err)
	}
	first, err := os.ReadFile(m.LockPath())
	if err != nil {
		t.Fatal(err)
	}

	deps, err := newTestResolver(t, root, ResolverOptions{Registry: reg.URL}).ResolveAll(context.Background(), m)
	if err != nil {
		t.Fatalf("second ResolveAll: %v", err)
	}
	if !deps[0].FromLock {
		t.Error("second resolution did not reuse the lock")
	}
	if n := reg.count("/index/foo"); n != 1 {
		t.Errorf("index fetched %d times, want 1", n)
	}
	if n := reg.count("/crates/foo/1.2.0/download"); n != 1 {
		t.Errorf("crate downloaded %d times, want 1", n)
	}

	second, err := os.ReadFile(m.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("lock file changed:\n%s\n---\n%s", first, second)
	}

	// A changed spec invalidates the lock entry.
	m = loadProject(t, project, `foo = { version = "1.0", features = ["x"] }`)
	deps, err = newTestResolver(t, root, ResolverOptions{Registry: reg.URL}).ResolveAll(context.Background(), m)
	if err != nil {
		t.Fatalf("third ResolveAll: %v", err)
	}
	if deps[0].FromLock {
		t.Error("changed spec still used the lock")
	}
}

func TestResolveRegistryUppercaseChecksum(t *testing.T) {
	files := map[string]string{"src/lib.rn": "fn greet() {}\n"}
	sum := sha256.Sum256(crateTarball(t, "foo-1.2.0", files))
	reg := newFakeRegistry(t)
	reg.publish(t, "foo", "1.2.0", strings.ToUpper(hex.EncodeToString(sum[:])), files)

	root := testRoot(t)
	m := loadProject(t, t.TempDir(), `foo = "1.0"`)
	resolve := func() *ResolvedDep {
		t.Helper()
		deps, err := newTestResolver(t, root, ResolverOptions{Registry: reg.URL}).ResolveAll(context.Background(), m)
		if err != nil {
			t.Fatalf("ResolveAll: %v", err)
		}
		return deps[0]
	}

	if dep := resolve(); dep.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum = %s, want lowercase hex", dep.Checksum)
	}
	if dep := resolve(); !dep.FromLock {
		t.Error("second resolution did not reuse the lock")
	}

	// Without a lock the cached tarball is still accepted.
	if err := os.Remove(m.LockPath()); err != nil {
		t.Fatal(err)
	}
	if dep := resolve(); dep.FromLock {
		t.Error("resolved from a removed lock")
	}
	if n := reg.count("/crates/foo/1.2.0/download"); n != 1 {
		t.Errorf("crate downloaded %d times, want 1", n)
	}
}

func TestResolveNoRegistry(t *testing.T) {
	root := testRoot(t)
	project := t.TempDir()
	m := loadProject(t, project, `foo = "1.0"`)

	_, err := newTestResolver(t, root, ResolverOptions{}).ResolveAll(context.Background(), m)
	if kind, ok := resolutionKind(err); !ok || kind != NotFound {
		t.Fatalf("error = %v, want NotFound", err)
	}
	var re *ResolutionError
	if errors.As(err, &re) && re.Name != "foo" {
		t.Errorf("Name = %q, want foo", re.Name)
	}
	if _, err := os.Stat(m.LockPath()); !os.IsNotExist(err) {
		t.Errorf("lock file written after a failed resolution")
	}
}

func TestResolveRegistryErrors(t *testing.T) {
	tests := []struct {
		name     string
		deps     string
		failures int
		retries  int
		want     ResolutionKind
	}{
		{name: "unknown package", deps: `bar = "1"`, want: NotFound},
		{name: "no matching version", deps: `foo = "3"`, want: NotFound},
		{name: "unknown named registry", deps: `foo = { version = "1", registry = "private" }`, want: NotFound},
		{name: "bad checksum", deps: `bad = "1"`, want: ChecksumMismatch},
		{name: "retries exhausted", deps: `foo = "1"`, failures: 10, retries: 2, want: Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistry(t)
			reg.publish(t, "foo", "1.0.0", "", map[string]string{"src/lib.rn": ""})
			reg.publish(t, "bad", "1.0.0", strings.Repeat("0", 64), map[string]string{"src/lib.rn": ""})
			reg.failures = tt.failures

			root := testRoot(t)
			m := loadProject(t, t.TempDir(), tt.deps)
			r := newTestResolver(t, root, ResolverOptions{Registry: reg.URL, Retries: tt.retries})
			_, err := r.ResolveAll(context.Background(), m)
			if kind, ok := resolutionKind(err); !ok || kind != tt.want {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolveChecksumMismatchLeavesNoCrate(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.publish(t, "bad", "1.0.0", strings.Repeat("0", 64), map[string]string{"src/lib.rn": ""})

	root := testRoot(t)
	m := loadProject(t, t.TempDir(), `bad = "1"`)
	if _, err := newTestResolver(t, root, ResolverOptions{Registry: reg.URL}).ResolveAll(context.Background(), m); err == nil {
		t.Fatal("ResolveAll succeeded")
	}
	entries, _ := os.ReadDir(root.SrcDir())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "bad-") || strings.HasPrefix(e.Name(), ".bad-") {
			t.Errorf("left %s behind", e.Name())
		}
	}
}

func TestResolveNotFoundIsNotRetried(t *testing.T) {
	reg := newFakeRegistry(t)
	root := testRoot(t)
	m := loadProject(t, t.TempDir(), `missing = "1"`)

	_, err := newTestResolver(t, root, ResolverOptions{Registry: reg.URL, Retries: 5}).ResolveAll(context.Background(), m)
	if kind, _ := resolutionKind(err); kind != NotFound {
		t.Fatalf("error = %v, want NotFound", err)
	}
	if n := reg.count("/index/missing"); n != 1 {
		t.Errorf("index requested %d times, want 1", n)
	}
}

func TestResolveTransientRetry(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.publish(t, "foo", "1.0.0", "", map[string]string{"src/lib.rn": ""})
	reg.failures = 2

	root := testRoot(t)
	m := loadProject(t, t.TempDir(), `foo = "1"`)
	deps, err := newTestResolver(t, root, ResolverOptions{Registry: reg.URL, Retries: 3}).ResolveAll(context.Background(), m)
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	if deps[0].Version != "1.0.0" {
		t.Errorf("version = %s", deps[0].Version)
	}
	if n := reg.count("/index/foo"); n != 3 {
		t.Errorf("index requested %d times, want 3", n)
	}
}

func TestResolveNamedRegistry(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.publish(t, "real-name", "0.3.1", "", map[string]string{"src/lib.rn": ""})

	root := testRoot(t)
	m := loadProject(t, t.TempDir(), `alias = { version = "0.3", registry = "private", package = "real-name" }`)
	r := newTestResolver(t, root, ResolverOptions{Registries: map[string]string{"private": reg.URL}})
	deps, err := r.ResolveAll(context.Background(), m)
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	if deps[0].Name != "alias" || deps[0].Version != "0.3.1" {
		t.Errorf("dep = %+v", deps[0])
	}
	if filepath.Base(deps[0].LocalPath) != "real-name-0.3.1" {
		t.Errorf("LocalPath = %s", deps[0].LocalPath)
	}
}

// ---------------------------------------------------------------------------
// Path
// ---------------------------------------------------------------------------

func writeCrate(t *testing.T, dir, name, version, deps string) {
	t.Helper()
	writeManifest(t, dir, "[project]\nname = \""+name+"\"\nversion = \""+version+"\"\n\n[dependencies]\n"+deps)
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "lib.rn"), []byte("fn f() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolvePathTransitive(t *testing.T) {
	ws := t.TempDir()
	writeCrate(t, filepath.Join(ws, "a"), "a", "0.2.0", `b = { path = "../b" }`)
	writeCrate(t, filepath.Join(ws, "b"), "b", "0.3.0", "")
	writeCrate(t, filepath.Join(ws, "c"), "c", "1.0.0", `b = { path = "../b" }`)
	m := loadProject(t, filepath.Join(ws, "app"), "a = { path = \"../a\" }\nc = { path = \"../c\", version = \"1\" }\n")

	deps, err := newTestResolver(t, testRoot(t), ResolverOptions{}).ResolveAll(context.Background(), m)
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}

	var order []string
	for _, d := range deps {
		order = append(order, d.Name+"@"+d.Version)
		if !strings.HasPrefix(d.Checksum, "h1:") {
			t.Errorf("%s checksum = %q, want h1: hash", d.Name, d.Checksum)
		}
	}
	if got := strings.Join(order, " "); got != "b@0.3.0 a@0.2.0 c@1.0.0" {
		t.Errorf("order = %q", got)
	}
	if deps[1].Source != "path+../a" {
		t.Errorf("a source = %q", deps[1].Source)
	}
	if len(deps[1].Dependencies) != 1 || deps[1].Dependencies[0] != "b 0.3.0" {
		t.Errorf("a dependencies = %v", deps[1].Dependencies)
	}

	// The hash covers file contents.
	before := deps[0].Checksum
	if err := os.WriteFile(filepath.Join(ws, "b", "src", "lib.rn"), []byte("fn g() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deps, err = newTestResolver(t, testRoot(t), ResolverOptions{}).ResolveAll(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if deps[0].Checksum == before {
		t.Error("checksum unchanged after editing a source file")
	}
}

func TestResolvePathErrors(t *testing.T) {
	ws := t.TempDir()
	writeCrate(t, filepath.Join(ws, "old"), "old", "0.1.0", "")
	writeCrate(t, filepath.Join(ws, "x"), "x", "1.0.0", `y = { path = "../y" }`)
	writeCrate(t, filepath.Join(ws, "y"), "y", "1.0.0", `x = { path = "../x" }`)

	tests := []struct {
		name string
		deps string
		want string
	}{
		{"missing dir", `gone = { path = "../gone" }`, "not found"},
		{"version mismatch", `old = { path = "../old", version = "1" }`, "does not match"},
		{"cycle", `x = { path = "../x" }`, "dependency cycle: app -> x -> y -> x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := loadProject(t, filepath.Join(ws, "app"), tt.deps)
			_, err := newTestResolver(t, testRoot(t), ResolverOptions{}).ResolveAll(context.Background(), m)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestResolveSingle(t *testing.T) {
	ws := t.TempDir()
	writeCrate(t, filepath.Join(ws, "lib"), "lib", "0.4.0", "")

	r := newTestResolver(t, testRoot(t), ResolverOptions{BaseDir: ws})
	b := true
	rd, err := r.Resolve(context.Background(), "lib", Dependency{Detailed: &DetailedSpec{Path: "lib", Optional: &b}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rd.Version != "0.4.0" || rd.LocalPath != filepath.Join(ws, "lib") {
		t.Errorf("resolved = %+v", rd)
	}

	_, err = r.Resolve(context.Background(), "bad", Dependency{Detailed: &DetailedSpec{Path: "a", Git: "b"}})
	if kind, ok := resolutionKind(err); !ok || kind != NotFound {
		t.Errorf("invalid spec: error = %v, want NotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Git
// ---------------------------------------------------------------------------

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	args = append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}, args...)
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestResolveGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	upstream := filepath.Join(t.TempDir(), "upstream")
	writeCrate(t, upstream, "gitdep", "1.0.0", "")
	runGit(t, upstream, "init", "--quiet")
	runGit(t, upstream, "add", ".")
	runGit(t, upstream, "commit", "--quiet", "-m", "v1")
	runGit(t, upstream, "tag", "v1.0.0")
	tagged := runGit(t, upstream, "rev-parse", "HEAD")

	writeCrate(t, upstream, "gitdep", "1.1.0", "")
	runGit(t, upstream, "commit", "--quiet", "-am", "v1.1")

	root := testRoot(t)
	m := loadProject(t, t.TempDir(), `gitdep = { git = "`+filepath.ToSlash(upstream)+`", tag = "v1.0.0" }`)
	deps, err := newTestResolver(t, root, ResolverOptions{}).ResolveAll(context.Background(), m)
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	dep := deps[0]
	if dep.Checksum != tagged {
		t.Errorf("checksum = %s, want tagged commit %s", dep.Checksum, tagged)
	}
	if dep.Version != "1.0.0" {
		t.Errorf("version = %s, want 1.0.0", dep.Version)
	}
	if dep.LocalPath != filepath.Join(root.GitDir(), "gitdep") {
		t.Errorf("LocalPath = %s", dep.LocalPath)
	}
	if !strings.HasSuffix(dep.Source, "?tag=v1.0.0#"+tagged) {
		t.Errorf("Source = %s", dep.Source)
	}

	deps, err = newTestResolver(t, root, ResolverOptions{}).ResolveAll(context.Background(), m)
	if err != nil {
		t.Fatalf("second ResolveAll failed: %v", err)
	}
	if !deps[0].FromLock {
		t.Error("unchanged git dependency was fetched again")
	}

	m = loadProject(t, m.Dir, `gitdep = { git = "`+filepath.ToSlash(upstream)+`", tag = "v9" }`)
	_, err = newTestResolver(t, root, ResolverOptions{}).ResolveAll(context.Background(), m)
	if kind, ok := resolutionKind(err); !ok || kind != NotFound {
		t.Errorf("missing tag: error = %v, want NotFound", err)
	}
}
