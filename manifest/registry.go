package manifest

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
)

// Registry layout, relative to the index URL:
//
//	index/<name>                          one JSON record per line
//	crates/<name>/<version>/download      gzipped tarball
//
// Index records look like
//
//	{"name":"foo","vers":"1.2.0","cksum":"<sha256 hex>","yanked":false}
type indexRecord struct {
	Name   string `json:"name"`
	Vers   string `json:"vers"`
	Cksum  string `json:"cksum"`
	Yanked bool   `json:"yanked"`
}

func (r *Resolver) registryIndex(name string, s *DetailedSpec) (string, error) {
	if s != nil && s.RegistryIndex != "" {
		return s.RegistryIndex, nil
	}
	if s != nil && s.Registry != "" {
		idx, ok := r.opts.Registries[s.Registry]
		if !ok {
			return "", resolutionErr(name, NotFound, "registry %q is not configured", s.Registry)
		}
		return idx, nil
	}
	if r.opts.Registry == "" {
		return "", resolutionErr(name, NotFound, "no registry configured")
	}
	return r.opts.Registry, nil
}

func (r *Resolver) resolveRegistry(ctx context.Context, name string, dep Dependency) (*ResolvedDep, error) {
	index, err := r.registryIndex(name, dep.Detailed)
	if err != nil {
		return nil, err
	}
	pkg := dep.PackageName(name)

	records, err := r.fetchIndex(ctx, name, index, pkg)
	if err != nil {
		return nil, err
	}
	rec, err := selectVersion(name, dep.VersionReq(), records)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf("%s-%s", pkg, rec.Vers)
	cratePath := filepath.Join(r.root.SrcDir(), base+".crate")
	extractDir := filepath.Join(r.root.SrcDir(), base)

	if sum, err := fileSHA256(cratePath); err != nil || sum != rec.Cksum {
		log.Infof("downloading %s %s", pkg, rec.Vers)
		if err := r.download(ctx, name, crateURL(index, pkg, rec.Vers), cratePath, rec.Cksum); err != nil {
			return nil, err
		}
		// a new tarball invalidates whatever was extracted before
		if err := os.RemoveAll(extractDir); err != nil {
			return nil, err
		}
	}
	if !isDir(extractDir) {
		if err := extractCrate(cratePath, extractDir); err != nil {
			return nil, resolutionErr(name, ChecksumMismatch, "extract %s: %w", cratePath, err)
		}
	}

	return &ResolvedDep{
		Name:      name,
		LocalPath: extractDir,
		Version:   rec.Vers,
		Checksum:  rec.Cksum,
		Source:    "registry+" + index,
	}, nil
}

// selectVersion picks the highest non-yanked version matching req. A bare
// version like "1.2" means "^1.2".
func selectVersion(name, req string, records []indexRecord) (indexRecord, error) {
	constraint, err := semver.NewConstraint(normalizeReq(req))
	if err != nil {
		return indexRecord{}, resolutionErr(name, NotFound, "invalid version requirement %q: %w", req, err)
	}

	var best indexRecord
	var bestVer *semver.Version
	for _, rec := range records {
		if rec.Yanked {
			continue
		}
		v, err := semver.NewVersion(rec.Vers)
		if err != nil {
			log.Debugf("skipping unparseable version %q of %s", rec.Vers, name)
			continue
		}
		if !constraint.Check(v) {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = rec, v
		}
	}
	if bestVer == nil {
		return indexRecord{}, resolutionErr(name, NotFound, "no version matches %q", req)
	}
	return best, nil
}

// normalizeReq applies caret semantics to bare versions, per comma
// separated clause.
func normalizeReq(req string) string {
	req = strings.TrimSpace(req)
	if req == "" || req == "*" {
		return "*"
	}
	parts := strings.Split(req, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && (p[0] >= '0' && p[0] <= '9') {
			p = "^" + p
		}
		parts[i] = p
	}
	return strings.Join(parts, ", ")
}

func indexURL(index, pkg string) string {
	return strings.TrimSuffix(index, "/") + "/index/" + url.PathEscape(pkg)
}

func crateURL(index, pkg, version string) string {
	return strings.TrimSuffix(index, "/") + "/" + path.Join("crates", url.PathEscape(pkg), url.PathEscape(version), "download")
}

// fetchIndex returns the index records for pkg, memoized per resolver.
func (r *Resolver) fetchIndex(ctx context.Context, name, index, pkg string) ([]indexRecord, error) {
	key := index + "\x00" + pkg
	if recs, ok := r.index.Get(key); ok {
		return recs, nil
	}

	body, err := r.get(ctx, name, indexURL(index, pkg))
	if err != nil {
		return nil, err
	}
	var recs []indexRecord
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec indexRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, resolutionErr(name, NotFound, "malformed index for %s at line %d: %w", pkg, line, err)
		}
		if rec.Name != "" && rec.Name != pkg {
			continue
		}
		// fileSHA256 yields lowercase hex
		rec.Cksum = strings.ToLower(rec.Cksum)
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, resolutionErr(name, NotFound, "reading index for %s: %w", pkg, err)
	}
	r.index.Add(key, recs)
	return recs, nil
}

// download fetches u into dest, verifying the sha256 first.
func (r *Resolver) download(ctx context.Context, name, u, dest, cksum string) error {
	body, err := r.get(ctx, name, u)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	if got := hex.EncodeToString(sum[:]); got != cksum {
		return resolutionErr(name, ChecksumMismatch, "%s: expected sha256 %s, got %s", u, cksum, got)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(dest, body, 0o644)
}

// get performs a GET with bounded exponential-backoff retries. Network
// errors, 5xx and 429 are retried; 404 and other client errors are not.
func (r *Resolver) get(ctx context.Context, name, u string) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, backoff.Permanent(resolutionErr(name, NotFound, "invalid URL %s: %w", u, err))
		}
		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			log.Debugf("GET %s: %v", u, err)
			return nil, resolutionErr(name, Transient, "GET %s: %w", u, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			log.Debugf("GET %s: %s", u, resp.Status)
			return nil, resolutionErr(name, Transient, "GET %s: %s", u, resp.Status)
		default:
			return nil, backoff.Permanent(resolutionErr(name, NotFound, "GET %s: %s", u, resp.Status))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resolutionErr(name, Transient, "GET %s: %w", u, err)
		}
		return body, nil
	}
	return backoff.RetryWithData(op, r.backOff(ctx))
}

func (r *Resolver) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInterval
	b.MaxInterval = 30 * r.opts.RetryInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.Retries)), ctx)
}

// extractCrate unpacks a gzipped tarball into dest, dropping the leading
// <name>-<version>/ directory. It extracts into a temp dir and renames it
// into place, so dest is either complete or absent.
func extractCrate(cratePath, dest string) error {
	f, err := os.Open(cratePath)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	tmp, err := os.MkdirTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp) // no-op once renamed

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		rel := stripFirstComponent(hdr.Name)
		if rel == "" {
			continue
		}
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("archive entry %q escapes the crate directory", hdr.Name)
		}
		target := filepath.Join(tmp, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeEntry(target, tr, os.FileMode(hdr.Mode).Perm()|0o600); err != nil {
				return err
			}
		default:
			log.Debugf("skipping %s: unsupported entry type %c", hdr.Name, hdr.Typeflag)
		}
	}
	return os.Rename(tmp, dest)
}

func writeEntry(path string, r io.Reader, perm os.FileMode) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func stripFirstComponent(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return filepath.FromSlash(name[i+1:])
	}
	return ""
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
