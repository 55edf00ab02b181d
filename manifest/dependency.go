package manifest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Dependency is one entry of [dependencies]. It is either the simple form,
// a bare version requirement:
//
//	foo = "1.2"
//
// or the detailed form, a table:
//
//	foo = { git = "https://example.com/foo.git", tag = "v1.2.0" }
//
// Exactly one of Simple and Detailed is set.
type Dependency struct {
	Simple   string
	Detailed *DetailedSpec
}

// DetailedSpec is the table form of a dependency.
type DetailedSpec struct {
	Version         string
	Registry        string
	RegistryIndex   string
	Path            string
	Git             string
	Branch          string
	Tag             string
	Rev             string
	Features        []string
	Optional        *bool
	DefaultFeatures *bool
	Package         string
	Public          *bool
}

// SourceKind says where a dependency is fetched from.
type SourceKind int

const (
	SourceRegistry SourceKind = iota
	SourceGit
	SourcePath
)

func (k SourceKind) String() string {
	switch k {
	case SourceGit:
		return "git"
	case SourcePath:
		return "path"
	}
	return "registry"
}

// UnmarshalTOML implements toml.Unmarshaler, choosing the form by the
// shape of the value.
func (d *Dependency) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case string:
		*d = Dependency{Simple: v}
		return nil
	case map[string]any:
		spec, err := decodeDetailed(v)
		if err != nil {
			return err
		}
		*d = Dependency{Detailed: spec}
		return nil
	}
	return fmt.Errorf("dependency must be a version string like \"1.0\" or a table like { version = \"1.0\" }, got %T", v)
}

func decodeDetailed(table map[string]any) (*DetailedSpec, error) {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	spec := &DetailedSpec{}
	var err error
	for _, key := range keys {
		val := table[key]
		switch key {
		case "version":
			spec.Version, err = asString(key, val)
		case "registry":
			spec.Registry, err = asString(key, val)
		case "registry-index":
			spec.RegistryIndex, err = asString(key, val)
		case "path":
			spec.Path, err = asString(key, val)
		case "git":
			spec.Git, err = asString(key, val)
		case "branch":
			spec.Branch, err = asString(key, val)
		case "tag":
			spec.Tag, err = asString(key, val)
		case "rev":
			spec.Rev, err = asString(key, val)
		case "package":
			spec.Package, err = asString(key, val)
		case "features":
			spec.Features, err = asStrings(key, val)
		case "optional":
			spec.Optional, err = asBool(key, val)
		case "public":
			spec.Public, err = asBool(key, val)
		case "default-features", "default_features":
			var b *bool
			b, err = asBool(key, val)
			if err == nil && spec.DefaultFeatures != nil && *spec.DefaultFeatures != *b {
				err = fmt.Errorf("default-features and default_features disagree")
			}
			if err == nil {
				spec.DefaultFeatures = b
			}
		default:
			err = fmt.Errorf("unknown dependency key %q", key)
		}
		if err != nil {
			return nil, err
		}
	}
	return spec, nil
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

func asBool(key string, v any) (*bool, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%s must be a boolean, got %T", key, v)
	}
	return &b, nil
}

func asStrings(key string, v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of strings, got %T", key, v)
	}
	out := make([]string, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string, got %T", key, i, item)
		}
		out[i] = s
	}
	return out, nil
}

// VersionReq returns the version requirement, "" when none is given.
func (d Dependency) VersionReq() string {
	if d.Detailed != nil {
		return d.Detailed.Version
	}
	return d.Simple
}

// Source returns where the dependency is fetched from.
func (d Dependency) Source() SourceKind {
	switch {
	case d.Detailed == nil:
		return SourceRegistry
	case d.Detailed.Path != "":
		return SourcePath
	case d.Detailed.Git != "":
		return SourceGit
	}
	return SourceRegistry
}

// PackageName returns the name the dependency is published under: the
// package key when it renames the dependency, otherwise key itself.
func (d Dependency) PackageName(key string) string {
	if d.Detailed != nil && d.Detailed.Package != "" {
		return d.Detailed.Package
	}
	return key
}

// validate returns the problems with this dependency spec.
func (d Dependency) validate() []string {
	if d.Detailed == nil {
		if strings.TrimSpace(d.Simple) == "" {
			return []string{"version requirement is empty"}
		}
		return nil
	}
	s := d.Detailed
	var problems []string

	sources := 0
	for _, set := range []bool{s.Path != "", s.Git != "", s.Registry != "" || s.RegistryIndex != ""} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		problems = append(problems, "only one of path, git, and registry/registry-index may be given")
	}
	if s.Git == "" && (s.Branch != "" || s.Tag != "" || s.Rev != "") {
		problems = append(problems, "branch, tag, and rev require git")
	}
	refs := 0
	for _, ref := range []string{s.Branch, s.Tag, s.Rev} {
		if ref != "" {
			refs++
		}
	}
	if refs > 1 {
		log.Warningf("dependency sets more than one of branch, tag, and rev; rev wins over tag, tag over branch")
	}
	if s.Version == "" && s.Path == "" && s.Git == "" {
		problems = append(problems, "a version, path, or git source is required")
	}
	return problems
}

// SpecHash is a stable fingerprint of the spec. The lockfile records it so
// a changed spec invalidates the locked resolution.
func (d Dependency) SpecHash() string {
	var b strings.Builder
	if d.Detailed == nil {
		b.WriteString("simple\x00")
		b.WriteString(d.Simple)
	} else {
		s := d.Detailed
		fields := []string{
			"version", s.Version,
			"registry", s.Registry,
			"registry-index", s.RegistryIndex,
			"path", s.Path,
			"git", s.Git,
			"branch", s.Branch,
			"tag", s.Tag,
			"rev", s.Rev,
			"features", strings.Join(s.Features, ","),
			"optional", boolField(s.Optional),
			"default-features", boolField(s.DefaultFeatures),
			"package", s.Package,
			"public", boolField(s.Public),
		}
		b.WriteString("detailed")
		for _, f := range fields {
			b.WriteByte(0)
			b.WriteString(f)
		}
	}
	return fmt.Sprintf("%016x", xxh3.HashString(b.String()))
}

func boolField(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}
