package compiler

import "strings"

// Source is one script file of a crate.
type Source struct {
	Path string // path as shown in diagnostics, usually relative to the crate
	Text string
}

// Line returns the 1-based line n of the source without its newline, or ""
// when n is out of range.
func (s Source) Line(n int) string {
	if n < 1 {
		return ""
	}
	text := s.Text
	for i := 1; i < n; i++ {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			return ""
		}
		text = text[idx+1:]
	}
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSuffix(text, "\r")
}

// Sources is the ordered set of files compiled into one unit. The first
// file is the crate entry; the rest follow in the order they were added.
type Sources struct {
	files []Source
}

// NewSources creates a source set from files, keeping their order.
func NewSources(files ...Source) *Sources {
	return &Sources{files: append([]Source(nil), files...)}
}

// Add appends a file to the set.
func (s *Sources) Add(path, text string) {
	s.files = append(s.files, Source{Path: path, Text: text})
}

// Files returns the files in compile order.
func (s *Sources) Files() []Source {
	if s == nil {
		return nil
	}
	return s.files
}

// Lookup returns the file with the given path.
func (s *Sources) Lookup(path string) (Source, bool) {
	if s == nil {
		return Source{}, false
	}
	for _, f := range s.files {
		if f.Path == path {
			return f, true
		}
	}
	return Source{}, false
}
