// Package types defines core domain types for the kiln compile orchestrator.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// SourceHash is the hex-encoded BLAKE3 digest of a SourceTree.
type SourceHash string

// Short returns an abbreviated hash for log output.
func (h SourceHash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// SourceTree is a LaTeX source snapshot: the entry document plus every
// auxiliary asset (images, bibliography, classes) it references.
// Paths are slash-separated and relative to the tree root.
type SourceTree struct {
	// Entry is the path of the document passed to the compiler (e.g. "main.tex").
	Entry string `json:"entry"`
	// Files maps relative path to file contents. Entry must be present.
	Files map[string][]byte `json:"files"`
}

// NewSourceTree creates a tree with a single entry document.
func NewSourceTree(entry string, content []byte) SourceTree {
	return SourceTree{
		Entry: entry,
		Files: map[string][]byte{entry: content},
	}
}

// Validate checks that the tree is compilable as submitted.
func (t SourceTree) Validate() error {
	if t.Entry == "" {
		return errors.New("source tree: entry document is required")
	}
	if _, ok := t.Files[t.Entry]; !ok {
		return fmt.Errorf("source tree: entry %q not present in files", t.Entry)
	}
	for p := range t.Files {
		if !filepath.IsLocal(filepath.FromSlash(p)) {
			return fmt.Errorf("source tree: path %q escapes the tree root", p)
		}
	}
	return nil
}

// EntryText returns the entry document contents.
func (t SourceTree) EntryText() string {
	return string(t.Files[t.Entry])
}

// JobName is the entry document name without directory and extension.
// TeX derives every output file name (log, aux, pdf) from it.
func (t SourceTree) JobName() string {
	base := path.Base(t.Entry)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Paths returns the file paths in sorted order.
func (t SourceTree) Paths() []string {
	paths := make([]string, 0, len(t.Files))
	for p := range t.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a deep copy of the tree.
func (t SourceTree) Clone() SourceTree {
	files := make(map[string][]byte, len(t.Files))
	for p, data := range t.Files {
		files[p] = append([]byte(nil), data...)
	}
	return SourceTree{Entry: t.Entry, Files: files}
}

// Hash returns the content hash of the tree.
// Two trees hash equal iff they have the same entry and byte-identical files.
// Each component is length-prefixed so path/content boundaries cannot collide.
func (t SourceTree) Hash() SourceHash {
	h := blake3.New()
	var lenBuf [8]byte
	write := func(b []byte) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write(b)
	}

	write([]byte(t.Entry))
	for _, p := range t.Paths() {
		write([]byte(p))
		write(t.Files[p])
	}
	return SourceHash(hex.EncodeToString(h.Sum(nil)))
}

// SourceSnapshot is a SourceTree in a JSON-safe form. UTF-8 files are kept
// as text; anything else goes to Binary, which encodes as base64.
type SourceSnapshot struct {
	Entry  string            `json:"entry" yaml:"entry"`
	Files  map[string]string `json:"files" yaml:"files"`
	Binary map[string][]byte `json:"binary,omitempty" yaml:"binary,omitempty"`
}

// Snapshot converts the tree for serialization.
func (t SourceTree) Snapshot() SourceSnapshot {
	s := SourceSnapshot{
		Entry: t.Entry,
		Files: make(map[string]string, len(t.Files)),
	}
	for p, data := range t.Files {
		if utf8.Valid(data) {
			s.Files[p] = string(data)
			continue
		}
		if s.Binary == nil {
			s.Binary = make(map[string][]byte)
		}
		s.Binary[p] = append([]byte(nil), data...)
	}
	return s
}

// Tree restores the source tree. Binary wins when a path is in both maps.
func (s SourceSnapshot) Tree() SourceTree {
	files := make(map[string][]byte, len(s.Files)+len(s.Binary))
	for p, text := range s.Files {
		files[p] = []byte(text)
	}
	for p, data := range s.Binary {
		files[p] = append([]byte(nil), data...)
	}
	return SourceTree{Entry: s.Entry, Files: files}
}
