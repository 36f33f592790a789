// Package source loads initial source trees for compile jobs.
package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pithecene-io/kiln/types"
)

// DefaultExcludes are skipped when FromDir is called with nil excludes.
// Patterns without a slash match the base name at any depth.
var DefaultExcludes = []string{".git/**", "*.pdf", "*.aux", "*.log"}

// MaxTreeBytes bounds the total size of a loaded tree.
const MaxTreeBytes = 64 << 20

// ErrTreeTooLarge is returned when a directory exceeds MaxTreeBytes.
var ErrTreeTooLarge = errors.New("source tree too large")

// FromDir loads every regular file under dir into a source tree with the
// given entry document. Symlinks and other special files are skipped.
func FromDir(dir, entry string, excludes []string) (types.SourceTree, error) {
	if excludes == nil {
		excludes = DefaultExcludes
	}
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return types.SourceTree{}, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	tree := types.SourceTree{Entry: path.Clean(entry), Files: make(map[string][]byte)}
	fsys := os.DirFS(dir)
	var total int64

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || excluded(p, excludes) {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		total += int64(len(data))
		if total > MaxTreeBytes {
			return fmt.Errorf("%w: more than %d bytes under %s", ErrTreeTooLarge, MaxTreeBytes, dir)
		}
		tree.Files[p] = data
		return nil
	})
	if err != nil {
		return types.SourceTree{}, fmt.Errorf("failed to load source from %s: %w", dir, err)
	}

	if err := tree.Validate(); err != nil {
		return types.SourceTree{}, fmt.Errorf("invalid source in %s: %w", dir, err)
	}
	return tree, nil
}

func excluded(p string, patterns []string) bool {
	for _, pattern := range patterns {
		target := p
		if !strings.Contains(pattern, "/") {
			target = path.Base(p)
		}
		if ok, _ := doublestar.Match(pattern, target); ok {
			return true
		}
	}
	return false
}
