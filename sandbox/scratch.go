package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pithecene-io/kiln/types"
)

// auxPattern matches pass-state files a following LaTeX run reads back.
const auxPattern = "**/*.{aux,toc,lof,lot,out,bbl,bcf,nav,snm,ind,idx,gls,glo,run.xml}"

// scratch is a per-attempt working directory.
type scratch struct {
	dir string
}

// stage creates a fresh scratch directory under base and writes the SandboxSpec
// source and carried files into it.
func stage(base string, spec *types.SandboxSpec) (*scratch, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create scratch base: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, "kiln-attempt-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	s := &scratch{dir: dir}

	// Carried files first so source files always win.
	for _, files := range []map[string][]byte{spec.Carry, spec.Files} {
		for p, data := range files {
			if err := s.write(p, data); err != nil {
				_ = s.remove()
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *scratch) write(p string, data []byte) error {
	rel := filepath.FromSlash(p)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("refusing to stage non-local path %q", p)
	}
	full := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", p, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %q: %w", p, err)
	}
	return nil
}

// read returns the contents of a scratch-relative file, or nil if absent.
func (s *scratch) read(p string) []byte {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(p)))
	if err != nil {
		return nil
	}
	return data
}

// collect copies outputs out of the scratch directory.
func (s *scratch) collect(spec *types.SandboxSpec, stdout []byte, res *Result) error {
	res.Artifacts = make(map[string][]byte)
	if data := s.read(spec.PrimaryArtifact()); data != nil {
		res.Artifacts[spec.PrimaryArtifact()] = data
	}

	if log := s.read(spec.JobName() + ".log"); log != nil {
		res.LogText = string(log)
	} else {
		res.LogText = string(stdout)
	}

	matches, err := doublestar.Glob(os.DirFS(s.dir), auxPattern, doublestar.WithFilesOnly())
	if err != nil {
		return fmt.Errorf("failed to collect auxiliary files: %w", err)
	}
	res.Aux = make(map[string][]byte, len(matches))
	for _, m := range matches {
		if _, isSource := spec.Files[m]; isSource {
			continue
		}
		data, err := fs.ReadFile(os.DirFS(s.dir), m)
		if err != nil {
			return fmt.Errorf("failed to read auxiliary file %q: %w", m, err)
		}
		res.Aux[path.Clean(m)] = data
	}
	return nil
}

func (s *scratch) remove() error {
	if s == nil || s.dir == "" {
		return nil
	}
	return os.RemoveAll(s.dir)
}
