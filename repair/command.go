// Package repair provides source-repair collaborators for the retry controller.
//
// Command hands a content defect to an external program:
//
//	stdin:  {"entry": "main.tex", "files": {"main.tex": "..."}, "binary": {"fig.png": "<base64>"},
//	         "diagnostics": [...]}
//	stdout: {"files": {"main.tex": "..."}, "binary": {...}, "remove": ["old.tex"], "entry": "main.tex"}
//
// The response is an overlay: files and binary entries replace or add paths,
// remove deletes paths, and an empty entry keeps the current one. Paths not
// mentioned are carried over unchanged. A non-zero exit is an error.
package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pithecene-io/kiln/runtime"
	"github.com/pithecene-io/kiln/sandbox"
	"github.com/pithecene-io/kiln/types"
)

// waitDelay bounds Wait on inherited pipes after the command is killed.
const waitDelay = 2 * time.Second

// maxStderr caps how much stderr is quoted in errors.
const maxStderr = 4096

// Request is the document written to the command's stdin.
type Request struct {
	types.SourceSnapshot
	Diagnostics []types.Diagnostic `json:"diagnostics"`
}

// Response is the document read from the command's stdout.
type Response struct {
	Entry  string            `json:"entry,omitempty"`
	Files  map[string]string `json:"files,omitempty"`
	Binary map[string][]byte `json:"binary,omitempty"`
	Remove []string          `json:"remove,omitempty"`
}

// Command runs an external program as the repair collaborator.
type Command struct {
	// Path is the program to run.
	Path string
	// Args are passed to the program.
	Args []string
	// Env is appended to the inherited environment.
	Env []string
	// Dir is the working directory (default: current).
	Dir string
}

var _ runtime.Repairer = (*Command)(nil)

// NewCommand builds a Command from a command line split on whitespace.
// Quotes are not interpreted; extra carries arguments that contain spaces
// and is appended as given.
func NewCommand(line string, extra ...string) (*Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.New("repair command is empty")
	}
	args := make([]string, 0, len(fields)-1+len(extra))
	args = append(args, fields[1:]...)
	args = append(args, extra...)
	return &Command{Path: fields[0], Args: args}, nil
}

// Repair runs the program once. ctx bounds the run; on expiry the process is killed.
func (c *Command) Repair(ctx context.Context, source types.SourceTree, diagnostics []types.Diagnostic) (types.SourceTree, error) {
	input, err := json.Marshal(NewRequest(source, diagnostics))
	if err != nil {
		return types.SourceTree{}, fmt.Errorf("failed to encode repair request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	// Helpers forked by the program die with it.
	sandbox.SetProcessGroup(cmd)
	cmd.Cancel = func() error { return sandbox.KillProcessGroup(cmd) }
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.SourceTree{}, fmt.Errorf("repair command %s: %w", c.Path, ctxErr)
		}
		return types.SourceTree{}, fmt.Errorf("repair command %s failed: %w: %s", c.Path, err, tail(stderr.String()))
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return types.SourceTree{}, fmt.Errorf("repair command %s: invalid response: %w", c.Path, err)
	}
	return resp.Apply(source), nil
}

// NewRequest builds the stdin document. UTF-8 files are sent as text, the rest as base64.
func NewRequest(source types.SourceTree, diagnostics []types.Diagnostic) Request {
	req := Request{
		SourceSnapshot: source.Snapshot(),
		Diagnostics:    diagnostics,
	}
	if req.Diagnostics == nil {
		req.Diagnostics = []types.Diagnostic{}
	}
	return req
}

// Apply overlays the response on a copy of source.
func (r Response) Apply(source types.SourceTree) types.SourceTree {
	out := source.Clone()
	for _, p := range r.Remove {
		delete(out.Files, p)
	}
	for p, text := range r.Files {
		out.Files[p] = []byte(text)
	}
	for p, data := range r.Binary {
		out.Files[p] = append([]byte(nil), data...)
	}
	if r.Entry != "" {
		out.Entry = r.Entry
	}
	return out
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = "..." + s[len(s)-maxStderr:]
	}
	return s
}

// ErrUnavailable is returned by Unavailable.
var ErrUnavailable = errors.New("source repair unavailable")

// Unavailable is a Repairer that always fails, so every content defect
// consumes budget without changing the source.
type Unavailable struct{}

var _ runtime.Repairer = Unavailable{}

// Repair returns ErrUnavailable.
func (Unavailable) Repair(context.Context, types.SourceTree, []types.Diagnostic) (types.SourceTree, error) {
	return types.SourceTree{}, ErrUnavailable
}
