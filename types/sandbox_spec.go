//nolint:revive // types is a common Go package naming convention
package types

import "time"

// NetworkPolicy controls outbound network access from the sandbox.
type NetworkPolicy string

const (
	// NetworkDisabled denies all network access (default).
	NetworkDisabled NetworkPolicy = "none"
	// NetworkEnabled allows the sandbox default network.
	NetworkEnabled NetworkPolicy = "enabled"
)

// ResourceLimits bounds sandbox resource usage.
// Zero values mean "engine default".
type ResourceLimits struct {
	CPUs        float64 `json:"cpus,omitempty" yaml:"cpus"`
	MemoryBytes int64   `json:"memory_bytes,omitempty" yaml:"memory_bytes"`
	PIDs        int     `json:"pids,omitempty" yaml:"pids"`
}

// SandboxSettings are the per-job execution settings a SandboxSpec is built from.
type SandboxSettings struct {
	TimeLimit time.Duration
	Limits    ResourceLimits
	Network   NetworkPolicy
	// Identity is the "uid:gid" the compiler runs as. Empty selects the engine default.
	Identity string
}

// SandboxSpec configures one sandboxed compile attempt.
// Built fresh per attempt; never shared across attempts.
type SandboxSpec struct {
	// Entry is the document passed to the compiler.
	Entry string
	// Files are the source files staged into the scratch directory.
	Files map[string][]byte
	// Carry are auxiliary files from the previous pass (aux, toc, bbl, ...)
	// staged alongside the source so multi-pass resolution can converge.
	Carry map[string][]byte

	TimeLimit time.Duration
	Limits    ResourceLimits
	Network   NetworkPolicy
	Identity  string
}

// NewSandboxSpec builds a spec from a source tree, carried pass state and settings.
// All maps are deep-copied.
func NewSandboxSpec(src SourceTree, carry map[string][]byte, settings SandboxSettings) *SandboxSpec {
	tree := src.Clone()
	carried := make(map[string][]byte, len(carry))
	for p, data := range carry {
		if _, isSource := tree.Files[p]; isSource {
			continue
		}
		carried[p] = append([]byte(nil), data...)
	}
	network := settings.Network
	if network == "" {
		network = NetworkDisabled
	}
	return &SandboxSpec{
		Entry:     tree.Entry,
		Files:     tree.Files,
		Carry:     carried,
		TimeLimit: settings.TimeLimit,
		Limits:    settings.Limits,
		Network:   network,
		Identity:  settings.Identity,
	}
}

// JobName returns the TeX job name derived from the entry document.
func (s *SandboxSpec) JobName() string {
	return SourceTree{Entry: s.Entry}.JobName()
}

// PrimaryArtifact returns the name of the expected rendered document.
func (s *SandboxSpec) PrimaryArtifact() string {
	return s.JobName() + ".pdf"
}
