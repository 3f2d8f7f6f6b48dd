// Package memory manages the on-disk memory file set: which files exist, who
// may write them, how they are assembled into a system prompt, and how
// repeated corrections become learned rules.
package memory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Managed says who owns a memory file.
type Managed string

const (
	// ManagedDeploy files ship with the deployment and are never written by curation.
	ManagedDeploy Managed = "deploy"
	// ManagedDaemon files are rewritten by curation.
	ManagedDaemon Managed = "daemon"
)

// IdentityFile is the deploy-managed file that carries the Learned Rules section.
const IdentityFile = "IDENTITY.md"

// FileSpec describes one memory file.
type FileSpec struct {
	Name        string  `yaml:"name"`
	Managed     Managed `yaml:"managed"`
	Description string  `yaml:"description"`
	// Priority orders files in the prompt; higher is more important and truncated last.
	Priority int `yaml:"priority"`
}

// UpdateKey is the curation block prefix that replaces this file, e.g.
// "USER_UPDATE" for USER.md.
func (f FileSpec) UpdateKey() string {
	base := strings.TrimSuffix(f.Name, ".md")
	return strings.ToUpper(base) + "_UPDATE"
}

// Manifest is the top-level YAML structure.
type Manifest struct {
	Files       []FileSpec `yaml:"files"`
	JournalDays int        `yaml:"journal_days"`
}

// DefaultManifest is used when no manifest file is configured.
func DefaultManifest() *Manifest {
	return &Manifest{
		Files: []FileSpec{
			{Name: IdentityFile, Managed: ManagedDeploy, Priority: 100, Description: "Who the agent is and the rules it follows"},
			{Name: "TOOLS.md", Managed: ManagedDeploy, Priority: 90, Description: "How to use the canvas and extraction tools"},
			{Name: "USER.md", Managed: ManagedDaemon, Priority: 80, Description: "What is known about the user"},
			{Name: "MEMORY.md", Managed: ManagedDaemon, Priority: 70, Description: "Long-term facts and context"},
			{Name: "PATTERNS.md", Managed: ManagedDaemon, Priority: 60, Description: "Recurring workflows and preferences"},
		},
		JournalDays: 2,
	}
}

// LoadManifest reads the YAML manifest at path. An empty path or a missing
// file yields DefaultManifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultManifest(), nil
		}
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.JournalDays <= 0 {
		m.JournalDays = 2
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if f.Name == "" || strings.ContainsAny(f.Name, `/\`) {
			return fmt.Errorf("manifest: invalid file name %q", f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("manifest: duplicate file %q", f.Name)
		}
		seen[f.Name] = true
		if f.Managed != ManagedDeploy && f.Managed != ManagedDaemon {
			return fmt.Errorf("manifest: %s: managed must be deploy or daemon, got %q", f.Name, f.Managed)
		}
	}
	return nil
}

// Get returns a file by name.
func (m *Manifest) Get(name string) (FileSpec, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return FileSpec{}, false
}

// IsDaemon reports whether curation may write name.
func (m *Manifest) IsDaemon(name string) bool {
	f, ok := m.Get(name)
	return ok && f.Managed == ManagedDaemon
}

// ByUpdateKey resolves a curation block prefix to its daemon-managed file.
func (m *Manifest) ByUpdateKey(key string) (FileSpec, bool) {
	key = strings.ToUpper(strings.TrimSpace(key))
	for _, f := range m.Files {
		if f.Managed == ManagedDaemon && f.UpdateKey() == key {
			return f, true
		}
	}
	return FileSpec{}, false
}

// ByPriority returns files ordered from most to least important.
func (m *Manifest) ByPriority() []FileSpec {
	out := make([]FileSpec, len(m.Files))
	copy(out, m.Files)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Daemon returns the daemon-managed files by priority.
func (m *Manifest) Daemon() []FileSpec {
	var out []FileSpec
	for _, f := range m.ByPriority() {
		if f.Managed == ManagedDaemon {
			out = append(out, f)
		}
	}
	return out
}
