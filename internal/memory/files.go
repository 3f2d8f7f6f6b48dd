package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JournalDir is the subdirectory holding day journals.
const JournalDir = "journal"

// ErrNotDaemonManaged is returned when curation targets a file it does not own.
var ErrNotDaemonManaged = errors.New("memory file is not daemon-managed")

// Files reads and writes the memory file set under one directory.
type Files struct {
	dir      string
	manifest *Manifest
	now      func() time.Time
	mu       sync.Mutex
}

// NewFiles returns a Files rooted at dir. A nil manifest means DefaultManifest.
func NewFiles(dir string, manifest *Manifest) *Files {
	if manifest == nil {
		manifest = DefaultManifest()
	}
	return &Files{dir: dir, manifest: manifest, now: time.Now}
}

// Dir returns the root directory.
func (f *Files) Dir() string { return f.dir }

// Manifest returns the file manifest.
func (f *Files) Manifest() *Manifest { return f.manifest }

// EnsureDefaults creates the directory tree and a stub for every missing file.
func (f *Files) EnsureDefaults() error {
	if err := os.MkdirAll(filepath.Join(f.dir, JournalDir), 0o750); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	for _, spec := range f.manifest.Files {
		path := filepath.Join(f.dir, spec.Name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		stub := "# " + strings.TrimSuffix(spec.Name, ".md") + "\n"
		if spec.Description != "" {
			stub += "\n" + spec.Description + ".\n"
		}
		if err := os.WriteFile(path, []byte(stub), 0o600); err != nil {
			return fmt.Errorf("create %s: %w", spec.Name, err)
		}
	}
	return nil
}

// Read returns a file's content, or "" when it does not exist.
func (f *Files) Read(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// WriteDaemon replaces the full content of a daemon-managed file.
func (f *Files) WriteDaemon(name, content string) error {
	if !f.manifest.IsDaemon(name) {
		return fmt.Errorf("write %s: %w", name, ErrNotDaemonManaged)
	}
	return f.replace(name, content)
}

// replace writes content through a temp file and rename.
func (f *Files) replace(name, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(name)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// JournalName returns the relative path of the journal for day.
func JournalName(day time.Time) string {
	return filepath.Join(JournalDir, day.Format("2006-01-02")+".md")
}

// ReadJournal returns the journal for day, or "" when there is none.
func (f *Files) ReadJournal(day time.Time) (string, error) {
	return f.Read(JournalName(day))
}

// AppendJournal appends a timestamped entry to today's journal.
func (f *Files) AppendJournal(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dir, JournalName(now))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var b strings.Builder
	if os.IsNotExist(statErr) {
		b.WriteString("# Journal " + now.Format("2006-01-02") + "\n")
	}
	b.WriteString("\n## " + now.Format("15:04") + "\n" + text + "\n")
	if _, err := file.WriteString(b.String()); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}
