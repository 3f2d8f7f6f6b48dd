package memory

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const truncatedMarker = "\n[...truncated]"

// Section is one memory file or journal as it appears in the system prompt.
type Section struct {
	Name      string
	Content   string
	Managed   Managed
	Priority  int
	Journal   bool
	Truncated bool
}

// Loader assembles the memory file set into a system prompt within a byte
// budget. Results are cached until Invalidate is called or the day changes.
type Loader struct {
	files  *Files
	budget int

	mu     sync.Mutex
	cached []Section
	day    string
}

// NewLoader returns a loader over files. A non-positive budget disables truncation.
func NewLoader(files *Files, budget int) *Loader {
	return &Loader{files: files, budget: budget}
}

// Files returns the underlying file set.
func (l *Loader) Files() *Files { return l.files }

// Invalidate drops the cached sections.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
}

// Sections returns the budgeted sections in prompt order.
func (l *Loader) Sections() ([]Section, error) {
	now := l.files.now()
	day := now.Format("2006-01-02")

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cached != nil && l.day == day {
		return cloneSections(l.cached), nil
	}

	sections, err := l.read(now)
	if err != nil {
		return nil, err
	}
	applyBudget(sections, l.budget)
	l.cached = sections
	l.day = day
	return cloneSections(sections), nil
}

// SystemPrompt renders the budgeted sections.
func (l *Loader) SystemPrompt() (string, error) {
	sections, err := l.Sections()
	if err != nil {
		return "", err
	}
	return Render(sections), nil
}

func (l *Loader) read(now time.Time) ([]Section, error) {
	m := l.files.Manifest()
	var sections []Section
	for _, spec := range m.ByPriority() {
		content, err := l.files.Read(spec.Name)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		sections = append(sections, Section{
			Name:     spec.Name,
			Content:  content,
			Managed:  spec.Managed,
			Priority: spec.Priority,
		})
	}

	days := m.JournalDays
	if days <= 0 {
		days = 2
	}
	// Oldest journal first so the prompt reads chronologically.
	for i := days - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i)
		content, err := l.files.ReadJournal(day)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		sections = append(sections, Section{
			Name:    JournalName(day),
			Content: content,
			Managed: ManagedDaemon,
			Journal: true,
		})
	}
	return sections, nil
}

// applyBudget trims sections in place until their content fits budget.
// Journals go first, most recent first, then daemon files from the lowest
// priority up. Deploy-managed content is never cut.
func applyBudget(sections []Section, budget int) {
	if budget <= 0 {
		return
	}
	total := 0
	for _, s := range sections {
		total += len(s.Content)
	}
	if total <= budget {
		return
	}

	var order []int
	for i := len(sections) - 1; i >= 0; i-- {
		if sections[i].Journal {
			order = append(order, i)
		}
	}
	var daemon []int
	for i := range sections {
		if !sections[i].Journal && sections[i].Managed == ManagedDaemon {
			daemon = append(daemon, i)
		}
	}
	// Sections are already sorted by descending priority.
	for i := len(daemon) - 1; i >= 0; i-- {
		order = append(order, daemon[i])
	}

	excess := total - budget
	for _, i := range order {
		if excess <= 0 {
			break
		}
		s := &sections[i]
		before := len(s.Content)
		keep := before - excess - len(truncatedMarker)
		if keep <= 0 {
			s.Content = ""
		} else {
			s.Content = cutBytes(s.Content, keep) + truncatedMarker
		}
		s.Truncated = true
		excess -= before - len(s.Content)
	}
	if excess > 0 {
		log.Warn().Int("over_budget_bytes", excess).Msg("Deploy-managed memory exceeds budget")
	}
}

// cutBytes returns the longest prefix of s within n bytes that ends on a rune boundary.
func cutBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Render formats sections as the memory part of a system prompt.
func Render(sections []Section) string {
	var b strings.Builder
	for _, s := range sections {
		if s.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("<memory_file name=\"" + s.Name + "\">\n")
		b.WriteString(strings.TrimRight(s.Content, "\n"))
		b.WriteString("\n</memory_file>")
	}
	return b.String()
}

func cloneSections(in []Section) []Section {
	out := make([]Section, len(in))
	copy(out, in)
	return out
}
