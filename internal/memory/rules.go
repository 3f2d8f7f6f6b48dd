package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/thebtf/tandem/pkg/models"
	"github.com/thebtf/tandem/pkg/similarity"
)

// LearnedRulesHeading marks the section of the identity file owned by rule maintenance.
const LearnedRulesHeading = "## Learned Rules"

// RuleGroup is a set of corrections that share one pattern.
type RuleGroup struct {
	Subject string
	Members []*models.Learning
}

// Matcher groups correction learnings that describe the same pattern.
type Matcher interface {
	Group(corrections []*models.Learning) []RuleGroup
}

// NewMatcher returns the matcher for a configured name: "jaccard" or the
// default "subject".
func NewMatcher(name string, similarityThreshold float64) Matcher {
	if name == "jaccard" {
		return JaccardMatcher{Threshold: similarityThreshold}
	}
	return SubjectMatcher{}
}

// SubjectMatcher groups corrections by their subject phrase. The subject is
// the text before the first colon when it falls within the first 60
// characters, otherwise the first three significant terms in order. Subjects
// compare case-insensitively with whitespace collapsed.
type SubjectMatcher struct{}

// Group implements Matcher.
func (SubjectMatcher) Group(corrections []*models.Learning) []RuleGroup {
	index := make(map[string]int)
	var groups []RuleGroup
	for _, l := range corrections {
		subject := Subject(l.Content)
		if subject == "" {
			continue
		}
		i, ok := index[subject]
		if !ok {
			i = len(groups)
			index[subject] = i
			groups = append(groups, RuleGroup{Subject: subject})
		}
		groups[i].Members = append(groups[i].Members, l)
	}
	return groups
}

// Subject extracts the subject phrase of a correction.
func Subject(content string) string {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, ":"); i > 0 && i <= 60 {
		return normalize(content[:i])
	}
	var terms []string
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) < 3 || seen[w] || !similarity.ExtractTerms(w)[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
		if len(terms) == 3 {
			break
		}
	}
	return strings.Join(terms, " ")
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// JaccardMatcher clusters corrections whose term sets reach Threshold
// similarity with the first correction of a cluster. The subject of a group
// is the subject phrase of that first correction.
type JaccardMatcher struct {
	Threshold float64
}

// Group implements Matcher.
func (m JaccardMatcher) Group(corrections []*models.Learning) []RuleGroup {
	texts := make([]string, len(corrections))
	for i, l := range corrections {
		texts[i] = l.Content
	}
	var groups []RuleGroup
	for _, idx := range similarity.Cluster(texts, m.Threshold) {
		g := RuleGroup{Subject: Subject(corrections[idx[0]].Content)}
		for _, i := range idx {
			g.Members = append(g.Members, corrections[i])
		}
		groups = append(groups, g)
	}
	return groups
}

// QualifyingGroups returns groups with at least threshold members, sorted by subject.
func QualifyingGroups(groups []RuleGroup, threshold int) []RuleGroup {
	var out []RuleGroup
	for _, g := range groups {
		if len(g.Members) >= threshold {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// RenderRules formats groups as the body of the Learned Rules section. The
// rule text is the newest correction in each group.
func RenderRules(groups []RuleGroup) string {
	var b strings.Builder
	for _, g := range groups {
		newest := g.Members[0]
		for _, m := range g.Members[1:] {
			if m.CreatedAt > newest.CreatedAt || (m.CreatedAt == newest.CreatedAt && m.ID > newest.ID) {
				newest = m
			}
		}
		fmt.Fprintf(&b, "- %s (corrected %d times)\n", strings.TrimSpace(newest.Content), len(g.Members))
	}
	return b.String()
}

// ReplaceSection swaps the body under heading, appending the section when it
// is absent. The body runs to the next "## " heading or end of text.
func ReplaceSection(doc, heading, body string) string {
	section := heading + "\n\n" + strings.TrimRight(body, "\n") + "\n"
	lines := strings.SplitAfter(doc, "\n")
	start := -1
	for i, line := range lines {
		if strings.TrimRight(line, "\r\n") == heading {
			start = i
			break
		}
	}
	if start < 0 {
		trimmed := strings.TrimRight(doc, "\n")
		if trimmed == "" {
			return section
		}
		return trimmed + "\n\n" + section
	}
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "## ") {
			end = i
			break
		}
	}
	var b strings.Builder
	for _, l := range lines[:start] {
		b.WriteString(l)
	}
	b.WriteString(section)
	if end < len(lines) {
		b.WriteString("\n")
		for _, l := range lines[end:] {
			b.WriteString(l)
		}
	}
	return b.String()
}

// ApplyLearnedRules rewrites the Learned Rules section of the identity file
// from corrections that reach threshold. It reports whether the file changed;
// with no qualifying group, or identical output, the file is left untouched.
func ApplyLearnedRules(files *Files, matcher Matcher, corrections []*models.Learning, threshold int) (bool, error) {
	groups := QualifyingGroups(matcher.Group(corrections), threshold)
	if len(groups) == 0 {
		return false, nil
	}
	current, err := files.Read(IdentityFile)
	if err != nil {
		return false, fmt.Errorf("read identity: %w", err)
	}
	updated := ReplaceSection(current, LearnedRulesHeading, RenderRules(groups))
	if updated == current {
		return false, nil
	}
	if err := files.replace(IdentityFile, updated); err != nil {
		return false, fmt.Errorf("write learned rules: %w", err)
	}
	return true, nil
}
