package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/tandem/pkg/models"
)

type FilesSuite struct {
	suite.Suite
	dir   string
	files *Files
	now   time.Time
}

func TestFilesSuite(t *testing.T) {
	suite.Run(t, new(FilesSuite))
}

func (s *FilesSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.files = NewFiles(s.dir, nil)
	s.now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	s.files.now = func() time.Time { return s.now }
	s.Require().NoError(s.files.EnsureDefaults())
}

func (s *FilesSuite) write(name, content string) {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.MkdirAll(filepath.Dir(path), 0o750))
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
}

func (s *FilesSuite) TestEnsureDefaults() {
	for _, spec := range DefaultManifest().Files {
		content, err := s.files.Read(spec.Name)
		s.Require().NoError(err)
		s.Contains(content, "# "+strings.TrimSuffix(spec.Name, ".md"))
	}
	s.DirExists(filepath.Join(s.dir, JournalDir))

	s.write("USER.md", "custom")
	s.Require().NoError(s.files.EnsureDefaults())
	content, _ := s.files.Read("USER.md")
	s.Equal("custom", content, "existing files are kept")
}

func (s *FilesSuite) TestWriteDaemonOnly() {
	s.Require().NoError(s.files.WriteDaemon("USER.md", "Prefers EUR."))
	content, err := s.files.Read("USER.md")
	s.Require().NoError(err)
	s.Equal("Prefers EUR.", content)

	before, _ := s.files.Read(IdentityFile)
	err = s.files.WriteDaemon(IdentityFile, "hijacked")
	s.ErrorIs(err, ErrNotDaemonManaged)
	after, _ := s.files.Read(IdentityFile)
	s.Equal(before, after)

	s.ErrorIs(s.files.WriteDaemon("UNKNOWN.md", "x"), ErrNotDaemonManaged)
}

func (s *FilesSuite) TestAppendJournal() {
	s.Require().NoError(s.files.AppendJournal("first note"))
	s.now = s.now.Add(time.Hour)
	s.Require().NoError(s.files.AppendJournal("second note"))
	s.Require().NoError(s.files.AppendJournal("   "))

	content, err := s.files.ReadJournal(s.now)
	s.Require().NoError(err)
	s.Equal("# Journal 2026-03-14\n\n## 09:30\nfirst note\n\n## 10:30\nsecond note\n", content)
	s.Equal(filepath.Join("journal", "2026-03-14.md"), JournalName(s.now))
}

func (s *FilesSuite) TestLoaderIncludesJournals() {
	s.write(JournalName(s.now.AddDate(0, 0, -1)), "yesterday")
	s.write(JournalName(s.now), "today")
	s.write(JournalName(s.now.AddDate(0, 0, -2)), "too old")

	prompt, err := NewLoader(s.files, 0).SystemPrompt()
	s.Require().NoError(err)
	s.Contains(prompt, `<memory_file name="IDENTITY.md">`)
	s.Contains(prompt, "yesterday")
	s.Contains(prompt, "today")
	s.NotContains(prompt, "too old")
	s.Less(strings.Index(prompt, "IDENTITY.md"), strings.Index(prompt, "USER.md"))
	s.Less(strings.Index(prompt, "yesterday"), strings.Index(prompt, "today"))
}

func (s *FilesSuite) TestLoaderCacheInvalidation() {
	loader := NewLoader(s.files, 0)
	s.write("MEMORY.md", "version one")
	first, err := loader.SystemPrompt()
	s.Require().NoError(err)
	s.Contains(first, "version one")

	s.write("MEMORY.md", "version two")
	cached, err := loader.SystemPrompt()
	s.Require().NoError(err)
	s.Contains(cached, "version one")

	loader.Invalidate()
	fresh, err := loader.SystemPrompt()
	s.Require().NoError(err)
	s.Contains(fresh, "version two")

	s.write("MEMORY.md", "version three")
	s.now = s.now.AddDate(0, 0, 1)
	nextDay, err := loader.SystemPrompt()
	s.Require().NoError(err)
	s.Contains(nextDay, "version three", "day change refreshes the cache")
}

func (s *FilesSuite) TestLoaderBudget() {
	s.write(IdentityFile, strings.Repeat("I", 100))
	s.write("TOOLS.md", strings.Repeat("O", 10))
	s.write("USER.md", strings.Repeat("U", 100))
	s.write("MEMORY.md", strings.Repeat("M", 100))
	s.write("PATTERNS.md", strings.Repeat("P", 100))
	s.write(JournalName(s.now.AddDate(0, 0, -1)), strings.Repeat("Y", 100))
	s.write(JournalName(s.now), strings.Repeat("T", 100))

	byName := func(sections []Section) map[string]Section {
		out := make(map[string]Section, len(sections))
		for _, sec := range sections {
			out[sec.Name] = sec
		}
		return out
	}
	today := JournalName(s.now)
	yesterday := JournalName(s.now.AddDate(0, 0, -1))

	s.Run("journals first, most recent first", func() {
		sections, err := NewLoader(s.files, 450).Sections()
		s.Require().NoError(err)
		got := byName(sections)
		s.Empty(got[today].Content)
		s.True(got[yesterday].Truncated)
		s.Equal(strings.Repeat("Y", 100-60-len(truncatedMarker))+truncatedMarker, got[yesterday].Content)
		s.False(got["PATTERNS.md"].Truncated)
		s.Len(got[IdentityFile].Content, 100)
	})

	s.Run("daemon files lowest priority first", func() {
		sections, err := NewLoader(s.files, 250).Sections()
		s.Require().NoError(err)
		got := byName(sections)
		s.Empty(got[today].Content)
		s.Empty(got[yesterday].Content)
		s.Empty(got["PATTERNS.md"].Content)
		s.True(got["MEMORY.md"].Truncated)
		s.False(got["USER.md"].Truncated)
		total := 0
		for _, sec := range sections {
			total += len(sec.Content)
		}
		s.LessOrEqual(total, 250)
	})

	s.Run("deploy content never cut", func() {
		sections, err := NewLoader(s.files, 50).Sections()
		s.Require().NoError(err)
		got := byName(sections)
		s.Equal(strings.Repeat("I", 100), got[IdentityFile].Content)
		s.Equal(strings.Repeat("O", 10), got["TOOLS.md"].Content)
		s.Empty(got["USER.md"].Content)
	})
}

func (s *FilesSuite) TestApplyLearnedRules() {
	s.write(IdentityFile, "# IDENTITY\n\nYou are helpful.\n\n## Style\n\nBe brief.\n")
	corrections := []*models.Learning{
		{ID: 1, Type: models.LearningCorrection, Content: "Currency format: use EUR", CreatedAt: 1},
		{ID: 2, Type: models.LearningCorrection, Content: "currency  FORMAT: always EUR", CreatedAt: 2},
		{ID: 3, Type: models.LearningCorrection, Content: "Date style: ISO dates", CreatedAt: 3},
	}

	changed, err := ApplyLearnedRules(s.files, SubjectMatcher{}, corrections, 3)
	s.Require().NoError(err)
	s.False(changed)
	before, _ := s.files.Read(IdentityFile)
	s.Equal("# IDENTITY\n\nYou are helpful.\n\n## Style\n\nBe brief.\n", before)

	corrections = append(corrections, &models.Learning{ID: 4, Type: models.LearningCorrection, Content: "Currency format: EUR with comma decimals", CreatedAt: 4})
	changed, err = ApplyLearnedRules(s.files, SubjectMatcher{}, corrections, 3)
	s.Require().NoError(err)
	s.True(changed)

	after, _ := s.files.Read(IdentityFile)
	s.True(strings.HasPrefix(after, "# IDENTITY\n\nYou are helpful.\n\n## Style\n\nBe brief.\n"))
	s.Contains(after, "## Learned Rules\n\n- Currency format: EUR with comma decimals (corrected 3 times)\n")
	s.NotContains(after, "Date style")

	changed, err = ApplyLearnedRules(s.files, SubjectMatcher{}, corrections, 3)
	s.Require().NoError(err)
	s.False(changed, "reapplying the same rules leaves the file untouched")
}

func TestSubject(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"Invoice Totals: include tax", "invoice totals"},
		{"  Invoice   totals :  exclude shipping", "invoice totals"},
		{"Always round invoice totals to cents", "round invoice totals"},
		{"the a an", ""},
		{strings.Repeat("x", 70) + ": late colon words here", strings.Repeat("x", 70) + " late colon"},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(tt.content))
		})
	}
}

func TestMatchers(t *testing.T) {
	corrections := []*models.Learning{
		{ID: 1, Content: "Invoice totals: include tax"},
		{ID: 2, Content: "invoice totals: include the tax line"},
		{ID: 3, Content: "Card titles: keep short"},
		{ID: 4, Content: "Invoice totals include tax amounts"},
	}

	subject := SubjectMatcher{}.Group(corrections)
	require.Len(t, subject, 3)
	assert.Equal(t, "invoice totals", subject[0].Subject)
	assert.Len(t, subject[0].Members, 2)

	jaccard := JaccardMatcher{Threshold: 0.5}.Group(corrections)
	require.Len(t, jaccard, 2)
	assert.Len(t, jaccard[0].Members, 3)

	assert.IsType(t, JaccardMatcher{}, NewMatcher("jaccard", 0.4))
	assert.IsType(t, SubjectMatcher{}, NewMatcher("subject", 0.4))
	assert.IsType(t, SubjectMatcher{}, NewMatcher("", 0.4))
}

func TestReplaceSection(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty doc", "", "## Learned Rules\n\n- a\n"},
		{"append", "# ID\n\nhello\n", "# ID\n\nhello\n\n## Learned Rules\n\n- a\n"},
		{"replace at end", "# ID\n\n## Learned Rules\n\n- old\n- older\n", "# ID\n\n## Learned Rules\n\n- a\n"},
		{
			"replace in middle",
			"# ID\n\n## Learned Rules\n\n- old\n\n## Style\n\nbrief\n",
			"# ID\n\n## Learned Rules\n\n- a\n\n## Style\n\nbrief\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReplaceSection(tt.doc, LearnedRulesHeading, "- a\n")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, ReplaceSection(got, LearnedRulesHeading, "- a\n"))
		})
	}
}
