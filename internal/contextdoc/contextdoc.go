package contextdoc

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/patchpilot/patchpilot/internal/signal"
)

// Doc is one (path, excerpt) context pair handed to a patch proposer.
type Doc struct {
	Path    string `json:"path"`
	Excerpt string `json:"excerpt"`
	Score   int    `json:"score"`
}

const (
	maxFileSize  = 64 * 1024
	excerptLines = 40
)

var wordRe = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]{2,}`)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "are": true, "not": true, "was": true, "should": true,
	"when": true, "from": true, "assert": true, "def": true, "return": true,
}

// Build ranks the working copy's text files against the ticket and the
// extracted signals and returns the topK excerpts, plus any docs/*.md.
// Deterministic: ties break on path order.
func Build(dir, ticket string, signals []signal.Signal, topK int) ([]Doc, error) {
	if topK <= 0 {
		topK = 5
	}
	terms := queryTerms(ticket, signals)

	var scored []Doc
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileSize {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if !textFile(rel) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		content := string(data)
		score := scoreContent(rel, content, terms)
		if score > 0 {
			scored = append(scored, Doc{Path: rel, Excerpt: excerpt(content, terms), Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Path < scored[j].Path
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}

	docs, err := projectDocs(dir, scored)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// projectDocs appends docs/*.md not already selected.
func projectDocs(dir string, selected []Doc) ([]Doc, error) {
	have := make(map[string]bool, len(selected))
	for _, d := range selected {
		have[d.Path] = true
	}
	matches, err := filepath.Glob(filepath.Join(dir, "docs", "*.md"))
	if err != nil {
		return selected, nil
	}
	sort.Strings(matches)
	for _, m := range matches {
		rel, err := filepath.Rel(dir, m)
		if err != nil || have[rel] {
			continue
		}
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		selected = append(selected, Doc{Path: rel, Excerpt: headLines(string(data), excerptLines)})
	}
	return selected, nil
}

func queryTerms(ticket string, signals []signal.Signal) []string {
	text := ticket
	for _, s := range signals {
		text += " " + s.Summary
	}
	seen := make(map[string]bool)
	var terms []string
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

func scoreContent(rel, content string, terms []string) int {
	lower := strings.ToLower(content)
	base := strings.ToLower(filepath.Base(rel))
	score := 0
	for _, t := range terms {
		score += strings.Count(lower, t)
		if strings.Contains(base, t) {
			score += 5
		}
	}
	return score
}

// excerpt returns a window of lines around the first term hit, or the head
// of the file when nothing matches.
func excerpt(content string, terms []string) string {
	lines := strings.Split(content, "\n")
	hit := -1
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, t := range terms {
			if strings.Contains(lower, t) {
				hit = i
				break
			}
		}
		if hit >= 0 {
			break
		}
	}
	if hit < 0 {
		return headLines(content, excerptLines)
	}
	start := hit - excerptLines/2
	if start < 0 {
		start = 0
	}
	end := start + excerptLines
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n")
}

func headLines(content string, n int) string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

func textFile(rel string) bool {
	switch filepath.Ext(rel) {
	case ".py", ".go", ".js", ".ts", ".rs", ".rb", ".java", ".md", ".txt",
		".yml", ".yaml", ".toml", ".json", ".cfg", ".ini", ".sh":
		return true
	}
	return false
}
