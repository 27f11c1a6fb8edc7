package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// devNull marks file creation in diff headers.
const devNull = "/dev/null"

type hunk struct {
	oldStart int
	oldCount int
	newStart int
	newCount int
	lines    []string // marker-prefixed: ' ', '-', '+'
}

type fileDiff struct {
	oldPath string // a/-stripped, or /dev/null for new files
	newPath string
	hunks   []hunk
}

// parseDiff parses unified diff text. Declared hunk counts are ignored in
// favour of the actual line markers; a hunk appearing before any file
// header is a hard error.
func parseDiff(text string) ([]fileDiff, error) {
	var files []fileDiff
	var cur *fileDiff
	var pendingOld string
	sawOld := false

	flush := func() {
		if cur != nil {
			files = append(files, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "diff ") || strings.HasPrefix(line, "index "):
			// git framing, carried for readability only
		case strings.HasPrefix(line, "--- "):
			flush()
			pendingOld = stripPrefix(strings.TrimSpace(line[4:]), "a/")
			sawOld = true
		case strings.HasPrefix(line, "+++ "):
			if !sawOld {
				return nil, fmt.Errorf("+++ header without preceding --- header")
			}
			cur = &fileDiff{
				oldPath: pendingOld,
				newPath: stripPrefix(strings.TrimSpace(line[4:]), "b/"),
			}
			sawOld = false
		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				return nil, fmt.Errorf("hunk header before any file header")
			}
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			cur.hunks = append(cur.hunks, h)
		case len(line) > 0 && (line[0] == ' ' || line[0] == '-' || line[0] == '+'):
			if cur == nil || len(cur.hunks) == 0 {
				if sawOld {
					continue // between --- and +++, stray content
				}
				continue // prose outside any hunk
			}
			cur.hunks[len(cur.hunks)-1].lines = append(cur.hunks[len(cur.hunks)-1].lines, line)
		case line == "" || line == `\ No newline at end of file`:
			// blank separators and newline markers
		}
	}
	flush()

	if len(files) == 0 {
		return nil, fmt.Errorf("no file diffs found")
	}
	for i := range files {
		if len(files[i].hunks) == 0 {
			return nil, fmt.Errorf("file %s has no hunks", files[i].newPath)
		}
		recount(&files[i])
	}
	return files, nil
}

func parseHunkHeader(line string) (hunk, error) {
	var h hunk
	// @@ -oldStart[,oldCount] +newStart[,newCount] @@ [section]
	rest := strings.TrimPrefix(line, "@@")
	end := strings.Index(rest, "@@")
	if end < 0 {
		return h, fmt.Errorf("malformed hunk header %q", line)
	}
	fields := strings.Fields(rest[:end])
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return h, fmt.Errorf("malformed hunk header %q", line)
	}
	var err error
	if h.oldStart, h.oldCount, err = parseRange(fields[0][1:]); err != nil {
		return h, fmt.Errorf("malformed hunk header %q: %w", line, err)
	}
	if h.newStart, h.newCount, err = parseRange(fields[1][1:]); err != nil {
		return h, fmt.Errorf("malformed hunk header %q: %w", line, err)
	}
	return h, nil
}

func parseRange(s string) (start, count int, err error) {
	count = 1
	if i := strings.Index(s, ","); i >= 0 {
		if _, err = fmt.Sscanf(s[i+1:], "%d", &count); err != nil {
			return 0, 0, err
		}
		s = s[:i]
	}
	if _, err = fmt.Sscanf(s, "%d", &start); err != nil {
		return 0, 0, err
	}
	return start, count, nil
}

// recount rewrites every hunk's declared counts from its actual lines.
// Model output routinely gets these wrong.
func recount(fd *fileDiff) {
	for i := range fd.hunks {
		oldN, newN := 0, 0
		for _, line := range fd.hunks[i].lines {
			switch line[0] {
			case ' ':
				oldN++
				newN++
			case '-':
				oldN++
			case '+':
				newN++
			}
		}
		fd.hunks[i].oldCount = oldN
		fd.hunks[i].newCount = newN
	}
}

func render(files []fileDiff) string {
	var b strings.Builder
	for _, fd := range files {
		oldHeader := fd.oldPath
		if oldHeader != devNull {
			oldHeader = "a/" + oldHeader
		}
		fmt.Fprintf(&b, "--- %s\n+++ b/%s\n", oldHeader, fd.newPath)
		for _, h := range fd.hunks {
			fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.oldStart, h.oldCount, h.newStart, h.newCount)
			for _, line := range h.lines {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

// Sanitize cleans up a model-produced diff: strips <patch> wrappers, code
// fences, and leading prose, then reparses and re-renders with recomputed
// hunk counts. Text that cannot be parsed is returned stripped but
// otherwise untouched so Validate can report on it.
func Sanitize(raw string) string {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "<patch>")
	text = strings.TrimSuffix(text, "</patch>")
	text = strings.TrimSpace(text)

	var kept []string
	inFence := false
	started := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if !started {
			if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "diff ") {
				started = true
			} else {
				continue
			}
		}
		kept = append(kept, line)
	}
	cleaned := strings.Join(kept, "\n")
	if cleaned == "" {
		cleaned = text
	}

	files, err := parseDiff(cleaned)
	if err != nil {
		return cleaned
	}
	return render(files)
}

// Validate checks that text is syntactically a unified diff and that every
// file it touches exists in the working copy (new files excepted). The
// returned error text is suitable for an invalid_patch artifact.
func Validate(text, workdir string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty diff")
	}
	files, err := parseDiff(text)
	if err != nil {
		return err
	}
	for _, fd := range files {
		path := fd.oldPath
		if path == devNull {
			path = fd.newPath
			if path == devNull {
				return fmt.Errorf("diff deletes and creates nothing")
			}
			continue // new file, nothing to check on disk
		}
		if !filepath.IsLocal(path) {
			return fmt.Errorf("path %q escapes the working copy", path)
		}
		if _, err := os.Stat(filepath.Join(workdir, path)); err != nil {
			return fmt.Errorf("diff references %s which does not exist in the working copy", path)
		}
	}
	return nil
}

// GenerateFile builds a unified diff for a single file edit. Identical
// contents yield an empty string.
func GenerateFile(path, oldContent, newContent string) string {
	if oldContent == newContent {
		return ""
	}
	oldLines := splitKeepFinal(oldContent)
	newLines := splitKeepFinal(newContent)

	if oldContent == "" {
		h := hunk{oldStart: 0, oldCount: 0, newStart: 1, newCount: len(newLines)}
		for _, l := range newLines {
			h.lines = append(h.lines, "+"+l)
		}
		return render([]fileDiff{{oldPath: devNull, newPath: path, hunks: []hunk{h}}})
	}

	// Trim the common prefix and suffix, then emit one hunk with up to
	// three context lines on each side.
	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	const ctx = 3
	ctxBefore := prefix
	if ctxBefore > ctx {
		ctxBefore = ctx
	}
	ctxAfter := suffix
	if ctxAfter > ctx {
		ctxAfter = ctx
	}

	h := hunk{oldStart: prefix - ctxBefore + 1, newStart: prefix - ctxBefore + 1}
	for i := prefix - ctxBefore; i < prefix; i++ {
		h.lines = append(h.lines, " "+oldLines[i])
	}
	for i := prefix; i < len(oldLines)-suffix; i++ {
		h.lines = append(h.lines, "-"+oldLines[i])
	}
	for i := prefix; i < len(newLines)-suffix; i++ {
		h.lines = append(h.lines, "+"+newLines[i])
	}
	for i := len(oldLines) - suffix; i < len(oldLines)-suffix+ctxAfter; i++ {
		h.lines = append(h.lines, " "+oldLines[i])
	}

	fd := fileDiff{oldPath: path, newPath: path, hunks: []hunk{h}}
	recount(&fd)
	return render([]fileDiff{fd})
}

// ChangedFiles lists the target paths a diff touches, from its +++ headers.
func ChangedFiles(text string) []string {
	var files []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "+++ ") {
			p := stripPrefix(strings.TrimSpace(line[4:]), "b/")
			if p != devNull {
				files = append(files, p)
			}
		}
	}
	return files
}

func stripPrefix(s, prefix string) string {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):]
	}
	return s
}

// splitKeepFinal splits content into lines without the trailing empty
// element a final newline would produce.
func splitKeepFinal(content string) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
