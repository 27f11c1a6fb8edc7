package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ApplyResult summarises a successful patch application.
type ApplyResult struct {
	ChangedFiles []string `json:"changed_files"`
	CreatedFiles []string `json:"created_files,omitempty"`
	Hunks        int      `json:"hunks"`
}

// ConflictError marks a patch that is well-formed but does not fit the
// working copy. It is regenerate-eligible, unlike an infrastructure error.
type ConflictError struct {
	Path   string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("apply conflict in %s: %s", e.Path, e.Detail)
}

// Apply applies a unified diff to the working copy. The whole diff is
// materialised in memory before any file is written, so a conflict in a
// later file leaves the tree untouched.
func Apply(workdir, text string) (*ApplyResult, error) {
	files, err := parseDiff(text)
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}

	type pending struct {
		path    string
		content string
		created bool
	}
	var writes []pending
	result := &ApplyResult{}

	for _, fd := range files {
		if fd.oldPath == devNull {
			if !filepath.IsLocal(fd.newPath) {
				return nil, &ConflictError{Path: fd.newPath, Detail: "path escapes the working copy"}
			}
			if _, err := os.Stat(filepath.Join(workdir, fd.newPath)); err == nil {
				return nil, &ConflictError{Path: fd.newPath, Detail: "new file already exists"}
			}
			var b strings.Builder
			for _, h := range fd.hunks {
				for _, line := range h.lines {
					if line[0] == '+' {
						b.WriteString(line[1:])
						b.WriteByte('\n')
					}
				}
			}
			writes = append(writes, pending{path: fd.newPath, content: b.String(), created: true})
			result.Hunks += len(fd.hunks)
			continue
		}

		if !filepath.IsLocal(fd.oldPath) {
			return nil, &ConflictError{Path: fd.oldPath, Detail: "path escapes the working copy"}
		}
		data, err := os.ReadFile(filepath.Join(workdir, fd.oldPath))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &ConflictError{Path: fd.oldPath, Detail: "file does not exist"}
			}
			return nil, fmt.Errorf("read %s: %w", fd.oldPath, err)
		}
		hadFinalNewline := strings.HasSuffix(string(data), "\n")
		lines := splitKeepFinal(string(data))

		offset := 0
		for _, h := range fd.hunks {
			pos, err := locateHunk(lines, h, h.oldStart-1+offset)
			if err != nil {
				return nil, &ConflictError{Path: fd.oldPath, Detail: err.Error()}
			}
			var replaced []string
			for _, line := range h.lines {
				if line[0] != '-' {
					replaced = append(replaced, line[1:])
				}
			}
			var next []string
			next = append(next, lines[:pos]...)
			next = append(next, replaced...)
			next = append(next, lines[pos+h.oldCount:]...)
			offset += len(replaced) - h.oldCount
			lines = next
			result.Hunks++
		}

		content := strings.Join(lines, "\n")
		if hadFinalNewline && content != "" {
			content += "\n"
		}
		writes = append(writes, pending{path: fd.newPath, content: content})
	}

	for _, w := range writes {
		full := filepath.Join(workdir, w.path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir for %s: %w", w.path, err)
		}
		if err := os.WriteFile(full, []byte(w.content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", w.path, err)
		}
		if w.created {
			result.CreatedFiles = append(result.CreatedFiles, w.path)
		}
		result.ChangedFiles = append(result.ChangedFiles, w.path)
	}
	return result, nil
}

// locateHunk finds where a hunk's old lines sit in the file. The declared
// position is tried first, then the rest of the file; the match must be
// unique anywhere else.
func locateHunk(lines []string, h hunk, want int) (int, error) {
	var oldBody []string
	for _, line := range h.lines {
		if line[0] == ' ' || line[0] == '-' {
			oldBody = append(oldBody, line[1:])
		}
	}
	matches := func(pos int) bool {
		if pos < 0 || pos+len(oldBody) > len(lines) {
			return false
		}
		for i, l := range oldBody {
			if lines[pos+i] != l {
				return false
			}
		}
		return true
	}
	if matches(want) {
		return want, nil
	}
	found := -1
	for pos := 0; pos+len(oldBody) <= len(lines); pos++ {
		if matches(pos) {
			if found >= 0 {
				return 0, fmt.Errorf("hunk context is ambiguous")
			}
			found = pos
		}
	}
	if found < 0 {
		return 0, fmt.Errorf("hunk context not found near line %d", want+1)
	}
	return found, nil
}
