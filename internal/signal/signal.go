package signal

import (
	"regexp"
	"strings"

	"github.com/patchpilot/patchpilot/internal/checks"
)

// Signal kinds.
const (
	KindTestFailure = "test_failure"
	KindSyntax      = "syntax"
	KindRuntime     = "runtime"
	KindLint        = "lint"
	KindTimeout     = "timeout"
)

// Signal is one classified failure observation from check output.
type Signal struct {
	Kind    string `json:"kind"`
	Summary string `json:"summary"`
	Detail  string `json:"detail,omitempty"`
}

var (
	pytestFailed = regexp.MustCompile(`^FAILED\s+(\S+)(?:\s+-\s+(.*))?$`)
	assertExpr   = regexp.MustCompile(`assert\s+.+`)
	goFail       = regexp.MustCompile(`^--- FAIL:\s+(\S+)`)
	syntaxErr    = regexp.MustCompile(`(SyntaxError|IndentationError|syntax error)[:\s]?(.*)`)
	runtimeErr   = regexp.MustCompile(`^\s*(ModuleNotFoundError|ImportError|NameError|AttributeError|TypeError|ValueError|KeyError|ZeroDivisionError|panic):\s*(.*)`)
	lintCode     = regexp.MustCompile(`^\S+:\d+:\d+:?\s+([EWF]\d{1,4})\s+(.*)`)
)

// Extract classifies check output into an ordered, deduplicated signal
// list. It is pure: the same result always yields the same signals, in
// first-occurrence order. A timed-out check yields exactly one timeout
// signal and nothing else.
func Extract(res *checks.Result) []Signal {
	if res.TimedOut {
		return []Signal{{
			Kind:    KindTimeout,
			Summary: "check command exceeded its time limit",
			Detail:  res.Command,
		}}
	}

	var signals []Signal
	seen := make(map[string]bool)
	add := func(kind, summary, detail string) {
		key := kind + "\x00" + summary
		if summary == "" || seen[key] {
			return
		}
		seen[key] = true
		signals = append(signals, Signal{Kind: kind, Summary: summary, Detail: detail})
	}

	for _, line := range splitLines(res.Stdout, res.Stderr) {
		trimmed := strings.TrimSpace(line)
		switch {
		case pytestFailed.MatchString(trimmed):
			m := pytestFailed.FindStringSubmatch(trimmed)
			summary := m[2]
			if summary == "" {
				summary = "test failed: " + m[1]
			}
			add(KindTestFailure, summary, trimmed)
		case goFail.MatchString(trimmed):
			m := goFail.FindStringSubmatch(trimmed)
			add(KindTestFailure, "test failed: "+m[1], trimmed)
		case syntaxErr.MatchString(trimmed):
			add(KindSyntax, trimmed, "")
		case runtimeErr.MatchString(trimmed):
			add(KindRuntime, trimmed, "")
		case lintCode.MatchString(trimmed):
			m := lintCode.FindStringSubmatch(trimmed)
			add(KindLint, m[1]+" "+m[2], trimmed)
		case strings.Contains(trimmed, "AssertionError"):
			add(KindTestFailure, trimmed, "")
		case assertExpr.MatchString(trimmed) && strings.HasPrefix(trimmed, "E "):
			// pytest detail lines: "E       assert 895 == 896"
			add(KindTestFailure, assertExpr.FindString(trimmed), "")
		}
	}
	return signals
}

// HasKind reports whether any signal has the given kind.
func HasKind(signals []Signal, kind string) bool {
	for _, s := range signals {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

func splitLines(chunks ...string) []string {
	var lines []string
	for _, c := range chunks {
		if c == "" {
			continue
		}
		lines = append(lines, strings.Split(c, "\n")...)
	}
	return lines
}
