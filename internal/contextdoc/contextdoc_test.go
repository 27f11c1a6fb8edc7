package contextdoc

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/patchpilot/patchpilot/internal/signal"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func fixture(t *testing.T) string {
	dir := t.TempDir()
	write(t, dir, "pricing.py", "def discounted_total_cents(total_cents, percent):\n    return int(total_cents * (100 - percent) / 100)\n")
	write(t, dir, "cart.py", "def add_item(cart, item):\n    cart.append(item)\n")
	write(t, dir, "tests/test_pricing.py", "from pricing import discounted_total_cents\n\ndef test_discount():\n    assert discounted_total_cents(995, 10) == 896\n")
	write(t, dir, "docs/pricing.md", "# Pricing rules\nDiscounts round half-up to the nearest cent.\n")
	write(t, dir, "image.bin", "\x00\x01\x02")
	return dir
}

func TestBuildRanksRelevantFilesFirst(t *testing.T) {
	dir := fixture(t)
	signals := []signal.Signal{{Kind: signal.KindTestFailure, Summary: "assert 895 == 896"}}
	docs, err := Build(dir, "discounted total is one cent off", signals, 2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(docs) == 0 {
		t.Fatal("no docs returned")
	}
	if docs[0].Path != "pricing.py" && docs[0].Path != filepath.Join("tests", "test_pricing.py") {
		t.Errorf("top doc = %q, want a pricing file", docs[0].Path)
	}
	for _, d := range docs {
		if d.Path == "image.bin" {
			t.Error("binary file included in context")
		}
	}
}

func TestBuildIncludesProjectDocs(t *testing.T) {
	dir := fixture(t)
	docs, err := Build(dir, "discount rounding", nil, 2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	found := false
	for _, d := range docs {
		if d.Path == filepath.Join("docs", "pricing.md") {
			found = true
			if !strings.Contains(d.Excerpt, "half-up") {
				t.Error("doc excerpt missing content")
			}
		}
	}
	if !found {
		t.Errorf("docs/pricing.md not included: %+v", docs)
	}
}

func TestBuildDeterministic(t *testing.T) {
	dir := fixture(t)
	signals := []signal.Signal{{Kind: signal.KindTestFailure, Summary: "assert 895 == 896"}}
	a, err := Build(dir, "discount bug", signals, 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := Build(dir, "discount bug", signals, 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("same inputs produced different context")
	}
}

func TestBuildRespectsTopK(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.py", "b.py", "c.py", "d.py"} {
		write(t, dir, name, "def discount():\n    pass\n")
	}
	docs, err := Build(dir, "discount", nil, 2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("got %d docs, want 2", len(docs))
	}
	// Tie scores break on path order.
	if docs[0].Path != "a.py" || docs[1].Path != "b.py" {
		t.Errorf("tie-break order wrong: %+v", docs)
	}
}

func TestBuildEmptyWorkspace(t *testing.T) {
	docs, err := Build(t.TempDir(), "anything", nil, 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("expected no docs, got %+v", docs)
	}
}
