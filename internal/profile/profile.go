package profile

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the per-workspace profile file.
const FileName = ".patchpilot.yml"

// Profile holds the verification commands for a workspace. Commands run via
// sh -c in the working copy root; empty Post falls back to Baseline, empty
// Smoke means no smoke step.
type Profile struct {
	Language  string `yaml:"language,omitempty"`
	Preflight string `yaml:"preflight"`
	Baseline  string `yaml:"baseline"`
	Post      string `yaml:"post,omitempty"`
	Smoke     string `yaml:"smoke,omitempty"`
}

// PostCommand returns the re-verification command, falling back to the
// baseline command when no dedicated post command is configured.
func (p *Profile) PostCommand() string {
	if p.Post != "" {
		return p.Post
	}
	return p.Baseline
}

// Load returns the workspace's profile: the explicit .patchpilot.yml when
// present, otherwise one auto-detected from the tree's language markers.
func Load(dir string) (*Profile, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err == nil {
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse %s: %w", FileName, err)
		}
		if p.Baseline == "" {
			return nil, fmt.Errorf("%s: baseline command is required", FileName)
		}
		return &p, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Detect(dir)
}

// Detect infers a profile from well-known project files.
func Detect(dir string) (*Profile, error) {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}
	switch {
	case exists("go.mod"):
		return &Profile{
			Language:  "go",
			Preflight: "go build ./...",
			Baseline:  "go test ./...",
		}, nil
	case exists("Cargo.toml"):
		return &Profile{
			Language:  "rust",
			Preflight: "cargo build -q",
			Baseline:  "cargo test -q",
		}, nil
	case exists("package.json"):
		return &Profile{
			Language:  "node",
			Preflight: "npm install --no-audit --no-fund",
			Baseline:  "npm test --silent",
		}, nil
	case exists("pyproject.toml") || exists("requirements.txt") || hasPython(dir):
		return &Profile{
			Language:  "python",
			Preflight: "python -m compileall -q .",
			Baseline:  "python -m pytest -q",
		}, nil
	}
	return nil, fmt.Errorf("no %s and no recognisable project files in %s", FileName, dir)
}

func hasPython(dir string) bool {
	matches, err := filepath.Glob(filepath.Join(dir, "*.py"))
	if err == nil && len(matches) > 0 {
		return true
	}
	matches, err = filepath.Glob(filepath.Join(dir, "*", "*.py"))
	return err == nil && len(matches) > 0
}
