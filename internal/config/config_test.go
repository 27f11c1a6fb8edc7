package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchpilot.yaml")
	content := "data_dir: " + dir + "\nworkers: 4\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Workers)
	}
	if cfg.MaxRegenerates != 3 {
		t.Errorf("max_regenerates default = %d, want 3", cfg.MaxRegenerates)
	}
	if cfg.DBPath != filepath.Join(dir, "patchpilot.db") {
		t.Errorf("db_path = %q", cfg.DBPath)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.CheckTimeoutDuration() != 2*time.Minute {
		t.Errorf("check timeout = %s", cfg.CheckTimeoutDuration())
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte(":\n  - ["), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if errs := Validate(Default()); len(errs) != 0 {
		t.Errorf("default config invalid: %v", errs)
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	cfg := Default()
	cfg.Workers = 0
	cfg.CheckTimeout = "soon"
	cfg.Model.Endpoint = ""

	errs := Validate(cfg)
	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{"workers", "check_timeout", "model.endpoint"} {
		if !fields[want] {
			t.Errorf("no validation error for %s: %v", want, errs)
		}
	}
}

func TestTimeoutFallbacks(t *testing.T) {
	cfg := &Config{CheckTimeout: "nonsense", SmokeTimeout: "nonsense"}
	if cfg.CheckTimeoutDuration() != 2*time.Minute {
		t.Errorf("check fallback = %s", cfg.CheckTimeoutDuration())
	}
	if cfg.SmokeTimeoutDuration() != 30*time.Second {
		t.Errorf("smoke fallback = %s", cfg.SmokeTimeoutDuration())
	}
}
