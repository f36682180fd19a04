package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cronkeep.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("CK_TEST_DB", "/tmp/ck.db")

	path := writeConfig(t, `version: "1"
modules:
  store.sqlite:
    path: ${CK_TEST_DB}
  scheduler:
    tick: ${CK_TEST_TICK:-15s}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != "1" {
		t.Errorf("Version = %q", cfg.Version)
	}

	store := cfg.Modules["store.sqlite"]
	var sc struct {
		Path string `yaml:"path"`
	}
	if err := store.Decode(&sc); err != nil {
		t.Fatal(err)
	}
	if sc.Path != "/tmp/ck.db" {
		t.Errorf("path = %q", sc.Path)
	}

	sched := cfg.Modules["scheduler"]
	var sch struct {
		Tick string `yaml:"tick"`
	}
	if err := sched.Decode(&sch); err != nil {
		t.Fatal(err)
	}
	if sch.Tick != "15s" {
		t.Errorf("tick = %q, want default 15s", sch.Tick)
	}
}

func TestLoad_UnresolvedVariable(t *testing.T) {
	path := writeConfig(t, `version: "1"
modules:
  store.postgres:
    dsn: ${CK_TEST_SURELY_UNSET_DSN}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unresolved variable")
	}
	if !strings.Contains(err.Error(), "CK_TEST_SURELY_UNSET_DSN") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_UnresolvedVariableLines(t *testing.T) {
	path := writeConfig(t, `version: "1"
modules:
  store.postgres:
    dsn: ${CK_TEST_UNSET_ONE}
  gateway.http:
    bind: ${CK_TEST_UNSET_TWO}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unresolved variables")
	}
	for _, want := range []string{"line 4: unresolved variable: CK_TEST_UNSET_ONE", "line 6: unresolved variable: CK_TEST_UNSET_TWO"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not contain %q", err, want)
		}
	}
}

func TestParse_EscapedVariable(t *testing.T) {
	t.Setenv("CK_TEST_HOME", "/home/ck")

	cfg, err := Parse([]byte(`version: "1"
modules:
  scheduler:
    shell: "$${CK_TEST_HOME}/bin/sh ${CK_TEST_HOME}"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	node := cfg.Modules["scheduler"]
	var sc struct {
		Shell string `yaml:"shell"`
	}
	if err := node.Decode(&sc); err != nil {
		t.Fatal(err)
	}
	if want := "${CK_TEST_HOME}/bin/sh /home/ck"; sc.Shell != want {
		t.Errorf("shell = %q, want %q", sc.Shell, want)
	}
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", "empty file"},
		{"comment only", "# nothing here\n", "empty file"},
		{"misspelled modules", "version: \"1\"\nmodule:\n  scheduler: {}\n", "module"},
		{"two documents", "version: \"1\"\n---\nversion: \"1\"\n", "more than one YAML document"},
		{"bad yaml", "version: [", "parsing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.raw))
			if err == nil {
				t.Fatalf("Parse(%q) succeeded", tt.raw)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
