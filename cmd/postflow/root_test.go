package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("POSTFLOW_TEST_TOKEN=from-file\nPOSTFLOW_TEST_KEEP=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POSTFLOW_TEST_KEEP", "from-env")
	t.Setenv("POSTFLOW_TEST_TOKEN", "")
	os.Unsetenv("POSTFLOW_TEST_TOKEN")

	if err := loadEnv(path, true); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("POSTFLOW_TEST_TOKEN"); got != "from-file" {
		t.Fatalf("token = %q", got)
	}
	if got := os.Getenv("POSTFLOW_TEST_KEEP"); got != "from-env" {
		t.Fatalf("process env overridden: %q", got)
	}

	missing := filepath.Join(dir, "missing.env")
	if err := loadEnv(missing, false); err != nil {
		t.Fatalf("default missing file: %v", err)
	}
	if err := loadEnv(missing, true); err == nil {
		t.Fatal("explicit missing file accepted")
	}
}

func TestSweepCommandPrintsReports(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "postflow.yaml")
	body := "logging:\n  level: error\nstorage:\n  driver: memory\nplatforms:\n  dryrun:\n    enabled: true\n"
	if err := os.WriteFile(cfg, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sweep", "--config", cfg, "--env-file", ""})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"sweep"`) || !strings.Contains(out.String(), `"due": 0`) {
		t.Fatalf("output = %s", out.String())
	}
}
