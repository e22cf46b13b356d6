package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	Addr     string        `split_words:"true" default:":8080"`
	Backend  string        `split_words:"true" default:"memory"`
	Interval time.Duration `split_words:"true" default:"15s"`
}

func TestNewReadsDotenvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.env")
	if err := os.WriteFile(path, []byte("CFGTEST_ADDR=:9090\nCFGTEST_INTERVAL=30s\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("CFGTEST_ADDR")
		os.Unsetenv("CFGTEST_INTERVAL")
		SetEnvFile("")
	})

	SetEnvFile(path)
	conf, err := New[testConfig]("CFGTEST")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if conf.Addr != ":9090" {
		t.Fatalf("Addr = %q, want :9090", conf.Addr)
	}
	if conf.Interval != 30*time.Second {
		t.Fatalf("Interval = %v, want 30s", conf.Interval)
	}
	if conf.Backend != "memory" {
		t.Fatalf("Backend = %q, want default memory", conf.Backend)
	}
}

func TestNewReadsYAMLWithoutOverridingProcessEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	body := "cfgyaml_addr: \":7070\"\ncfgyaml_backend: badger\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("CFGYAML_BACKEND", "upstash")
	t.Cleanup(func() {
		os.Unsetenv("CFGYAML_ADDR")
		SetEnvFile("")
	})

	SetEnvFile(path)
	conf, err := New[testConfig]("CFGYAML")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if conf.Addr != ":7070" {
		t.Fatalf("Addr = %q, want :7070", conf.Addr)
	}
	if conf.Backend != "upstash" {
		t.Fatalf("Backend = %q, want process env upstash", conf.Backend)
	}
}

func TestNewMissingFileFails(t *testing.T) {
	t.Cleanup(func() { SetEnvFile("") })

	SetEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	if _, err := New[testConfig]("CFGMISSING"); err == nil {
		t.Fatal("New() error = nil, want missing file error")
	}
}
