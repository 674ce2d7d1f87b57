package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
version: "v1"
kernel:
  repl_in_addr: "ws://127.0.0.1:2000/in"
  repl_out_addr: "ws://127.0.0.1:2001/out"
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.API.ListenAddr != DefaultListenAddr {
		t.Errorf("unexpected listen addr: %s", cfg.API.ListenAddr)
	}
	if cfg.Kernel.FlushTimeout != DefaultFlushTimeout {
		t.Errorf("unexpected flush timeout: %s", cfg.Kernel.FlushTimeout)
	}
	if len(cfg.Kernel.ClientFeatures) != 2 {
		t.Errorf("unexpected client features: %v", cfg.Kernel.ClientFeatures)
	}
	if cfg.Docker.ReplInPort != DefaultReplInPort || cfg.Docker.ReplOutPort != DefaultReplOutPort {
		t.Errorf("unexpected docker ports: %d/%d", cfg.Docker.ReplInPort, cfg.Docker.ReplOutPort)
	}
}

func TestParseRejectsNegativeExecTimeout(t *testing.T) {
	_, err := Parse([]byte(`
kernel:
  repl_in_addr: "ws://127.0.0.1:2000/in"
  repl_out_addr: "ws://127.0.0.1:2001/out"
  exec_timeout: -5s
`))
	if err == nil || !strings.Contains(err.Error(), "exec_timeout") {
		t.Fatalf("expected exec_timeout error, got %v", err)
	}
}

func TestParseRequiresAddrsWithoutDocker(t *testing.T) {
	_, err := Parse([]byte(`version: "v1"`))
	if err == nil || !strings.Contains(err.Error(), "repl_in_addr") {
		t.Fatalf("expected repl addr error, got %v", err)
	}
}

func TestParseDockerValidation(t *testing.T) {
	_, err := Parse([]byte(`
docker:
  enabled: true
`))
	if err == nil || !strings.Contains(err.Error(), "docker.image") {
		t.Fatalf("expected docker.image error, got %v", err)
	}

	_, err = Parse([]byte(`
docker:
  enabled: true
  image: "kestrel-kernel-python:3.12"
  repl_in_port: 2000
  repl_out_port: 2000
`))
	if err == nil || !strings.Contains(err.Error(), "ports must differ") {
		t.Fatalf("expected port clash error, got %v", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	td := t.TempDir()
	path := filepath.Join(td, "agent.yaml")
	content := `
version: "v1"
api:
  listen_addr: "127.0.0.1:7070"
log:
  level: debug
kernel:
  repl_in_addr: "ws://127.0.0.1:2000/in"
  repl_out_addr: "ws://127.0.0.1:2001/out"
  exec_timeout: 30s
  flush_timeout: 500ms
  client_features: ["continuation"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Kernel.ExecTimeout != Duration(30*time.Second) {
		t.Errorf("unexpected exec timeout: %s", cfg.Kernel.ExecTimeout)
	}
	if cfg.Kernel.FlushTimeout != Duration(500*time.Millisecond) {
		t.Errorf("unexpected flush timeout: %s", cfg.Kernel.FlushTimeout)
	}
	if len(cfg.Kernel.ClientFeatures) != 1 || cfg.Kernel.ClientFeatures[0] != "continuation" {
		t.Errorf("unexpected client features: %v", cfg.Kernel.ClientFeatures)
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	cfg, err := Parse([]byte(`
kernel:
  repl_in_addr: "ws://127.0.0.1:2000/in"
  repl_out_addr: "ws://127.0.0.1:2001/out"
  exec_timeout: 60
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Kernel.ExecTimeout != Duration(60*time.Second) {
		t.Errorf("unexpected exec timeout: %s", cfg.Kernel.ExecTimeout)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte(`
kernel:
  repl_in_addr: "ws://127.0.0.1:2000/in"
  repl_out_addr: "ws://127.0.0.1:2001/out"
  exec_timeout: soon
`))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
