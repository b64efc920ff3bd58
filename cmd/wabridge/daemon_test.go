package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderSystemdUnit(t *testing.T) {
	unit := renderSystemdUnit("/usr/local/bin/wabridge", "/srv/bridge", []string{"run", "--config", "/etc/wabridge.yaml"})

	if !strings.Contains(unit, "ExecStart=/usr/local/bin/wabridge run --config /etc/wabridge.yaml\n") {
		t.Errorf("unexpected ExecStart:\n%s", unit)
	}
	if !strings.Contains(unit, "WorkingDirectory=/srv/bridge\n") {
		t.Errorf("unexpected WorkingDirectory:\n%s", unit)
	}
	if strings.Contains(unit, "{{") {
		t.Errorf("unreplaced placeholder:\n%s", unit)
	}
}

func TestServiceArgs_CarriesFlags(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgFile, []byte("relay:\n  triggerPrefix: '!bot'\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	oldCfg, oldEnv := configPath, envFiles
	t.Cleanup(func() { configPath, envFiles = oldCfg, oldEnv })
	configPath = cfgFile
	envFiles = []string{filepath.Join(dir, "prod.env")}

	got := strings.Join(serviceArgs(), " ")
	want := "run --config " + cfgFile + " --env-file " + filepath.Join(dir, "prod.env")
	if got != want {
		t.Errorf("serviceArgs = %q, want %q", got, want)
	}
}

func TestResolveConfigPath_Explicit(t *testing.T) {
	old := configPath
	t.Cleanup(func() { configPath = old })
	configPath = "/tmp/custom.yaml"

	if got := resolveConfigPath(); got != "/tmp/custom.yaml" {
		t.Errorf("resolveConfigPath = %q", got)
	}
}
