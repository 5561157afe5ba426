package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestStoreAndGetAppContext(t *testing.T) {
	original := globalAppContext
	defer func() {
		globalAppContext = original
	}()

	cmd := &cobra.Command{Use: "root"}
	appCtx := &AppContext{Config: testConfig()}

	storeAppContext(cmd, appCtx)

	if got := getAppContext(cmd); got != appCtx {
		t.Fatalf("expected stored app context to be returned")
	}
	if got := getAppContext(&cobra.Command{Use: "other"}); got != appCtx {
		t.Fatalf("expected global fallback for commands without context")
	}
}

func TestReadConfigFile_Explicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanner.yaml")
	if err := os.WriteFile(path, []byte("broker:\n  host: mqtt.lab\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	if err := readConfigFile(v, path); err != nil {
		t.Fatalf("readConfigFile: %v", err)
	}
	if got := v.GetString("broker.host"); got != "mqtt.lab" {
		t.Errorf("expected broker.host from file, got %q", got)
	}
}

func TestReadConfigFile_ExplicitMissing(t *testing.T) {
	v := viper.New()
	if err := readConfigFile(v, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestReadConfigFile_HomeOptional(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if err := readConfigFile(viper.New(), ""); err != nil {
		t.Fatalf("missing home config should be ignored, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		l, err := newLogger(verbose)
		if err != nil {
			t.Fatalf("newLogger(%v): %v", verbose, err)
		}
		if got := l.Core().Enabled(-1); got != verbose {
			t.Errorf("debug enabled = %v for verbose=%v", got, verbose)
		}
	}
}

func TestRootRegistersCommands(t *testing.T) {
	want := []string{"capture", "analyze", "compare", "clients", "history", "scan", "serve", "info", "version"}
	for _, name := range want {
		found, _, err := rootCmd.Find([]string{name})
		if err != nil || found.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}
