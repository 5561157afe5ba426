package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hanepo/MQTTScanner/internal/registry"
	"github.com/spf13/cobra"
)

// newClientsCommand returns a command carrying the --scan flag so the
// registry is filled before the query runs.
func newClientsCommand(appCtx *AppContext) (*cobra.Command, *bytes.Buffer) {
	cmd, out := newTestCommand(appCtx)
	cmd.Flags().Bool("scan", true, "")
	return cmd, out
}

func TestClientsList(t *testing.T) {
	appCtx := setupTestAppContext(t)
	cmd, out := newClientsCommand(appCtx)

	if err := clientsListCmd.RunE(cmd, nil); err != nil {
		t.Fatalf("clients list: %v", err)
	}
	output := out.String()
	for _, want := range []string{"esp32-secure", "esp32-insecure", "dashboard-scanner", registry.RolePublisherOnly, registry.RoleSubscriberOnly} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestClientsList_EmptyRegistry(t *testing.T) {
	appCtx := setupTestAppContext(t)
	cmd, out := newTestCommand(appCtx)

	if err := clientsListCmd.RunE(cmd, nil); err != nil {
		t.Fatalf("clients list: %v", err)
	}
	if !strings.Contains(out.String(), "No clients recorded yet") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestClientsShow_PersistentStore(t *testing.T) {
	appCtx := setupTestAppContext(t)
	appCtx.Config.Storage.StorePath = filepath.Join(t.TempDir(), "scanner.db")

	scanCmd, _ := newClientsCommand(appCtx)
	if err := clientsListCmd.RunE(scanCmd, nil); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	jsonOutput = true
	cmd, out := newTestCommand(appCtx)
	if err := clientsShowCmd.RunE(cmd, []string{"esp32-insecure"}); err != nil {
		t.Fatalf("clients show: %v", err)
	}
	var details registry.ClientDetails
	if err := json.Unmarshal(out.Bytes(), &details); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if details.Role != registry.RolePublisherOnly || len(details.PublishedTopics) != 1 {
		t.Errorf("unexpected details %+v", details)
	}
	if details.PublishedTopics[0] != "sensors/insecure/dht11" {
		t.Errorf("unexpected topic %v", details.PublishedTopics)
	}
}

func TestClientsShow_Unknown(t *testing.T) {
	appCtx := setupTestAppContext(t)
	cmd, _ := newTestCommand(appCtx)

	err := clientsShowCmd.RunE(cmd, []string{"ghost"})
	var notFound *ClientNotFoundError
	if !errors.As(err, &notFound) || notFound.ID != "ghost" {
		t.Fatalf("expected ClientNotFoundError, got %v", err)
	}
}

func TestClientsTopic(t *testing.T) {
	appCtx := setupTestAppContext(t)
	cmd, out := newClientsCommand(appCtx)

	if err := clientsTopicCmd.RunE(cmd, []string{"sensors/insecure/dht11"}); err != nil {
		t.Fatalf("clients topic: %v", err)
	}
	output := out.String()
	if !strings.Contains(output, "Publishers:  1") || !strings.Contains(output, "esp32-insecure") {
		t.Errorf("unexpected output:\n%s", output)
	}
}

func TestClientsPatterns(t *testing.T) {
	appCtx := setupTestAppContext(t)
	cmd, out := newClientsCommand(appCtx)

	if err := clientsPatternsCmd.RunE(cmd, nil); err != nil {
		t.Fatalf("clients patterns: %v", err)
	}
	if !strings.Contains(out.String(), "Publishers: 2") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}
