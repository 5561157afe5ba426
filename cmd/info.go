package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the effective configuration and data locations",
	Long: `Display the configuration mqttscan resolved from defaults, the config
file, MQTTSCAN_* environment variables and flags. Secrets are never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInfo(cmd.OutOrStdout(), getAppContext(cmd), viper.ConfigFileUsed())
	},
}

func runInfo(out io.Writer, appCtx *AppContext, configFile string) error {
	cfg := appCtx.Config
	if jsonOutput {
		redacted := *cfg
		redacted.Broker.Password = redact(cfg.Broker.Password)
		redacted.Remote.APIKey = redact(cfg.Remote.APIKey)
		redacted.Server.APIKey = redact(cfg.Server.APIKey)
		return printJSON(out, redacted)
	}

	if configFile == "" {
		configFile = "(none, using defaults)"
	}

	fmt.Fprintln(out, "mqttscan System Information")
	fmt.Fprintln(out, "===========================")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Platform:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(out, "Config file:    %s\n", configFile)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Broker:")
	fmt.Fprintf(out, "  Secure:       %s (acl=%t)\n", cfg.SecureEndpoint().Address(), cfg.Broker.SecureACL)
	fmt.Fprintf(out, "  Insecure:     %s (acl=%t)\n", cfg.InsecureEndpoint().Address(), cfg.Broker.InsecureACL)
	fmt.Fprintf(out, "  Credentials:  %s\n", presence(!cfg.Credentials().Empty()))
	fmt.Fprintf(out, "  Topic filter: %s\n", cfg.Capture.TopicFilter)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Data Locations:")
	fmt.Fprintf(out, "  Store:        %s\n", fileStatus(cfg.Storage.StorePath, "in memory"))
	fmt.Fprintf(out, "  History:      %s\n", fileStatus(cfg.Storage.HistoryPath, "disabled"))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Integrations:")
	fmt.Fprintf(out, "  Helper:       %s\n", orDisabled(cfg.Helper.Command))
	fmt.Fprintf(out, "  Remote:       %s\n", orDisabled(cfg.Remote.URL))
	fmt.Fprintf(out, "  NATS:         %s\n", orDisabled(cfg.Events.NATSURL))
	fmt.Fprintf(out, "  API server:   %s (api key %s)\n", cfg.Server.Addr, presence(cfg.Server.APIKey != ""))
	return nil
}

func fileStatus(path, empty string) string {
	if path == "" {
		return empty
	}
	if _, err := os.Stat(path); err == nil {
		return path + " " + colorSuccess("✓ (exists)")
	}
	return path + " ✗ (not created yet)"
}

func presence(set bool) string {
	if set {
		return "configured"
	}
	return "not set"
}

func orDisabled(v string) string {
	if v == "" {
		return "disabled"
	}
	return v
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}
