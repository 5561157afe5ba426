package cmd

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Build metadata, set with -ldflags at release time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const mqttClientModule = "github.com/eclipse/paho.mqtt.golang"

// versionInfo is the detailed form printed by `version --detailed`.
type versionInfo struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
	MQTTClient string `json:"mqtt_client"`
	Protocol   string `json:"mqtt_protocol"`
}

func currentVersion(read func() (*debug.BuildInfo, bool)) versionInfo {
	return versionInfo{
		Version:    Version,
		GitCommit:  GitCommit,
		BuildDate:  BuildDate,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		MQTTClient: depVersion(read, mqttClientModule),
		Protocol:   "MQTT 3.1.1",
	}
}

// depVersion looks a module up in the embedded build info.
func depVersion(read func() (*debug.BuildInfo, bool), path string) string {
	info, ok := read()
	if !ok || info == nil {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path != path {
			continue
		}
		if dep.Replace != nil {
			return dep.Replace.Version
		}
		return dep.Version
	}
	return "unknown"
}

func printVersion(out io.Writer, v versionInfo, detailed bool) error {
	if jsonOutput {
		return printJSON(out, v)
	}
	if !detailed {
		fmt.Fprintf(out, "mqttscan version %s\n", v.Version)
		return nil
	}
	tw := newTable(out)
	fmt.Fprintf(tw, "Version:\t%s\n", v.Version)
	fmt.Fprintf(tw, "Git commit:\t%s\n", v.GitCommit)
	fmt.Fprintf(tw, "Build date:\t%s\n", v.BuildDate)
	fmt.Fprintf(tw, "Go:\t%s (%s)\n", v.GoVersion, v.Platform)
	fmt.Fprintf(tw, "MQTT client:\tpaho %s, %s\n", v.MQTTClient, v.Protocol)
	return tw.Flush()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		detailed, _ := cmd.Flags().GetBool("detailed")
		return printVersion(cmd.OutOrStdout(), currentVersion(debug.ReadBuildInfo), detailed)
	},
}

func init() {
	versionCmd.Flags().BoolP("detailed", "d", false, "include the Go toolchain and MQTT client versions")
}
