package cmd

import (
	"fmt"
	"io"

	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/spf13/cobra"
)

type captureOptions struct {
	fresh        bool
	secureOnly   bool
	insecureOnly bool
}

func (o captureOptions) endpoints() (secure, insecure bool, err error) {
	if o.secureOnly && o.insecureOnly {
		return false, false, &EndpointSelectionError{Flags: []string{"secure-only", "insecure-only"}}
	}
	return !o.insecureOnly, !o.secureOnly, nil
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture the latest sensor readings from both broker endpoints",
	Long: `Subscribe to the configured topic filter on the secure (TLS) and the
insecure (plaintext) listener for a bounded window and print what was seen.
Results are cached for the configured TTL unless --fresh is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts captureOptions
		opts.fresh, _ = cmd.Flags().GetBool("fresh")
		opts.secureOnly, _ = cmd.Flags().GetBool("secure-only")
		opts.insecureOnly, _ = cmd.Flags().GetBool("insecure-only")
		return runCapture(cmd, getAppContext(cmd), opts)
	},
}

func runCapture(cmd *cobra.Command, appCtx *AppContext, opts captureOptions) error {
	scanSecure, scanInsecure, err := opts.endpoints()
	if err != nil {
		return err
	}

	c, err := appCtx.container()
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.Orchestrator.CaptureLatestSensorData(commandContext(cmd), scanSecure, scanInsecure, opts.fresh)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, result)
	}

	cfg := c.Orchestrator.Config()
	fmt.Fprintf(out, "Captured at %s\n\n", result.Timestamp.Format("2006-01-02 15:04:05 MST"))
	if scanSecure {
		if err := printEndpointResult(out, "Secure (TLS)", cfg.Secure, result.Secure); err != nil {
			return err
		}
	}
	if scanInsecure {
		if err := printEndpointResult(out, "Insecure", cfg.Insecure, result.Insecure); err != nil {
			return err
		}
	}

	summary := capture.ParseDHT11(result)
	for _, r := range []*capture.DHT11Reading{summary.Secure, summary.Insecure} {
		if r == nil {
			continue
		}
		fmt.Fprintf(out, "%s %s: temperature=%v humidity=%v light=%v motion=%v (%s)\n",
			colorInfo("→"), r.Broker, r.Temperature, r.Humidity, r.LightPct, r.Motion, r.Topic)
	}
	return nil
}

func printEndpointResult(out io.Writer, label string, endpoint broker.Endpoint, slot capture.EndpointResult) error {
	fmt.Fprintf(out, "%s broker %s\n", label, endpoint.Address())
	if f := slot.Failure; f != nil {
		fmt.Fprintf(out, "  %s [%s] %s\n", formatStatusWithColor("FAILED"), f.Kind, f.Error)
		if f.RequiresAuth {
			fmt.Fprintf(out, "  %s credentials are required for this listener\n", colorWarn("!"))
		}
		fmt.Fprintln(out)
		return nil
	}

	fmt.Fprintf(out, "  %s %d topic(s)\n", formatStatusWithColor("OK"), len(slot.Readings))
	if len(slot.Readings) == 0 {
		fmt.Fprintln(out)
		return nil
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "  TOPIC\tSENSOR\tPAYLOAD")
	for _, r := range slot.Readings {
		sensor := capture.IdentifySensor(r.Topic, r.Message)
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", r.Topic, sensor.Type, truncate(r.Raw, 60))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write readings: %w", err)
	}
	fmt.Fprintln(out)
	return nil
}

func init() {
	captureCmd.Flags().Bool("fresh", false, "ignore the cached result and scan now")
	captureCmd.Flags().Bool("secure-only", false, "scan only the TLS listener")
	captureCmd.Flags().Bool("insecure-only", false, "scan only the plaintext listener")
}
