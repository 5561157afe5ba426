package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hanepo/MQTTScanner/internal/api"
	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/hanepo/MQTTScanner/internal/scanclient"
	"github.com/hanepo/MQTTScanner/internal/shared/constants"
	"github.com/spf13/cobra"
)

type scanOptions struct {
	service  string
	apiKey   string
	username string
	password string
	listen   time.Duration
	csvPath  string
}

func (o scanOptions) credentials() *broker.Credentials {
	if o.username == "" && o.password == "" {
		return nil
	}
	return &broker.Credentials{Username: o.username, Password: o.password}
}

var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Scan a single broker endpoint as a background job",
	Long: `Connect to one endpoint (host, host:port, tcp://host:port or
ssl://host:port), listen for the requested window and print the readings.

With --service the scan runs on a remote scanning service instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts scanOptions
		opts.service, _ = cmd.Flags().GetString("service")
		opts.apiKey, _ = cmd.Flags().GetString("api-key")
		opts.username, _ = cmd.Flags().GetString("auth-user")
		opts.password, _ = cmd.Flags().GetString("auth-pass")
		opts.listen, _ = cmd.Flags().GetDuration("listen")
		opts.csvPath, _ = cmd.Flags().GetString("csv")

		if opts.service != "" {
			return runRemoteScan(cmd, getAppContext(cmd), args[0], opts)
		}
		return runLocalScan(cmd, getAppContext(cmd), args[0], opts)
	},
}

func runLocalScan(cmd *cobra.Command, appCtx *AppContext, target string, opts scanOptions) error {
	c, err := appCtx.container()
	if err != nil {
		return err
	}
	defer c.Close()

	scans := c.ScanService(appCtx.Dialer)
	jobs := scans.Jobs()
	defer jobs.Close()
	updates, unsubscribe := jobs.Subscribe()
	defer unsubscribe()

	job, err := scans.Start(api.ScanRequest{
		Target:         target,
		Creds:          opts.credentials(),
		ListenDuration: opts.listen.Seconds(),
	})
	if err != nil {
		return fmt.Errorf("invalid scan target: %w", err)
	}

	ctx := commandContext(cmd)
	progress := startProgress(cmd, job.Endpoint.Address())
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			scans.Shutdown()
			stopProgress(progress)
			return ctx.Err()
		case <-updates:
		case <-ticker.C:
		}
		current := jobs.GetJob(job.ID)
		if current == nil {
			stopProgress(progress)
			return fmt.Errorf("scan job %s disappeared", job.ID)
		}
		updateProgress(progress, string(current.Status), current.Progress, current.Message)
		if current.Status.Finished() {
			scans.Wait()
			stopProgress(progress)
			var result capture.EndpointResult
			if current.Result != nil {
				result = *current.Result
			}
			if opts.csvPath != "" {
				if err := writeScanCSV(opts.csvPath, result); err != nil {
					return err
				}
			}
			return reportScan(cmd, current.ID, current.Endpoint, result, opts)
		}
	}
}

func runRemoteScan(cmd *cobra.Command, appCtx *AppContext, target string, opts scanOptions) error {
	cfg := appCtx.Config
	apiKey := opts.apiKey
	if apiKey == "" {
		apiKey = cfg.Remote.APIKey
	}
	client, err := scanclient.New(opts.service,
		scanclient.WithAPIKey(apiKey),
		scanclient.WithPollInterval(cfg.Remote.PollInterval),
		scanclient.WithLogger(appCtx.logger().Named("remote")),
	)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	started, err := client.StartScan(ctx, scanclient.ScanRequest{
		Target:         target,
		Creds:          opts.credentials(),
		ListenDuration: opts.listen.Seconds(),
	})
	if err != nil {
		return fmt.Errorf("failed to start remote scan: %w", err)
	}

	endpoint, err := broker.ParseTarget(target)
	if err != nil {
		return fmt.Errorf("invalid scan target: %w", err)
	}
	progress := startProgress(cmd, endpoint.Address())
	status, err := pollRemote(ctx, client, started.JobID, cfg.Remote.PollInterval, progress)
	stopProgress(progress)
	if err != nil {
		return err
	}

	results, err := client.Results(ctx, status.JobID)
	if err != nil {
		return fmt.Errorf("failed to fetch scan results: %w", err)
	}
	if opts.csvPath != "" && results.Results.OK() {
		data, err := client.Download(ctx, status.JobID)
		if err != nil {
			return fmt.Errorf("failed to download scan results: %w", err)
		}
		if err := os.WriteFile(opts.csvPath, data, constants.DefaultFilePerm); err != nil {
			return fmt.Errorf("failed to write %s: %w", opts.csvPath, err)
		}
	}
	return reportScan(cmd, status.JobID, endpoint, results.Results, opts)
}

func pollRemote(ctx context.Context, client *scanclient.Client, id string, interval time.Duration, progress *progressPrinter) (scanclient.JobStatus, error) {
	if interval <= 0 {
		interval = scanclient.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := client.Status(ctx, id)
		if err != nil {
			return scanclient.JobStatus{}, fmt.Errorf("failed to poll scan %s: %w", id, err)
		}
		updateProgress(progress, status.Status, status.Progress, status.Message)
		if status.Finished() {
			if status.JobID == "" {
				status.JobID = id
			}
			return status, nil
		}
		select {
		case <-ctx.Done():
			return scanclient.JobStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func reportScan(cmd *cobra.Command, id string, endpoint broker.Endpoint, result capture.EndpointResult, opts scanOptions) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"job_id":   id,
			"endpoint": endpoint.Address(),
			"results":  result,
		})
	}
	if err := printEndpointResult(out, "Scan "+id, endpoint, result); err != nil {
		return err
	}
	if opts.csvPath != "" && result.OK() {
		fmt.Fprintf(out, "%s readings written to %s\n", colorSuccess("✓"), opts.csvPath)
	}
	if !result.OK() {
		return fmt.Errorf("scan %s failed: %s", id, result.Failure.Error)
	}
	return nil
}

func writeScanCSV(path string, result capture.EndpointResult) error {
	if !result.OK() {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, constants.DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := api.WriteReadingsCSV(f, result.Readings); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// startProgress returns nil when output is machine-readable.
func startProgress(cmd *cobra.Command, name string) *progressPrinter {
	if jsonOutput {
		return nil
	}
	p := newProgressPrinter(cmd.ErrOrStderr(), name)
	p.Start()
	return p
}

func updateProgress(p *progressPrinter, status string, progress int, message string) {
	if p != nil {
		p.Update(status, progress, message)
	}
}

func stopProgress(p *progressPrinter) {
	if p != nil {
		p.Stop()
	}
}

func init() {
	scanCmd.Flags().String("service", "", "base URL of a remote scanning service")
	scanCmd.Flags().String("api-key", "", "API key for the remote service (default remote.api_key)")
	scanCmd.Flags().String("auth-user", "", "username for the scanned broker")
	scanCmd.Flags().String("auth-pass", "", "password for the scanned broker")
	scanCmd.Flags().Duration("listen", 0, "listen window (max 30s, 0 = configured default)")
	scanCmd.Flags().String("csv", "", "write the captured readings to this CSV file")
}
