package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/hanepo/MQTTScanner/internal/analyzer"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Score the security posture of both broker endpoints",
	Long: `Capture from both listeners, then score each one for encryption,
authentication and access control. Prints the vulnerabilities found and the
remediation for each.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fresh, _ := cmd.Flags().GetBool("fresh")
		return runAnalyze(cmd, getAppContext(cmd), fresh)
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare the secure and insecure endpoint assessments",
	RunE: func(cmd *cobra.Command, args []string) error {
		fresh, _ := cmd.Flags().GetBool("fresh")
		return runCompare(cmd, getAppContext(cmd), fresh)
	},
}

func runAnalyze(cmd *cobra.Command, appCtx *AppContext, fresh bool) error {
	c, err := appCtx.container()
	if err != nil {
		return err
	}
	defer c.Close()

	report, err := c.Orchestrator.Assess(commandContext(cmd), fresh)
	if err != nil {
		return fmt.Errorf("assessment failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, report)
	}
	if err := printAssessment(out, "Secure (TLS)", report.Secure); err != nil {
		return err
	}
	return printAssessment(out, "Insecure", report.Insecure)
}

func runCompare(cmd *cobra.Command, appCtx *AppContext, fresh bool) error {
	c, err := appCtx.container()
	if err != nil {
		return err
	}
	defer c.Close()

	report, err := c.Orchestrator.Assess(commandContext(cmd), fresh)
	if err != nil {
		return fmt.Errorf("assessment failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, report.Comparison)
	}

	cmp := report.Comparison
	tw := newTable(out)
	fmt.Fprintln(tw, "\tSECURE\tINSECURE")
	fmt.Fprintf(tw, "Score\t%d\t%d\n", report.Secure.SecurityScore, report.Insecure.SecurityScore)
	fmt.Fprintf(tw, "Rating\t%s\t%s\n", formatRating(report.Secure.SecurityRating.Rating), formatRating(report.Insecure.SecurityRating.Rating))
	fmt.Fprintf(tw, "TLS\t%t\t%t\n", cmp.TLSComparison.SecureUsesTLS, cmp.TLSComparison.InsecureUsesTLS)
	fmt.Fprintf(tw, "Vulnerabilities\t%d\t%d\n", cmp.VulnerabilityCount.Secure, cmp.VulnerabilityCount.Insecure)
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write comparison: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Score difference: %d\n", cmp.SecurityScoreDiff)
	fmt.Fprintf(out, "Priority:         %s\n", formatStatusWithColor(cmp.Priority))
	fmt.Fprintf(out, "Recommendation:   %s\n", cmp.Recommendation)
	if cmp.TLSComparison.Recommendation != "" {
		fmt.Fprintf(out, "TLS:              %s\n", cmp.TLSComparison.Recommendation)
	}
	return nil
}

func printAssessment(out io.Writer, label string, a analyzer.Assessment) error {
	fmt.Fprintf(out, "%s broker %s:%d\n", label, a.Host, a.Port)
	fmt.Fprintln(out, strings.Repeat("=", 40))
	fmt.Fprintf(out, "Score:      %d/100 (%s, %s)\n", a.SecurityScore, formatRating(a.SecurityRating.Rating), a.SecurityRating.Label)
	fmt.Fprintf(out, "Risk level: %s\n", formatStatusWithColor(a.RiskLevel))
	fmt.Fprintf(out, "Port:       %s (%s)\n", a.PortAnalysis.PortName, a.PortAnalysis.Protocol)
	for _, w := range a.PortAnalysis.Warnings {
		fmt.Fprintf(out, "  %s %s\n", colorWarn("!"), w)
	}
	if d := a.SSLDetails; d != nil {
		fmt.Fprintf(out, "Certificate: %s issued by %s, valid until %s\n", d.Subject, d.Issuer, d.ValidTo)
	}
	fmt.Fprintf(out, "Best practices: %d/%d implemented (%.0f%%)\n",
		a.BestPractices.Implemented, a.BestPractices.Total, a.BestPractices.CompliancePercentage)

	if len(a.Vulnerabilities) > 0 {
		fmt.Fprintln(out, "\nVulnerabilities:")
		tw := newTable(out)
		fmt.Fprintln(tw, "  SEVERITY\tTYPE\tCVSS\tDESCRIPTION")
		for _, v := range a.Vulnerabilities {
			fmt.Fprintf(tw, "  %s\t%s\t%.1f\t%s\n", formatStatusWithColor(v.Severity), v.Type, v.CVSSScore, v.Description)
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("failed to write vulnerabilities: %w", err)
		}
	}
	if len(a.Recommendations) > 0 {
		fmt.Fprintln(out, "\nRecommendations:")
		for _, r := range a.Recommendations {
			fmt.Fprintf(out, "  [%s] %s: %s\n", r.Priority, r.Action, r.Description)
		}
	}
	fmt.Fprintln(out)
	return nil
}

func init() {
	analyzeCmd.Flags().Bool("fresh", false, "ignore the cached capture and scan now")
	compareCmd.Flags().Bool("fresh", false, "ignore the cached capture and scan now")
}
