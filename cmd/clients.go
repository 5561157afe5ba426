package cmd

import (
	"fmt"
	"strings"

	"github.com/hanepo/MQTTScanner/internal/application"
	"github.com/hanepo/MQTTScanner/internal/registry"
	"github.com/spf13/cobra"
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Inspect the publishers and subscribers seen on the brokers",
	Long: `Query the client registry. The registry is filled by capture passes; use
--store to keep it between runs, or --scan to capture first.`,
}

var clientsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known client with its role",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(c *application.Container) error {
			clients, err := c.Registry.Clients(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("failed to list clients: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, clients)
			}
			if len(clients) == 0 {
				fmt.Fprintln(out, "No clients recorded yet. Run with --scan or capture first.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "CLIENT\tROLE\tPUBLISHES\tSUBSCRIBES\tMESSAGES")
			for _, cl := range clients {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", cl.ClientID, cl.Role, cl.PublishedTopics, cl.SubscribedTopics, cl.TotalMessages)
			}
			return tw.Flush()
		})
	},
}

var clientsShowCmd = &cobra.Command{
	Use:   "show <client-id>",
	Short: "Show every record held for one client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(c *application.Container) error {
			details, err := c.Registry.ClientDetails(commandContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("failed to load client: %w", err)
			}
			if details.Role == registry.RoleUnknown {
				return &ClientNotFoundError{ID: args[0]}
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, details)
			}
			fmt.Fprintf(out, "Client:     %s\n", details.ClientID)
			fmt.Fprintf(out, "Role:       %s\n", details.Role)
			fmt.Fprintf(out, "Publishes:  %s\n", joinOrDash(details.PublishedTopics))
			fmt.Fprintf(out, "Subscribes: %s\n", joinOrDash(details.SubscribedTopics))
			fmt.Fprintf(out, "Messages:   %d\n", details.TotalMessagesPublished)
			return nil
		})
	},
}

var clientsTopicCmd = &cobra.Command{
	Use:   "topic <topic>",
	Short: "Show publishers and matching subscribers of a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(c *application.Container) error {
			stats, err := c.Registry.TopicStatistics(commandContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("failed to load topic statistics: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, stats)
			}
			fmt.Fprintf(out, "Topic:       %s\n", stats.Topic)
			fmt.Fprintf(out, "Publishers:  %d\n", stats.PublisherCount)
			fmt.Fprintf(out, "Subscribers: %d\n", stats.SubscriberCount)
			fmt.Fprintf(out, "Messages:    %d\n", stats.TotalMessages)
			if p := stats.MostActivePublisher; p != nil {
				fmt.Fprintf(out, "Most active: %s (%d messages)\n", p.ClientID, p.MessageCount)
			}
			return nil
		})
	},
}

var clientsPatternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Detect suspicious access patterns across all clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(c *application.Container) error {
			analysis, err := c.Registry.AnalyzePatterns(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("failed to analyze patterns: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, analysis)
			}
			fmt.Fprintf(out, "Publishers: %d  Subscribers: %d  Topics: %d\n",
				analysis.TotalPublishers, analysis.TotalSubscribers, analysis.UniqueTopics)
			if t := analysis.Patterns.MostPopularTopic; t != nil {
				fmt.Fprintf(out, "Most popular topic: %s (%d publishers, %d subscribers)\n", t.Topic, t.Publishers, t.Subscribers)
			}
			if len(analysis.Patterns.OrphanedTopics) > 0 {
				fmt.Fprintf(out, "Orphaned topics: %s\n", strings.Join(analysis.Patterns.OrphanedTopics, ", "))
			}
			if len(analysis.SecurityIssues) == 0 {
				fmt.Fprintf(out, "%s no suspicious patterns\n", colorSuccess("✓"))
				return nil
			}
			fmt.Fprintln(out, "\nSecurity issues:")
			for _, issue := range analysis.SecurityIssues {
				fmt.Fprintf(out, "  %s %s %s: %s\n", formatStatusWithColor(issue.Severity), issue.Type, issue.ClientID, issue.Description)
			}
			return nil
		})
	},
}

// withRegistry opens the container, optionally runs a fresh capture so the
// registry has content, and hands the container to fn.
func withRegistry(cmd *cobra.Command, fn func(*application.Container) error) error {
	c, err := getAppContext(cmd).container()
	if err != nil {
		return err
	}
	defer c.Close()

	if scan, _ := cmd.Flags().GetBool("scan"); scan {
		if _, err := c.Orchestrator.CaptureLatestSensorData(commandContext(cmd), true, true, true); err != nil {
			return fmt.Errorf("capture failed: %w", err)
		}
	}
	return fn(c)
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func init() {
	clientsCmd.PersistentFlags().Bool("scan", false, "run a fresh capture before querying")
	clientsCmd.AddCommand(clientsListCmd)
	clientsCmd.AddCommand(clientsShowCmd)
	clientsCmd.AddCommand(clientsTopicCmd)
	clientsCmd.AddCommand(clientsPatternsCmd)
}
