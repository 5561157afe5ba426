package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/hanepo/MQTTScanner/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:          "mqttscan",
	Short:        "Capture live MQTT traffic and assess broker endpoint security",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if getAppContext(cmd) != nil {
			return nil
		}

		v := viper.GetViper()
		if err := readConfigFile(v, cfgFile); err != nil {
			return err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd.Flags(), cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid flags: %w", err)
		}

		l, err := newLogger(verbose)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		storeAppContext(cmd, &AppContext{Logger: l.Sugar(), Config: cfg})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appCtx := getAppContext(cmd); appCtx != nil && appCtx.Logger != nil {
			_ = appCtx.Logger.Sync()
		}
	},
}

// readConfigFile loads an explicit --config file, or $HOME/.mqttscan.yaml
// when present.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	v.AddConfigPath("$HOME")
	v.SetConfigName(".mqttscan")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorError(err.Error()))
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mqttscan.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "development logging at debug level")
	flags.BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	flags.String("host", "", "broker host")
	flags.Int("secure-port", 0, "TLS listener port")
	flags.Int("insecure-port", 0, "plaintext listener port")
	flags.StringP("username", "u", "", "username for the secure listener")
	flags.StringP("password", "p", "", "password for the secure listener")
	flags.String("topic", "", "topic filter to subscribe to")
	flags.String("store", "", "bbolt file for the registry and capture cache (empty = memory)")
	flags.String("history", "", "SQLite file for reading history (empty = disabled)")
	flags.Duration("listen-window", 0, "how long to listen on each endpoint")
	flags.Bool("secure-acl", true, "the secure listener enforces topic ACLs")
	flags.Bool("insecure-acl", false, "the plaintext listener enforces topic ACLs")

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(clientsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(infoCmd)
}
