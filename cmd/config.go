package cmd

import (
	"time"

	"github.com/hanepo/MQTTScanner/internal/config"
	"github.com/spf13/pflag"
)

// applyFlagOverrides lets explicitly set flags win over file and
// environment configuration.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) {
	applyStringOverride(flags, "host", &cfg.Broker.Host)
	applyIntOverride(flags, "secure-port", &cfg.Broker.SecurePort)
	applyIntOverride(flags, "insecure-port", &cfg.Broker.InsecurePort)
	applyStringOverride(flags, "username", &cfg.Broker.Username)
	applyStringOverride(flags, "password", &cfg.Broker.Password)
	applyStringOverride(flags, "topic", &cfg.Capture.TopicFilter)
	applyStringOverride(flags, "store", &cfg.Storage.StorePath)
	applyStringOverride(flags, "history", &cfg.Storage.HistoryPath)
	applyDurationOverride(flags, "listen-window", &cfg.Capture.ListenWindow)
	applyBoolOverride(flags, "secure-acl", &cfg.Broker.SecureACL)
	applyBoolOverride(flags, "insecure-acl", &cfg.Broker.InsecureACL)
}

func changedFlag(flags *pflag.FlagSet, name string) *pflag.Flag {
	if flags == nil {
		return nil
	}
	flag := flags.Lookup(name)
	if flag == nil || !flag.Changed {
		return nil
	}
	return flag
}

func applyStringOverride(flags *pflag.FlagSet, name string, target *string) {
	if changedFlag(flags, name) == nil {
		return
	}
	if v, err := flags.GetString(name); err == nil {
		*target = v
	}
}

func applyIntOverride(flags *pflag.FlagSet, name string, target *int) {
	if changedFlag(flags, name) == nil {
		return
	}
	if v, err := flags.GetInt(name); err == nil {
		*target = v
	}
}

func applyBoolOverride(flags *pflag.FlagSet, name string, target *bool) {
	if changedFlag(flags, name) == nil {
		return
	}
	if v, err := flags.GetBool(name); err == nil {
		*target = v
	}
}

func applyDurationOverride(flags *pflag.FlagSet, name string, target *time.Duration) {
	if changedFlag(flags, name) == nil {
		return
	}
	if v, err := flags.GetDuration(name); err == nil {
		*target = v
	}
}
