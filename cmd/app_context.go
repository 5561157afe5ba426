package cmd

import (
	"context"

	"github.com/hanepo/MQTTScanner/internal/analyzer"
	"github.com/hanepo/MQTTScanner/internal/application"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/hanepo/MQTTScanner/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// AppContext carries what PersistentPreRunE resolved to every command.
type AppContext struct {
	Logger *zap.SugaredLogger
	Config *config.Config
	// Dialer replaces the MQTT client; nil uses Paho.
	Dialer       capture.BrokerDialer
	Certificates analyzer.CertificateFetcher
}

type appContextKey struct{}

var globalAppContext *AppContext

func storeAppContext(cmd *cobra.Command, appCtx *AppContext) {
	globalAppContext = appCtx
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(context.WithValue(ctx, appContextKey{}, appCtx))
}

func getAppContext(cmd *cobra.Command) *AppContext {
	if ctx := cmd.Context(); ctx != nil {
		if appCtx, ok := ctx.Value(appContextKey{}).(*AppContext); ok {
			return appCtx
		}
	}
	return globalAppContext
}

func (a *AppContext) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger.Desugar()
}

// container opens the stores and services for one command run. Callers
// must Close it.
func (a *AppContext) container() (*application.Container, error) {
	return application.NewContainer(a.Config, application.Options{
		Dialer:       a.Dialer,
		Certificates: a.Certificates,
		Logger:       a.logger(),
	})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
