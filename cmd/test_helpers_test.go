package cmd

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hanepo/MQTTScanner/internal/analyzer"
	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/hanepo/MQTTScanner/internal/config"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zaptest"
)

// fakeDialer stands in for both listeners. The TLS listener rejects
// anonymous sessions.
type fakeDialer struct {
	secureErr error
}

func (d fakeDialer) Dial(_ context.Context, endpoint broker.Endpoint, opts capture.DialOptions) (capture.BrokerSession, error) {
	if endpoint.TLSEnabled {
		if d.secureErr != nil {
			return nil, d.secureErr
		}
		if opts.Credentials.Empty() {
			return nil, sharedErrors.NewEndpointError(sharedErrors.KindAuthRejected, "not authorized", true, nil)
		}
		return fakeSession{topic: "sensors/secure/dht11", payload: `{"temp_c":22,"hum_pct":50,"device":"esp32-secure"}`}, nil
	}
	return fakeSession{topic: "sensors/insecure/dht11", payload: `{"temp_c":23,"hum_pct":51,"device":"esp32-insecure"}`}, nil
}

type fakeSession struct {
	topic   string
	payload string
}

func (s fakeSession) Subscribe(_ context.Context, _ string, handler capture.MessageHandler) error {
	handler(s.topic, []byte(s.payload), false)
	return nil
}

func (fakeSession) Disconnect() error { return nil }

var noCertificate = analyzer.CertificateFetcherFunc(func(context.Context, broker.Endpoint) (*x509.Certificate, error) {
	return nil, errors.New("no certificate in tests")
})

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.Username = "dash"
	cfg.Broker.Password = "pw"
	cfg.Capture.PollInterval = time.Millisecond
	cfg.Capture.SettleLoops = 1
	cfg.Capture.MaxLoops = 3
	return &cfg
}

// setupTestAppContext installs an AppContext backed by fakeDialer and
// restores the globals when the test ends.
func setupTestAppContext(t *testing.T) *AppContext {
	t.Helper()
	originalCtx := globalAppContext
	originalJSON := jsonOutput
	t.Cleanup(func() {
		globalAppContext = originalCtx
		jsonOutput = originalJSON
	})

	appCtx := &AppContext{
		Logger:       zaptest.NewLogger(t).Sugar(),
		Config:       testConfig(),
		Dialer:       fakeDialer{},
		Certificates: noCertificate,
	}
	globalAppContext = appCtx
	return appCtx
}

func newTestCommand(appCtx *AppContext) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{Use: "test"}
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetContext(context.Background())
	storeAppContext(cmd, appCtx)
	return cmd, buf
}
