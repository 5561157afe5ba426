package capture

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/hanepo/MQTTScanner/internal/broker"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"go.uber.org/zap"
)

// DefaultConnectTimeout bounds the CONNECT/CONNACK exchange.
const DefaultConnectTimeout = 2 * time.Second

// MessageHandler receives messages delivered on a subscription.
type MessageHandler func(topic string, payload []byte, retained bool)

// BrokerSession is a connected client.
type BrokerSession interface {
	Subscribe(ctx context.Context, filter string, handler MessageHandler) error
	Disconnect() error
}

// DialOptions carries per-connection settings.
type DialOptions struct {
	ClientID       string
	Credentials    broker.Credentials
	ConnectTimeout time.Duration
}

// BrokerDialer opens sessions. Errors are *EndpointError values whose Kind
// reflects the protocol client's failure reason.
type BrokerDialer interface {
	Dial(ctx context.Context, endpoint broker.Endpoint, opts DialOptions) (BrokerSession, error)
}

// PahoDialer connects with the Eclipse Paho client.
type PahoDialer struct {
	logger    *zap.Logger
	keepAlive time.Duration
}

// NewPahoDialer creates a PahoDialer.
func NewPahoDialer(logger *zap.Logger) *PahoDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PahoDialer{logger: logger, keepAlive: 5 * time.Second}
}

// Dial connects to endpoint. TLS endpoints are dialed without certificate
// verification so self-signed brokers can be scanned.
func (d *PahoDialer) Dial(ctx context.Context, endpoint broker.Endpoint, opts DialOptions) (BrokerSession, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(endpoint.URL()).
		SetClientID(opts.ClientID).
		SetConnectTimeout(timeout).
		SetKeepAlive(d.keepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true)
	if endpoint.TLSEnabled {
		clientOpts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: true, // #nosec G402 -- scanning self-signed brokers
			ServerName:         endpoint.Host,
		})
	}
	if !opts.Credentials.Empty() {
		clientOpts.SetUsername(opts.Credentials.Username)
		clientOpts.SetPassword(opts.Credentials.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-time.After(timeout):
		client.Disconnect(0)
		return nil, sharedErrors.NewEndpointError(sharedErrors.KindTimeoutExceeded,
			fmt.Sprintf("Connection timeout to %s", endpoint.Address()), false, nil)
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, sharedErrors.NewEndpointError(sharedErrors.KindTimeoutExceeded,
			fmt.Sprintf("Connection to %s cancelled", endpoint.Address()), false, ctx.Err())
	}

	if err := token.Error(); err != nil {
		var returnCode byte = packets.ErrNetworkError
		if ct, ok := token.(*mqtt.ConnectToken); ok {
			returnCode = ct.ReturnCode()
		}
		return nil, classifyConnectError(endpoint, returnCode, err)
	}

	d.logger.Debug("connected to broker",
		zap.String("endpoint", endpoint.Address()),
		zap.String("client_id", opts.ClientID))
	return &pahoSession{client: client, timeout: timeout}, nil
}

// classifyConnectError maps the CONNACK return code and transport error to
// a failure kind.
func classifyConnectError(endpoint broker.Endpoint, returnCode byte, err error) error {
	switch returnCode {
	case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
		return sharedErrors.NewEndpointError(sharedErrors.KindAuthRejected,
			fmt.Sprintf("Authentication failed - broker at %s refused the connection (rc=%d)", endpoint.Address(), returnCode),
			true, err)
	}
	if isTimeout(err) {
		return sharedErrors.NewEndpointError(sharedErrors.KindTimeoutExceeded,
			fmt.Sprintf("Connection timeout to %s", endpoint.Address()), false, err)
	}
	return sharedErrors.NewEndpointError(sharedErrors.KindConnectionFailure,
		fmt.Sprintf("Failed to connect to %s: %v", endpoint.Address(), err), false, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type pahoSession struct {
	client  mqtt.Client
	timeout time.Duration
}

func (s *pahoSession) Subscribe(ctx context.Context, filter string, handler MessageHandler) error {
	token := s.client.Subscribe(filter, 0, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload(), m.Retained())
	})
	select {
	case <-token.Done():
	case <-time.After(s.timeout):
		return sharedErrors.NewEndpointError(sharedErrors.KindTimeoutExceeded,
			fmt.Sprintf("Subscribe to %s timed out", filter), false, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

func (s *pahoSession) Disconnect() error {
	if !s.client.IsConnectionOpen() {
		return errors.New("connection already closed")
	}
	s.client.Disconnect(250)
	return nil
}
