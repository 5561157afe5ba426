// Package broker holds the value types shared by the capture, registry and
// analyzer packages: broker endpoints, credentials and captured readings.
package broker

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Conventional MQTT ports
const (
	PortPlain     = 1883
	PortTLS       = 8883
	PortTLSAlt    = 8884
	PortWebSocket = 8080
	PortWSS       = 8081
)

// Kind distinguishes the two variants of the logical broker service.
type Kind string

const (
	KindSecure   Kind = "secure"
	KindInsecure Kind = "insecure"
)

// Endpoint identifies a broker listener. Identity is (Host, Port).
type Endpoint struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	TLSEnabled bool   `json:"tls_enabled"`
}

// NewEndpoint returns an Endpoint with a trimmed host.
func NewEndpoint(host string, port int, tlsEnabled bool) Endpoint {
	return Endpoint{Host: strings.TrimSpace(host), Port: port, TLSEnabled: tlsEnabled}
}

// Address returns host:port, the endpoint identity.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the broker URL understood by MQTT clients.
func (e Endpoint) URL() string {
	scheme := "tcp"
	if e.TLSEnabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, e.Address())
}

// SameIdentity reports whether both endpoints address the same listener.
func (e Endpoint) SameIdentity(other Endpoint) bool {
	return strings.EqualFold(e.Host, other.Host) && e.Port == other.Port
}

// Validate checks that the endpoint can be dialed.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("broker host cannot be empty")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("broker port %d out of range", e.Port)
	}
	return nil
}

// ParseTarget reads a scan target of the form host, host:port or
// scheme://host[:port]. Schemes ssl, tls and mqtts select TLS; without a
// scheme TLS is inferred from the conventional TLS ports.
func ParseTarget(target string) (Endpoint, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Endpoint{}, fmt.Errorf("scan target cannot be empty")
	}

	tlsScheme := false
	explicitScheme := false
	if scheme, rest, ok := strings.Cut(target, "://"); ok {
		explicitScheme = true
		switch strings.ToLower(scheme) {
		case "ssl", "tls", "mqtts", "wss":
			tlsScheme = true
		case "tcp", "mqtt", "ws":
		default:
			return Endpoint{}, fmt.Errorf("unsupported scheme %q", scheme)
		}
		target = strings.TrimSuffix(rest, "/")
	}

	host, port := target, 0
	if h, p, err := net.SplitHostPort(target); err == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return Endpoint{}, fmt.Errorf("invalid port %q", p)
		}
		host, port = h, n
	}
	if port == 0 {
		port = PortPlain
		if tlsScheme {
			port = PortTLS
		}
	}

	useTLS := tlsScheme
	if !explicitScheme {
		useTLS = port == PortTLS || port == PortTLSAlt || port == PortWSS
	}

	ep := NewEndpoint(host, port, useTLS)
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Credentials for username/password authentication.
type Credentials struct {
	Username string `json:"user,omitempty"`
	Password string `json:"pass,omitempty"`
}

// Empty is true when either half of the credential pair is missing.
func (c Credentials) Empty() bool {
	return c.Username == "" || c.Password == ""
}

// Reading is one captured message.
type Reading struct {
	Topic     string    `json:"topic"`
	Message   any       `json:"message"`
	Raw       string    `json:"raw"`
	Retained  bool      `json:"retained,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source_endpoint,omitempty"`
}

// NewReading decodes payload as JSON when possible and keeps the raw text.
func NewReading(topic string, payload []byte, source string, at time.Time) Reading {
	return Reading{
		Topic:     topic,
		Message:   DecodePayload(payload),
		Raw:       string(payload),
		Timestamp: at,
		Source:    source,
	}
}

// DecodePayload returns the decoded JSON value, or the payload as a string
// when it is not JSON.
func DecodePayload(payload []byte) any {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err == nil && decoded != nil {
		return decoded
	}
	return string(payload)
}

// Fields returns the message as an object, or nil for non-object payloads.
func (r Reading) Fields() map[string]any {
	fields, _ := r.Message.(map[string]any)
	return fields
}

// DedupeByTopic keeps the last reading seen for every topic. Output order
// follows the first time each topic was seen.
func DedupeByTopic(readings []Reading) []Reading {
	if len(readings) == 0 {
		return []Reading{}
	}
	index := make(map[string]int, len(readings))
	out := make([]Reading, 0, len(readings))
	for _, r := range readings {
		if i, ok := index[r.Topic]; ok {
			out[i] = r
			continue
		}
		index[r.Topic] = len(out)
		out = append(out, r)
	}
	return out
}
