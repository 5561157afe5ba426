package analyzer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"go.uber.org/zap"
)

// DefaultCertificateTimeout bounds the TLS handshake used for inspection.
const DefaultCertificateTimeout = 5 * time.Second

// ExpiryWarningDays is the window in which an upcoming expiry is flagged.
const ExpiryWarningDays = 30

// CertificateFetcher returns the leaf certificate presented by endpoint.
type CertificateFetcher interface {
	FetchCertificate(ctx context.Context, endpoint broker.Endpoint) (*x509.Certificate, error)
}

// CertificateFetcherFunc adapts a function to CertificateFetcher.
type CertificateFetcherFunc func(ctx context.Context, endpoint broker.Endpoint) (*x509.Certificate, error)

// FetchCertificate calls f.
func (f CertificateFetcherFunc) FetchCertificate(ctx context.Context, endpoint broker.Endpoint) (*x509.Certificate, error) {
	return f(ctx, endpoint)
}

// TLSFetcher dials the broker and reads the peer certificate without
// verifying it, so self-signed and expired chains can still be inspected.
type TLSFetcher struct {
	Timeout time.Duration
}

// NewTLSFetcher returns a TLSFetcher with the given handshake timeout.
func NewTLSFetcher(timeout time.Duration) *TLSFetcher {
	if timeout <= 0 {
		timeout = DefaultCertificateTimeout
	}
	return &TLSFetcher{Timeout: timeout}
}

// FetchCertificate performs a TLS handshake and returns the leaf certificate.
func (f *TLSFetcher) FetchCertificate(ctx context.Context, endpoint broker.Endpoint) (*x509.Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: f.Timeout},
		Config: &tls.Config{
			InsecureSkipVerify: true, // #nosec G402 -- inspection only, nothing is trusted
			ServerName:         endpoint.Host,
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil, errors.New("connection is not TLS")
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, errors.New("no certificate found")
	}
	return certs[0], nil
}

// CertificateDetails describes the broker's leaf certificate. When the
// handshake fails only Error and IsValid are set.
type CertificateDetails struct {
	Subject            string   `json:"subject,omitempty"`
	Issuer             string   `json:"issuer,omitempty"`
	ValidFrom          string   `json:"valid_from,omitempty"`
	ValidTo            string   `json:"valid_to,omitempty"`
	SignatureAlgorithm string   `json:"signature_algorithm,omitempty"`
	PublicKeyAlgorithm string   `json:"public_key_algorithm,omitempty"`
	DNSNames           []string `json:"dns_names,omitempty"`
	IsSelfSigned       bool     `json:"is_self_signed"`
	IsExpired          bool     `json:"is_expired"`
	IsValid            bool     `json:"is_valid"`
	DaysUntilExpiry    float64  `json:"days_until_expiry"`
	Warnings           []string `json:"warnings"`
	Error              string   `json:"error,omitempty"`
	Kind               string   `json:"kind,omitempty"`
}

func (a *Analyzer) inspectCertificate(ctx context.Context, endpoint broker.Endpoint, now time.Time) CertificateDetails {
	if a.fetcher == nil {
		return certificateUnavailable(errors.New("no certificate fetcher configured"))
	}
	cert, err := a.fetcher.FetchCertificate(ctx, endpoint)
	if err != nil {
		a.logger.Warn("TLS certificate analysis failed",
			zap.String("endpoint", endpoint.Address()),
			zap.Error(err))
		return certificateUnavailable(err)
	}
	return AnalyzeCertificate(cert, now)
}

func certificateUnavailable(err error) CertificateDetails {
	epErr := sharedErrors.NewEndpointError(sharedErrors.KindCertificateUnavailable,
		fmt.Sprintf("Certificate analysis failed: %v", err), false, err)
	return CertificateDetails{
		IsValid:  false,
		Warnings: []string{},
		Error:    epErr.Error(),
		Kind:     string(epErr.Kind),
	}
}

// AnalyzeCertificate extracts the inspected fields and warnings from cert as
// of now.
func AnalyzeCertificate(cert *x509.Certificate, now time.Time) CertificateDetails {
	if cert == nil {
		return certificateUnavailable(errors.New("no certificate found"))
	}

	days := cert.NotAfter.Sub(now).Hours() / 24
	details := CertificateDetails{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		ValidFrom:          cert.NotBefore.UTC().Format(time.RFC3339),
		ValidTo:            cert.NotAfter.UTC().Format(time.RFC3339),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		DNSNames:           cert.DNSNames,
		IsSelfSigned:       cert.Subject.String() == cert.Issuer.String(),
		IsValid:            true,
		DaysUntilExpiry:    math.Round(days*10) / 10,
		IsExpired:          days < 0,
		Warnings:           []string{},
	}

	if details.IsSelfSigned {
		details.Warnings = append(details.Warnings, "Certificate is self-signed (not from trusted CA)")
	}
	if days > 0 && days < ExpiryWarningDays {
		details.Warnings = append(details.Warnings,
			fmt.Sprintf("Certificate expires in %s days", formatDays(details.DaysUntilExpiry)))
	}
	if details.IsExpired {
		details.Warnings = append(details.Warnings, "Certificate has EXPIRED")
		details.IsValid = false
	}
	if weak := weakSignature(details.SignatureAlgorithm); weak != "" {
		details.Warnings = append(details.Warnings, fmt.Sprintf("Using weak %s signature algorithm", weak))
	}

	return details
}

// weakSignature returns the broken digest name used by alg, if any.
func weakSignature(alg string) string {
	lower := strings.ToLower(alg)
	switch {
	case strings.Contains(lower, "md5"):
		return "MD5"
	case strings.Contains(lower, "sha1"):
		return "SHA1"
	default:
		return ""
	}
}

// formatDays prints whole numbers without a decimal point.
func formatDays(days float64) string {
	if days == math.Trunc(days) {
		return fmt.Sprintf("%.0f", days)
	}
	return fmt.Sprintf("%.1f", days)
}
