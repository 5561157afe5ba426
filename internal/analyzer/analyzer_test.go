package analyzer

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
)

var fixedNow = time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func staticCert(cert *x509.Certificate) CertificateFetcher {
	return CertificateFetcherFunc(func(ctx context.Context, endpoint broker.Endpoint) (*x509.Certificate, error) {
		return cert, nil
	})
}

func caSignedCert(notAfter time.Time) *x509.Certificate {
	return &x509.Certificate{
		Subject:            pkix.Name{CommonName: "broker.local"},
		Issuer:             pkix.Name{CommonName: "Test CA"},
		NotBefore:          fixedNow.Add(-24 * time.Hour),
		NotAfter:           notAfter,
		SignatureAlgorithm: x509.SHA256WithRSA,
		PublicKeyAlgorithm: x509.RSA,
	}
}

func TestAnalyzeBrokerSecurity_AllControls(t *testing.T) {
	a := New(WithClock(fixedClock), WithCertificateFetcher(staticCert(caSignedCert(fixedNow.Add(365*24*time.Hour)))))
	endpoint := broker.NewEndpoint("broker.local", broker.PortTLS, true)

	got := a.AnalyzeBrokerSecurity(context.Background(), endpoint, Facts{AuthRequired: true, ACLEnabled: true})

	if got.SecurityScore != 90 {
		t.Fatalf("expected score 90, got %d", got.SecurityScore)
	}
	if got.SecurityRating.Rating != "A" || got.SecurityRating.Label != "Excellent" {
		t.Errorf("expected A/Excellent for 90, got %+v", got.SecurityRating)
	}
	if len(got.Vulnerabilities) != 0 {
		t.Errorf("expected no vulnerabilities, got %d", len(got.Vulnerabilities))
	}
	if got.RiskLevel != SeverityLow {
		t.Errorf("expected LOW risk, got %s", got.RiskLevel)
	}
	if got.SSLDetails == nil || !got.SSLDetails.IsValid {
		t.Fatalf("expected valid ssl details, got %+v", got.SSLDetails)
	}
	if !got.AssessedAt.Equal(fixedNow) {
		t.Errorf("expected assessed_at from clock, got %v", got.AssessedAt)
	}
}

func TestAnalyzeBrokerSecurity_Additive(t *testing.T) {
	a := New(WithClock(fixedClock), WithCertificateFetcher(staticCert(caSignedCert(fixedNow.Add(365*24*time.Hour)))))

	tests := []struct {
		name      string
		tls       bool
		facts     Facts
		score     int
		rating    string
		vulnTypes []string
	}{
		{"nothing", false, Facts{}, 0, "F", []string{VulnNoTLS, VulnNoAuth, VulnNoACL}},
		{"tls only", true, Facts{}, 40, "D", []string{VulnNoAuth, VulnNoACL}},
		{"tls and auth", true, Facts{AuthRequired: true}, 70, "C", []string{VulnNoACL}},
		{"auth and acl", false, Facts{AuthRequired: true, ACLEnabled: true}, 50, "D", []string{VulnNoTLS}},
		{"acl only", false, Facts{ACLEnabled: true}, 20, "F", []string{VulnNoTLS, VulnNoAuth}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := broker.PortPlain
			if tt.tls {
				port = broker.PortTLS
			}
			got := a.AnalyzeBrokerSecurity(context.Background(), broker.NewEndpoint("h", port, tt.tls), tt.facts)
			if got.SecurityScore != tt.score {
				t.Errorf("score = %d, want %d", got.SecurityScore, tt.score)
			}
			if got.SecurityRating.Rating != tt.rating {
				t.Errorf("rating = %s, want %s", got.SecurityRating.Rating, tt.rating)
			}
			if len(got.Vulnerabilities) != len(tt.vulnTypes) {
				t.Fatalf("got %d vulnerabilities, want %d", len(got.Vulnerabilities), len(tt.vulnTypes))
			}
			for _, vt := range tt.vulnTypes {
				if !got.HasVulnerability(vt) {
					t.Errorf("expected vulnerability %s", vt)
				}
			}
			if len(got.Recommendations) != len(tt.vulnTypes) {
				t.Errorf("expected one recommendation per vulnerability, got %d", len(got.Recommendations))
			}
		})
	}
}

func TestAnalyzeBrokerSecurity_NoTLSVulnerability(t *testing.T) {
	a := New(WithClock(fixedClock))
	got := a.AnalyzeBrokerSecurity(context.Background(), broker.NewEndpoint("h", broker.PortPlain, false), Facts{AuthRequired: true, ACLEnabled: true})

	if got.SecurityScore != 50 {
		t.Fatalf("expected score 50 without TLS, got %d", got.SecurityScore)
	}
	v := got.Vulnerabilities[0]
	if v.Type != VulnNoTLS || v.Severity != SeverityHigh || v.CVSSScore != 7.5 {
		t.Errorf("unexpected NO_TLS vulnerability: %+v", v)
	}
	r := got.Recommendations[0]
	if r.Priority != SeverityCritical || r.Action != "Enable TLS/SSL" {
		t.Errorf("unexpected TLS recommendation: %+v", r)
	}
	if got.SSLDetails != nil {
		t.Error("expected no ssl details without TLS")
	}
}

func TestAnalyzeBrokerSecurity_PlaintextAnonymousIsCritical(t *testing.T) {
	a := New(WithClock(fixedClock))
	got := a.AnalyzeBrokerSecurity(context.Background(), broker.NewEndpoint("127.0.0.1", broker.PortPlain, false), Facts{})

	if got.RiskLevel != SeverityCritical {
		t.Errorf("expected CRITICAL risk, got %s", got.RiskLevel)
	}
	if !got.HasVulnerability(VulnNoTLS) || !got.HasVulnerability(VulnNoAuth) {
		t.Errorf("expected NO_TLS and NO_AUTH, got %+v", got.Vulnerabilities)
	}
	for _, v := range got.Vulnerabilities {
		if v.Type == VulnNoAuth && v.CVSSScore != 8.0 {
			t.Errorf("expected CVSS 8.0 for NO_AUTH, got %v", v.CVSSScore)
		}
		if v.Type == VulnNoACL && (v.Severity != SeverityMedium || v.CVSSScore != 5.5) {
			t.Errorf("unexpected NO_ACL: %+v", v)
		}
	}
}

func TestAnalyzeBrokerSecurity_CertificateFailureIsNonFatal(t *testing.T) {
	fetcher := CertificateFetcherFunc(func(ctx context.Context, endpoint broker.Endpoint) (*x509.Certificate, error) {
		return nil, errors.New("connection refused")
	})
	a := New(WithClock(fixedClock), WithCertificateFetcher(fetcher))

	got := a.AnalyzeBrokerSecurity(context.Background(), broker.NewEndpoint("h", broker.PortTLS, true), Facts{AuthRequired: true})

	if got.SecurityScore != 70 {
		t.Errorf("expected TLS points to stand, got %d", got.SecurityScore)
	}
	if got.SSLDetails == nil {
		t.Fatal("expected ssl details with error")
	}
	if got.SSLDetails.IsValid {
		t.Error("expected is_valid=false")
	}
	if !strings.Contains(got.SSLDetails.Error, "connection refused") {
		t.Errorf("expected error to carry cause, got %q", got.SSLDetails.Error)
	}
	if got.SSLDetails.Kind != "certificate_unavailable" {
		t.Errorf("expected certificate_unavailable kind, got %q", got.SSLDetails.Kind)
	}
}

func TestRatingFor_Thresholds(t *testing.T) {
	tests := []struct {
		score int
		want  string
		color string
	}{
		{100, "A", "green"},
		{90, "A", "green"},
		{89, "B", "blue"},
		{75, "B", "blue"},
		{74, "C", "yellow"},
		{60, "C", "yellow"},
		{59, "D", "orange"},
		{40, "D", "orange"},
		{39, "F", "red"},
		{0, "F", "red"},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.score), func(t *testing.T) {
			got := RatingFor(tt.score)
			if got.Rating != tt.want || got.Color != tt.color {
				t.Errorf("RatingFor(%d) = %+v, want %s/%s", tt.score, got, tt.want, tt.color)
			}
		})
	}
}

func TestAnalyzeCertificate_ExpiresInTenDays(t *testing.T) {
	details := AnalyzeCertificate(caSignedCert(fixedNow.Add(10*24*time.Hour)), fixedNow)

	if details.IsExpired {
		t.Error("expected is_expired=false")
	}
	if !details.IsValid {
		t.Error("expected is_valid=true")
	}
	if details.DaysUntilExpiry != 10 {
		t.Errorf("expected 10 days, got %v", details.DaysUntilExpiry)
	}
	if !containsWarning(details.Warnings, "Certificate expires in 10 days") {
		t.Errorf("expected expiry warning, got %v", details.Warnings)
	}
}

func TestAnalyzeCertificate_FractionalDays(t *testing.T) {
	details := AnalyzeCertificate(caSignedCert(fixedNow.Add(36*time.Hour)), fixedNow)
	if details.DaysUntilExpiry != 1.5 {
		t.Errorf("expected 1.5 days, got %v", details.DaysUntilExpiry)
	}
	if !containsWarning(details.Warnings, "Certificate expires in 1.5 days") {
		t.Errorf("expected fractional expiry warning, got %v", details.Warnings)
	}
}

func TestAnalyzeCertificate_Expired(t *testing.T) {
	details := AnalyzeCertificate(caSignedCert(fixedNow.Add(-48*time.Hour)), fixedNow)

	if !details.IsExpired || details.IsValid {
		t.Errorf("expected expired and invalid, got expired=%v valid=%v", details.IsExpired, details.IsValid)
	}
	if !containsWarning(details.Warnings, "Certificate has EXPIRED") {
		t.Errorf("expected EXPIRED warning, got %v", details.Warnings)
	}
	if containsWarning(details.Warnings, "Certificate expires in") {
		t.Error("expired certificate should not carry an expires-in warning")
	}
}

func TestAnalyzeCertificate_SelfSignedAndWeak(t *testing.T) {
	cert := &x509.Certificate{
		Subject:            pkix.Name{CommonName: "broker.local"},
		Issuer:             pkix.Name{CommonName: "broker.local"},
		NotBefore:          fixedNow.Add(-time.Hour),
		NotAfter:           fixedNow.Add(400 * 24 * time.Hour),
		SignatureAlgorithm: x509.SHA1WithRSA,
	}
	details := AnalyzeCertificate(cert, fixedNow)

	if !details.IsSelfSigned {
		t.Error("expected self-signed")
	}
	if !containsWarning(details.Warnings, "Certificate is self-signed (not from trusted CA)") {
		t.Errorf("expected self-signed warning, got %v", details.Warnings)
	}
	if !containsWarning(details.Warnings, "Using weak SHA1 signature algorithm") {
		t.Errorf("expected SHA1 warning, got %v", details.Warnings)
	}
}

func TestAnalyzeCertificate_Nil(t *testing.T) {
	details := AnalyzeCertificate(nil, fixedNow)
	if details.IsValid || details.Error == "" {
		t.Errorf("expected unavailable result, got %+v", details)
	}
}

func TestTLSFetcher_ReadsPeerCertificate(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	cert, err := NewTLSFetcher(2*time.Second).FetchCertificate(context.Background(), broker.NewEndpoint(host, port, true))
	if err != nil {
		t.Fatalf("FetchCertificate: %v", err)
	}
	if cert == nil || cert.NotAfter.IsZero() {
		t.Fatalf("expected a parsed certificate, got %+v", cert)
	}
}

func TestTLSFetcher_ConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err = NewTLSFetcher(time.Second).FetchCertificate(context.Background(), broker.NewEndpoint("127.0.0.1", addr.Port, true))
	if err == nil {
		t.Fatal("expected error dialing closed port")
	}
}

func TestAnalyzePort(t *testing.T) {
	tests := []struct {
		name     string
		port     int
		tls      bool
		standard bool
		mismatch bool
		warning  string
	}{
		{"plain on 1883", 1883, false, true, false, ""},
		{"tls on 8883", 8883, true, true, false, ""},
		{"plain on 8883", 8883, false, true, true, "CRITICAL: Port 8883 should use TLS but is unencrypted"},
		{"plain on 8884", 8884, false, true, true, "CRITICAL: Port 8884 should use TLS but is unencrypted"},
		{"plain on 8081", 8081, false, true, true, "CRITICAL: Port 8081 should use TLS but is unencrypted"},
		{"tls on 1883", 1883, true, true, true, "INFO: Port 1883 is using TLS (unusual but acceptable)"},
		{"tls on 8080", 8080, true, true, true, "INFO: Port 8080 is using TLS (unusual but acceptable)"},
		{"non-standard", 9999, false, false, false, "Non-standard port - may cause firewall issues"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnalyzePort(tt.port, tt.tls)
			if got.IsStandardPort != tt.standard {
				t.Errorf("is_standard_port = %v, want %v", got.IsStandardPort, tt.standard)
			}
			if got.SecurityMismatch != tt.mismatch {
				t.Errorf("security_mismatch = %v, want %v", got.SecurityMismatch, tt.mismatch)
			}
			if tt.warning == "" && len(got.Warnings) != 0 {
				t.Errorf("expected no warnings, got %v", got.Warnings)
			}
			if tt.warning != "" && !containsWarning(got.Warnings, tt.warning) {
				t.Errorf("expected warning %q, got %v", tt.warning, got.Warnings)
			}
		})
	}
}

func TestRiskLevel(t *testing.T) {
	tests := []struct {
		name     string
		endpoint broker.Endpoint
		facts    Facts
		want     string
	}{
		{"plaintext default port", broker.NewEndpoint("h", 1883, false), Facts{AuthRequired: true}, SeverityCritical},
		{"plaintext anonymous", broker.NewEndpoint("h", 1884, false), Facts{}, SeverityHigh},
		{"tls anonymous", broker.NewEndpoint("h", 8883, true), Facts{}, SeverityMedium},
		{"tls with auth", broker.NewEndpoint("h", 8883, true), Facts{AuthRequired: true}, SeverityLow},
		{"plaintext with auth off default port", broker.NewEndpoint("h", 1884, false), Facts{AuthRequired: true}, RiskUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RiskLevel(tt.endpoint, tt.facts); got != tt.want {
				t.Errorf("RiskLevel = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBestPractices(t *testing.T) {
	report := BestPractices(broker.NewEndpoint("h", 8883, true), Facts{AuthRequired: true})
	if report.Total != 7 {
		t.Fatalf("expected 7 practices, got %d", report.Total)
	}
	if report.Implemented != 2 {
		t.Errorf("expected 2 implemented, got %d", report.Implemented)
	}
	if report.CompliancePercentage != 28.6 {
		t.Errorf("expected 28.6%%, got %v", report.CompliancePercentage)
	}
}

func TestCompareSecureVsInsecure(t *testing.T) {
	tests := []struct {
		name     string
		secure   int
		insecure int
		priority string
		prefix   string
	}{
		{"critical gap", 70, 0, SeverityCritical, "CRITICAL:"},
		{"exactly 40", 40, 0, SeverityCritical, "CRITICAL:"},
		{"high gap", 50, 30, SeverityHigh, "HIGH:"},
		{"small gap", 50, 40, SeverityMedium, "MEDIUM:"},
		{"negative gap", 0, 30, SeverityMedium, "MEDIUM:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secure := Assessment{SecurityScore: tt.secure, TLSEnabled: true, Vulnerabilities: []Vulnerability{{Type: VulnNoACL}}}
			insecure := Assessment{SecurityScore: tt.insecure, Vulnerabilities: []Vulnerability{{Type: VulnNoTLS}, {Type: VulnNoAuth}}}

			got := CompareSecureVsInsecure(secure, insecure)
			if got.SecurityScoreDiff != tt.secure-tt.insecure {
				t.Errorf("diff = %d, want %d", got.SecurityScoreDiff, tt.secure-tt.insecure)
			}
			if got.Priority != tt.priority {
				t.Errorf("priority = %s, want %s", got.Priority, tt.priority)
			}
			if !strings.HasPrefix(got.Recommendation, tt.prefix) {
				t.Errorf("recommendation %q should start with %q", got.Recommendation, tt.prefix)
			}
			if got.VulnerabilityCount.Secure != 1 || got.VulnerabilityCount.Insecure != 2 {
				t.Errorf("unexpected vulnerability counts: %+v", got.VulnerabilityCount)
			}
			if !got.TLSComparison.SecureUsesTLS || got.TLSComparison.InsecureUsesTLS {
				t.Errorf("unexpected tls comparison: %+v", got.TLSComparison)
			}
		})
	}
}

func containsWarning(warnings []string, want string) bool {
	for _, w := range warnings {
		if strings.Contains(w, want) {
			return true
		}
	}
	return false
}
