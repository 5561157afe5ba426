// Package analyzer scores MQTT broker endpoints against encryption,
// authentication and access-control controls.
package analyzer

import (
	"context"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
	"go.uber.org/zap"
)

// Score contributions
const (
	ScoreTLS  = 40
	ScoreAuth = 30
	ScoreACL  = 20
)

// Severity and priority labels
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityInfo     = "INFO"
)

// Vulnerability types
const (
	VulnNoTLS  = "NO_TLS"
	VulnNoAuth = "NO_AUTH"
	VulnNoACL  = "NO_ACL"
)

// Facts are what is known about an endpoint beyond its address.
type Facts struct {
	AuthRequired   bool `json:"auth_required"`
	ACLEnabled     bool `json:"acl_enabled"`
	ClientCertAuth bool `json:"client_cert_auth"`
}

// Vulnerability is one failed control.
type Vulnerability struct {
	Severity    string  `json:"severity"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Impact      string  `json:"impact"`
	CVSSScore   float64 `json:"cvss_score"`
}

// Recommendation is the remediation for a failed control.
type Recommendation struct {
	Priority       string `json:"priority"`
	Action         string `json:"action"`
	Description    string `json:"description"`
	Implementation string `json:"implementation"`
}

// Rating is the letter grade for a score.
type Rating struct {
	Rating string `json:"rating"`
	Label  string `json:"label"`
	Color  string `json:"color"`
}

// Assessment is the full result for one endpoint. It is built once and not
// modified afterwards.
type Assessment struct {
	Host            string              `json:"host"`
	Port            int                 `json:"port"`
	TLSEnabled      bool                `json:"tls_enabled"`
	SecurityScore   int                 `json:"security_score"`
	SecurityRating  Rating              `json:"security_rating"`
	Vulnerabilities []Vulnerability     `json:"vulnerabilities"`
	Recommendations []Recommendation    `json:"recommendations"`
	SSLDetails      *CertificateDetails `json:"ssl_details,omitempty"`
	PortAnalysis    PortAnalysis        `json:"port_analysis"`
	RiskLevel       string              `json:"risk_level"`
	BestPractices   BestPracticeReport  `json:"best_practices"`
	AssessedAt      time.Time           `json:"assessed_at"`
}

// Analyzer computes assessments. The zero value is not usable; use New.
type Analyzer struct {
	fetcher CertificateFetcher
	clock   func() time.Time
	logger  *zap.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithCertificateFetcher replaces the TLS dialer used for certificate
// inspection.
func WithCertificateFetcher(f CertificateFetcher) Option {
	return func(a *Analyzer) {
		a.fetcher = f
	}
}

// WithClock overrides time.Now for expiry arithmetic and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(a *Analyzer) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an Analyzer that dials brokers for certificate inspection.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		fetcher: NewTLSFetcher(DefaultCertificateTimeout),
		clock:   time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AnalyzeBrokerSecurity scores endpoint. The score starts at zero and each
// passing control adds its points; each failing control contributes a
// vulnerability and a recommendation instead.
func (a *Analyzer) AnalyzeBrokerSecurity(ctx context.Context, endpoint broker.Endpoint, facts Facts) Assessment {
	now := a.clock()
	assessment := Assessment{
		Host:            endpoint.Host,
		Port:            endpoint.Port,
		TLSEnabled:      endpoint.TLSEnabled,
		Vulnerabilities: []Vulnerability{},
		Recommendations: []Recommendation{},
		AssessedAt:      now,
	}

	if endpoint.TLSEnabled {
		assessment.SecurityScore += ScoreTLS
		details := a.inspectCertificate(ctx, endpoint, now)
		assessment.SSLDetails = &details
	} else {
		assessment.Vulnerabilities = append(assessment.Vulnerabilities, Vulnerability{
			Severity:    SeverityHigh,
			Type:        VulnNoTLS,
			Description: "MQTT broker is not using TLS/SSL encryption",
			Impact:      "All data transmitted is in plaintext and can be intercepted",
			CVSSScore:   7.5,
		})
		assessment.Recommendations = append(assessment.Recommendations, Recommendation{
			Priority:       SeverityCritical,
			Action:         "Enable TLS/SSL",
			Description:    "Configure the broker to use TLS on port 8883",
			Implementation: "Add listener configuration with certfile and keyfile in mosquitto.conf",
		})
	}

	assessment.PortAnalysis = AnalyzePort(endpoint.Port, endpoint.TLSEnabled)

	if facts.AuthRequired {
		assessment.SecurityScore += ScoreAuth
	} else {
		assessment.Vulnerabilities = append(assessment.Vulnerabilities, Vulnerability{
			Severity:    SeverityHigh,
			Type:        VulnNoAuth,
			Description: "MQTT broker does not require authentication",
			Impact:      "Anyone can connect and publish/subscribe to topics",
			CVSSScore:   8.0,
		})
		assessment.Recommendations = append(assessment.Recommendations, Recommendation{
			Priority:       SeverityCritical,
			Action:         "Enable Authentication",
			Description:    "Configure username/password authentication",
			Implementation: "Use password_file in mosquitto.conf and mosquitto_passwd utility",
		})
	}

	if facts.ACLEnabled {
		assessment.SecurityScore += ScoreACL
	} else {
		assessment.Vulnerabilities = append(assessment.Vulnerabilities, Vulnerability{
			Severity:    SeverityMedium,
			Type:        VulnNoACL,
			Description: "No topic-level access control configured",
			Impact:      "All authenticated users can access all topics",
			CVSSScore:   5.5,
		})
		assessment.Recommendations = append(assessment.Recommendations, Recommendation{
			Priority:       SeverityHigh,
			Action:         "Configure Access Control Lists",
			Description:    "Implement topic-based permissions using ACL",
			Implementation: "Create acl_file in mosquitto.conf with topic permissions",
		})
	}

	assessment.SecurityRating = RatingFor(assessment.SecurityScore)
	assessment.RiskLevel = RiskLevel(endpoint, facts)
	assessment.BestPractices = BestPractices(endpoint, facts)

	a.logger.Debug("broker assessed",
		zap.String("endpoint", endpoint.Address()),
		zap.Int("score", assessment.SecurityScore),
		zap.String("rating", assessment.SecurityRating.Rating),
		zap.String("risk_level", assessment.RiskLevel))

	return assessment
}

// RatingFor converts a 0-100 score to a letter grade.
func RatingFor(score int) Rating {
	switch {
	case score >= 90:
		return Rating{Rating: "A", Label: "Excellent", Color: "green"}
	case score >= 75:
		return Rating{Rating: "B", Label: "Good", Color: "blue"}
	case score >= 60:
		return Rating{Rating: "C", Label: "Fair", Color: "yellow"}
	case score >= 40:
		return Rating{Rating: "D", Label: "Poor", Color: "orange"}
	default:
		return Rating{Rating: "F", Label: "Critical", Color: "red"}
	}
}

// HasVulnerability reports whether the assessment lists a vulnerability of
// the given type.
func (a Assessment) HasVulnerability(vulnType string) bool {
	for _, v := range a.Vulnerabilities {
		if v.Type == vulnType {
			return true
		}
	}
	return false
}
