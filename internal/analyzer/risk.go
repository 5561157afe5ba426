package analyzer

import (
	"math"

	"github.com/hanepo/MQTTScanner/internal/broker"
)

// RiskUnknown is returned when no rule applies.
const RiskUnknown = "UNKNOWN"

// RiskLevel derives a coarse risk label from transport and auth state.
func RiskLevel(endpoint broker.Endpoint, facts Facts) string {
	switch {
	case !endpoint.TLSEnabled && endpoint.Port == broker.PortPlain:
		return SeverityCritical
	case !endpoint.TLSEnabled && !facts.AuthRequired:
		return SeverityHigh
	case endpoint.TLSEnabled && !facts.AuthRequired:
		return SeverityMedium
	case endpoint.TLSEnabled && facts.AuthRequired:
		return SeverityLow
	default:
		return RiskUnknown
	}
}

// Practice is one best-practice checklist item.
type Practice struct {
	Practice    string `json:"practice"`
	Implemented bool   `json:"implemented"`
	Priority    string `json:"priority"`
}

// BestPracticeReport is the evaluated checklist.
type BestPracticeReport struct {
	Practices            []Practice `json:"practices"`
	CompliancePercentage float64    `json:"compliance_percentage"`
	Implemented          int        `json:"implemented"`
	Total                int        `json:"total"`
}

// BestPractices evaluates the hardening checklist for an endpoint. Items
// that cannot be observed from outside the broker count as not implemented.
func BestPractices(endpoint broker.Endpoint, facts Facts) BestPracticeReport {
	practices := []Practice{
		{Practice: "Use TLS/SSL encryption", Implemented: endpoint.TLSEnabled, Priority: SeverityCritical},
		{Practice: "Require authentication", Implemented: facts.AuthRequired, Priority: SeverityCritical},
		{Practice: "Use ACL for topic authorization", Implemented: facts.ACLEnabled, Priority: SeverityHigh},
		{Practice: "Implement rate limiting", Implemented: false, Priority: SeverityMedium},
		{Practice: "Use client certificate validation", Implemented: facts.ClientCertAuth, Priority: SeverityMedium},
		{Practice: "Enable audit logging", Implemented: false, Priority: SeverityHigh},
		{Practice: "Regular security updates", Implemented: false, Priority: SeverityHigh},
	}

	implemented := 0
	for _, p := range practices {
		if p.Implemented {
			implemented++
		}
	}

	return BestPracticeReport{
		Practices:            practices,
		CompliancePercentage: math.Round(float64(implemented)/float64(len(practices))*1000) / 10,
		Implemented:          implemented,
		Total:                len(practices),
	}
}
