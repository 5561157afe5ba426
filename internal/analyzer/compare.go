package analyzer

// Comparison contrasts the secure and insecure variants of one service.
type Comparison struct {
	SecurityScoreDiff  int                `json:"security_score_diff"`
	TLSComparison      TLSComparison      `json:"tls_comparison"`
	VulnerabilityCount VulnerabilityCount `json:"vulnerability_count"`
	Priority           string             `json:"priority"`
	Recommendation     string             `json:"recommendation"`
}

// TLSComparison records which side uses TLS.
type TLSComparison struct {
	SecureUsesTLS   bool   `json:"secure_uses_tls"`
	InsecureUsesTLS bool   `json:"insecure_uses_tls"`
	Recommendation  string `json:"recommendation"`
}

// VulnerabilityCount counts findings per side.
type VulnerabilityCount struct {
	Secure   int `json:"secure"`
	Insecure int `json:"insecure"`
}

// CompareSecureVsInsecure reports how much the secure endpoint gains over
// the insecure one and what to do about the gap.
func CompareSecureVsInsecure(secure, insecure Assessment) Comparison {
	diff := secure.SecurityScore - insecure.SecurityScore
	priority, recommendation := comparisonRecommendation(diff)
	return Comparison{
		SecurityScoreDiff: diff,
		TLSComparison: TLSComparison{
			SecureUsesTLS:   secure.TLSEnabled,
			InsecureUsesTLS: insecure.TLSEnabled,
			Recommendation:  "Always use the secure (TLS) port for production",
		},
		VulnerabilityCount: VulnerabilityCount{
			Secure:   len(secure.Vulnerabilities),
			Insecure: len(insecure.Vulnerabilities),
		},
		Priority:       priority,
		Recommendation: recommendation,
	}
}

func comparisonRecommendation(diff int) (string, string) {
	switch {
	case diff >= 40:
		return SeverityCritical, "CRITICAL: The secure port (TLS) is significantly more secure. Disable the insecure port in production."
	case diff >= 20:
		return SeverityHigh, "HIGH: The secure port offers better protection. Migrate all clients to use TLS."
	default:
		return SeverityMedium, "MEDIUM: Both ports need security improvements. Focus on authentication and ACL configuration."
	}
}
