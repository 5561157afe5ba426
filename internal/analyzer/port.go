package analyzer

import (
	"fmt"

	"github.com/hanepo/MQTTScanner/internal/broker"
)

type portProfile struct {
	name     string
	secure   bool
	protocol string
}

var standardPorts = map[int]portProfile{
	broker.PortPlain:     {name: "MQTT (Plain)", secure: false, protocol: "TCP"},
	broker.PortTLS:       {name: "MQTT over TLS/SSL", secure: true, protocol: "TCP/TLS"},
	broker.PortTLSAlt:    {name: "MQTT over TLS/SSL (Alt)", secure: true, protocol: "TCP/TLS"},
	broker.PortWebSocket: {name: "MQTT over WebSockets", secure: false, protocol: "WebSocket"},
	broker.PortWSS:       {name: "MQTT over WSS", secure: true, protocol: "WebSocket/TLS"},
}

// PortAnalysis compares a port's conventional security with what it runs.
type PortAnalysis struct {
	Port             int      `json:"port"`
	PortName         string   `json:"port_name"`
	IsStandardPort   bool     `json:"is_standard_port"`
	ExpectedSecurity bool     `json:"expected_security"`
	ActualSecurity   bool     `json:"actual_security"`
	Protocol         string   `json:"protocol"`
	SecurityMismatch bool     `json:"security_mismatch"`
	Severity         string   `json:"severity,omitempty"`
	Warnings         []string `json:"warnings"`
}

// AnalyzePort checks port/TLS against the conventional MQTT port table.
func AnalyzePort(port int, tlsEnabled bool) PortAnalysis {
	profile, standard := standardPorts[port]
	if !standard {
		profile = portProfile{name: "Non-standard MQTT Port", secure: tlsEnabled, protocol: "TCP"}
		if tlsEnabled {
			profile.protocol = "TCP/TLS"
		}
	}

	analysis := PortAnalysis{
		Port:             port,
		PortName:         profile.name,
		IsStandardPort:   standard,
		ExpectedSecurity: profile.secure,
		ActualSecurity:   tlsEnabled,
		Protocol:         profile.protocol,
		SecurityMismatch: profile.secure != tlsEnabled,
		Warnings:         []string{},
	}

	if !standard {
		analysis.Severity = SeverityLow
		analysis.Warnings = append(analysis.Warnings, "Non-standard port - may cause firewall issues")
	}

	if analysis.SecurityMismatch {
		if profile.secure {
			analysis.Severity = SeverityCritical
			analysis.Warnings = append(analysis.Warnings,
				fmt.Sprintf("CRITICAL: Port %d should use TLS but is unencrypted", port))
		} else {
			analysis.Severity = SeverityInfo
			analysis.Warnings = append(analysis.Warnings,
				fmt.Sprintf("INFO: Port %d is using TLS (unusual but acceptable)", port))
		}
	}

	return analysis
}
