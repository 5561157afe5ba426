package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/hanepo/MQTTScanner/internal/analyzer"
	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/registry"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SecurityReport combines the assessments of both endpoints with what the
// last capture pass saw.
type SecurityReport struct {
	Secure     analyzer.Assessment      `json:"secure"`
	Insecure   analyzer.Assessment      `json:"insecure"`
	Comparison analyzer.Comparison      `json:"comparison"`
	Sensors    DHT11Summary             `json:"sensors"`
	Patterns   registry.PatternAnalysis `json:"patterns"`
	Capture    CaptureResult            `json:"capture"`
	CreatedAt  time.Time                `json:"created_at"`
}

// Assess captures both endpoints (honouring the cache unless forceFresh)
// and scores each of them. Authentication is probed with an anonymous
// CONNECT; when the probe cannot reach the broker the capture outcome is
// used instead.
func (o *Orchestrator) Assess(ctx context.Context, forceFresh bool) (SecurityReport, error) {
	result, err := o.CaptureLatestSensorData(ctx, true, true, forceFresh)
	if err != nil {
		return SecurityReport{}, err
	}

	var secure, insecure analyzer.Assessment
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		facts := o.facts(gctx, broker.KindSecure, result.Secure)
		secure = o.analyzer.AnalyzeBrokerSecurity(gctx, o.cfg.Secure, facts)
		return nil
	})
	g.Go(func() error {
		facts := o.facts(gctx, broker.KindInsecure, result.Insecure)
		insecure = o.analyzer.AnalyzeBrokerSecurity(gctx, o.cfg.Insecure, facts)
		return nil
	})
	if err := g.Wait(); err != nil {
		return SecurityReport{}, err
	}

	patterns, err := o.registry.AnalyzePatterns(ctx)
	if err != nil {
		return SecurityReport{}, fmt.Errorf("failed to analyze client patterns: %w", err)
	}

	return SecurityReport{
		Secure:     secure,
		Insecure:   insecure,
		Comparison: analyzer.CompareSecureVsInsecure(secure, insecure),
		Sensors:    ParseDHT11(result),
		Patterns:   patterns,
		Capture:    result,
		CreatedAt:  o.clock(),
	}, nil
}

// AssessEndpoint scores a single endpoint from declared facts without
// touching the cache or the registry.
func (o *Orchestrator) AssessEndpoint(ctx context.Context, endpoint broker.Endpoint, facts analyzer.Facts) analyzer.Assessment {
	return o.analyzer.AnalyzeBrokerSecurity(ctx, endpoint, facts)
}

func (o *Orchestrator) facts(ctx context.Context, kind broker.Kind, slot EndpointResult) analyzer.Facts {
	endpoint := o.endpointFor(kind)
	facts := analyzer.Facts{ACLEnabled: o.cfg.InsecureACL}
	if kind == broker.KindSecure {
		facts.ACLEnabled = o.cfg.SecureACL
	}

	rejected, err := o.ProbeAnonymous(ctx, endpoint)
	if err == nil {
		facts.AuthRequired = rejected
		return facts
	}
	o.logger.Debug("anonymous probe failed, using capture outcome",
		zap.String("broker", string(kind)), zap.Error(err))

	switch {
	case slot.Failure != nil && (slot.Failure.Kind == string(sharedErrors.KindAuthRequired) ||
		slot.Failure.Kind == string(sharedErrors.KindAuthRejected)):
		facts.AuthRequired = true
	case kind == broker.KindSecure:
		facts.AuthRequired = !o.cfg.SecureCredentials.Empty()
	}
	return facts
}
