// Package scoring provides risk assessment of monitored session content.
//
// Defines a Scorer interface with an HTTP classifier implementation, a
// rules-based fallback, and a noop provider. The interface allows swapping
// classifiers without changing the ingest pipeline.
package scoring

import (
	"context"
	"log/slog"

	"github.com/serenline/vigil/internal/config"
	"github.com/serenline/vigil/internal/model"
)

// Scorer assesses the risk of a piece of session content.
type Scorer interface {
	// Score returns a risk assessment for the content. Implementations must
	// respect ctx cancellation; callers apply the per-event timeout.
	Score(ctx context.Context, content string) (model.RiskAssessment, error)

	// Name identifies the provider in logs and ledger records.
	Name() string
}

// Degraded is the assessment recorded when the scorer times out or fails.
// Score 0 with zero confidence; the ingest pipeline tags degraded events
// needs_review so a human looks at what the machine could not.
func Degraded() model.RiskAssessment {
	return model.RiskAssessment{Score: 0, Confidence: 0}
}

// Select picks a scorer from configuration.
//
//	http  — external classifier service (requires VIGIL_SCORER_URL)
//	rules — built-in keyword heuristics
//	noop  — scores everything 0 (dev only)
//	auto  — http when a URL is configured, rules otherwise
func Select(cfg *config.Config, logger *slog.Logger) Scorer {
	switch cfg.ScorerProvider {
	case "http":
		return NewHTTPScorer(cfg.ScorerURL, cfg.ScorerAPIKey, cfg.ScorerTimeout)
	case "rules":
		return NewRulesScorer()
	case "noop":
		return NewNoopScorer()
	default: // auto
		if cfg.ScorerURL != "" {
			return NewHTTPScorer(cfg.ScorerURL, cfg.ScorerAPIKey, cfg.ScorerTimeout)
		}
		logger.Warn("scoring: no classifier URL configured, using rules provider")
		return NewRulesScorer()
	}
}

// NoopScorer scores everything zero. Used in development when neither a
// classifier nor the rules provider is wanted.
type NoopScorer struct{}

// NewNoopScorer creates a scorer that returns a zero assessment.
func NewNoopScorer() *NoopScorer {
	return &NoopScorer{}
}

// Name identifies the provider.
func (s *NoopScorer) Name() string { return "noop" }

// Score returns a zero assessment with full confidence.
func (s *NoopScorer) Score(_ context.Context, _ string) (model.RiskAssessment, error) {
	return model.RiskAssessment{Score: 0, Confidence: 1}, nil
}
