package scoring

import (
	"context"
	"strings"

	"github.com/serenline/vigil/internal/model"
)

// RulesScorer is a keyword-heuristic fallback classifier. It exists so the
// pipeline keeps producing assessments when no external classifier is
// configured; confidence is reported low so downstream consumers weigh it
// accordingly.
type RulesScorer struct {
	rules []rule
}

type rule struct {
	pattern  string // matched as pattern name in the assessment
	keywords []string
	score    int
	emotion  string
}

// rulesConfidence is deliberately low: keyword matching has no context.
const rulesConfidence = 0.35

// NewRulesScorer creates the built-in heuristic scorer.
func NewRulesScorer() *RulesScorer {
	return &RulesScorer{
		rules: []rule{
			{
				pattern: "threat_language",
				keywords: []string{
					"i will kill", "i'll kill", "going to hurt", "gonna hurt",
					"i will find you", "you will regret", "make you pay",
					"i have a weapon", "i have a gun", "i have a knife",
				},
				score:   90,
				emotion: "anger",
			},
			{
				pattern: "self_harm",
				keywords: []string{
					"kill myself", "end my life", "want to die", "hurt myself",
					"no reason to live", "suicide",
				},
				score:   85,
				emotion: "despair",
			},
			{
				pattern: "coercion",
				keywords: []string{
					"don't tell anyone", "keep this secret", "or else",
					"you owe me", "do what i say",
				},
				score:   70,
				emotion: "fear",
			},
			{
				pattern: "harassment",
				keywords: []string{
					"shut up", "worthless", "pathetic", "nobody cares about you",
					"you deserve this",
				},
				score:   60,
				emotion: "hostility",
			},
			{
				pattern: "distress",
				keywords: []string{
					"i'm scared", "im scared", "please help", "can't breathe",
					"cant breathe", "he's here", "she's here", "they're here",
				},
				score:   45,
				emotion: "fear",
			},
			{
				pattern: "profanity",
				keywords: []string{
					"fuck you", "bitch", "asshole",
				},
				score:   30,
				emotion: "anger",
			},
		},
	}
}

// Name identifies the provider.
func (s *RulesScorer) Name() string { return "rules" }

// Score matches the content against every rule and takes the highest-scoring
// hit. Additional matched categories nudge the score up slightly; the result
// is clamped to 100.
func (s *RulesScorer) Score(_ context.Context, content string) (model.RiskAssessment, error) {
	text := strings.ToLower(content)

	var (
		top      int
		patterns []string
		emotions map[string]float64
	)
	for _, r := range s.rules {
		if !matchAny(text, r.keywords) {
			continue
		}
		patterns = append(patterns, r.pattern)
		if emotions == nil {
			emotions = make(map[string]float64)
		}
		if r.score > top {
			top = r.score
		}
		if r.emotion != "" && float64(r.score)/100 > emotions[r.emotion] {
			emotions[r.emotion] = float64(r.score) / 100
		}
	}

	if top == 0 {
		return model.RiskAssessment{Score: 0, Confidence: rulesConfidence}, nil
	}

	// Each extra matched category adds a little weight.
	score := top + (len(patterns)-1)*5
	if score > 100 {
		score = 100
	}

	return model.RiskAssessment{
		Score:      score,
		Emotions:   emotions,
		Patterns:   patterns,
		Confidence: rulesConfidence,
	}, nil
}

func matchAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
