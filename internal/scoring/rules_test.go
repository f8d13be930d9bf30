package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenline/vigil/internal/model"
)

func TestRulesScorer(t *testing.T) {
	s := NewRulesScorer()
	ctx := context.Background()

	tests := []struct {
		name        string
		content     string
		wantTag     model.SessionTag
		wantPattern string
	}{
		{"benign", "thanks for listening, that really helped", model.TagSafe, ""},
		{"profanity only", "oh fuck you then", model.TagNeedsReview, "profanity"},
		{"distress", "please help, I'm scared, he's here", model.TagNeedsReview, "distress"},
		{"harassment", "you are worthless and nobody cares about you", model.TagSuspicious, "harassment"},
		{"coercion", "don't tell anyone about this or else", model.TagSuspicious, "coercion"},
		{"threat", "I will kill you if you hang up", model.TagCritical, "threat_language"},
		{"self harm", "I just want to die, there's no reason to live", model.TagCritical, "self_harm"},
		{"case insensitive", "I WILL KILL YOU", model.TagCritical, "threat_language"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Score(ctx, tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTag, model.TagForScore(got.Score))
			if tt.wantPattern != "" {
				assert.Contains(t, got.Patterns, tt.wantPattern)
			}
			assert.InDelta(t, rulesConfidence, got.Confidence, 0.001)
		})
	}
}

func TestRulesScorer_MultipleCategoriesRaiseScore(t *testing.T) {
	s := NewRulesScorer()

	single, err := s.Score(context.Background(), "you are worthless")
	require.NoError(t, err)

	combined, err := s.Score(context.Background(), "you are worthless, don't tell anyone or else")
	require.NoError(t, err)

	assert.Greater(t, combined.Score, single.Score)
	assert.LessOrEqual(t, combined.Score, 100)
	assert.Len(t, combined.Patterns, 2)
}

func TestHTTPScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Content)

		_ = json.NewEncoder(w).Encode(classifyResponse{
			Score:      85,
			Emotions:   map[string]float64{"fear": 0.9},
			Patterns:   []string{"threat_language"},
			Confidence: 0.92,
		})
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, "test-key", time.Second)
	got, err := s.Score(context.Background(), "some transcript")
	require.NoError(t, err)
	assert.Equal(t, 85, got.Score)
	assert.Equal(t, model.TagCritical, model.TagForScore(got.Score))
	assert.Equal(t, 0.92, got.Confidence)
}

func TestHTTPScorer_Errors(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		s := NewHTTPScorer(srv.URL, "", time.Second)
		_, err := s.Score(context.Background(), "x")
		assert.Error(t, err)
	})

	t.Run("score out of range", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(classifyResponse{Score: 250, Confidence: 0.5})
		}))
		defer srv.Close()

		s := NewHTTPScorer(srv.URL, "", time.Second)
		_, err := s.Score(context.Background(), "x")
		assert.Error(t, err)
	})

	t.Run("context timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		defer srv.Close()

		s := NewHTTPScorer(srv.URL, "", time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := s.Score(ctx, "x")
		assert.Error(t, err)
	})
}

func TestDegraded(t *testing.T) {
	d := Degraded()
	assert.Zero(t, d.Score)
	assert.Zero(t, d.Confidence)
}
