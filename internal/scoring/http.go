package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/serenline/vigil/internal/model"
)

// HTTPScorer calls an external classifier service over HTTP.
type HTTPScorer struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPScorer creates a scorer that POSTs content to a classifier endpoint.
// The client timeout is a backstop; per-event budgets come from the caller's
// context.
func NewHTTPScorer(baseURL, apiKey string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPScorer{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 2 * timeout,
		},
	}
}

// Name identifies the provider.
func (s *HTTPScorer) Name() string { return "http" }

type classifyRequest struct {
	Content string `json:"content"`
}

type classifyResponse struct {
	Score      int                `json:"score"`
	Emotions   map[string]float64 `json:"emotions"`
	Patterns   []string           `json:"patterns"`
	Confidence float64            `json:"confidence"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Score sends the content to the classifier and returns its assessment.
func (s *HTTPScorer) Score(ctx context.Context, content string) (model.RiskAssessment, error) {
	reqBody, err := json.Marshal(classifyRequest{Content: content})
	if err != nil {
		return model.RiskAssessment{}, fmt.Errorf("scoring: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return model.RiskAssessment{}, fmt.Errorf("scoring: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return model.RiskAssessment{}, fmt.Errorf("scoring: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.RiskAssessment{}, fmt.Errorf("scoring: status %d: %s", resp.StatusCode, string(body))
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return model.RiskAssessment{}, fmt.Errorf("scoring: decode response: %w", err)
	}
	if result.Error != nil {
		return model.RiskAssessment{}, fmt.Errorf("scoring: classifier error: %s", result.Error.Message)
	}
	if result.Score < 0 || result.Score > 100 {
		return model.RiskAssessment{}, fmt.Errorf("scoring: score %d out of range", result.Score)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return model.RiskAssessment{}, fmt.Errorf("scoring: confidence %g out of range", result.Confidence)
	}

	return model.RiskAssessment{
		Score:      result.Score,
		Emotions:   result.Emotions,
		Patterns:   result.Patterns,
		Confidence: result.Confidence,
	}, nil
}
