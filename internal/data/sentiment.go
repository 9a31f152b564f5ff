package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPSentiment fetches per-asset sentiment scores from a JSON feed.
// Every failure degrades to the neutral 0 for that asset; sentiment is
// an input the cycle can run without.
type HTTPSentiment struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSentiment creates a sentiment client for the given feed URL.
func NewHTTPSentiment(logger *zap.Logger, baseURL string, timeout time.Duration) *HTTPSentiment {
	return &HTTPSentiment{
		logger:     logger.Named("sentiment"),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch returns a score for every requested asset, neutral 0 when the
// feed cannot provide one.
func (s *HTTPSentiment) Fetch(ctx context.Context, assets []string) map[string]float64 {
	scores := make(map[string]float64, len(assets))
	for _, asset := range assets {
		scores[asset] = 0.0

		score, err := s.fetchScore(ctx, asset)
		if err != nil {
			s.logger.Warn("sentiment fetch failed",
				zap.String("asset", asset),
				zap.Error(err))
			continue
		}
		scores[asset] = score
	}
	return scores
}

func (s *HTTPSentiment) fetchScore(ctx context.Context, asset string) (float64, error) {
	// The feed keys by base currency, not the full product id.
	base := strings.TrimSuffix(asset, "-USD")

	params := url.Values{}
	params.Set("asset", base)
	endpoint := fmt.Sprintf("%s?%s", s.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("sentiment request failed with status %d", resp.StatusCode)
	}

	return parseSentiment(body)
}

// parseSentiment accepts either a single object or a list of
// observations, newest last, under a sentiment_score or sentiment key.
func parseSentiment(body []byte) (float64, error) {
	var list []map[string]interface{}
	if err := json.Unmarshal(body, &list); err == nil {
		if len(list) == 0 {
			return 0, fmt.Errorf("empty sentiment response")
		}
		return sentimentValue(list[len(list)-1])
	}

	var single map[string]interface{}
	if err := json.Unmarshal(body, &single); err != nil {
		return 0, fmt.Errorf("failed to parse sentiment response: %w", err)
	}
	return sentimentValue(single)
}

func sentimentValue(fields map[string]interface{}) (float64, error) {
	for _, key := range []string{"sentiment_score", "sentiment"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		switch value := raw.(type) {
		case float64:
			return value, nil
		case string:
			return strconv.ParseFloat(value, 64)
		}
	}
	return 0, fmt.Errorf("no sentiment field in response")
}

// StaticSentiment serves fixed scores, neutral 0 for anything not
// listed. It stands in for the feed in offline and paper setups.
type StaticSentiment struct {
	scores map[string]float64
}

// NewStaticSentiment creates a provider over a fixed score map. A nil
// map yields all-neutral scores.
func NewStaticSentiment(scores map[string]float64) *StaticSentiment {
	return &StaticSentiment{scores: scores}
}

// Fetch returns the configured score for each asset.
func (s *StaticSentiment) Fetch(_ context.Context, assets []string) map[string]float64 {
	scores := make(map[string]float64, len(assets))
	for _, asset := range assets {
		scores[asset] = s.scores[asset]
	}
	return scores
}
