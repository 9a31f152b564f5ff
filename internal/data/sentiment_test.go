package data_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/internal/data"
)

func TestHTTPSentimentParsesListResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"asset":"BTC","sentiment_score":0.1},{"asset":"BTC","sentiment_score":0.4}]`))
	}))
	defer server.Close()

	provider := data.NewHTTPSentiment(zap.NewNop(), server.URL, 5*time.Second)
	scores := provider.Fetch(context.Background(), []string{"BTC-USD"})

	// The newest observation is last.
	if scores["BTC-USD"] != 0.4 {
		t.Errorf("score = %v, want 0.4", scores["BTC-USD"])
	}
}

func TestHTTPSentimentParsesObjectResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sentiment":-0.2}`))
	}))
	defer server.Close()

	provider := data.NewHTTPSentiment(zap.NewNop(), server.URL, 5*time.Second)
	scores := provider.Fetch(context.Background(), []string{"ETH-USD"})

	if scores["ETH-USD"] != -0.2 {
		t.Errorf("score = %v, want -0.2", scores["ETH-USD"])
	}
}

func TestHTTPSentimentQueriesBaseCurrency(t *testing.T) {
	var gotAsset string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAsset = r.URL.Query().Get("asset")
		w.Write([]byte(`{"sentiment_score":0.3}`))
	}))
	defer server.Close()

	provider := data.NewHTTPSentiment(zap.NewNop(), server.URL, 5*time.Second)
	provider.Fetch(context.Background(), []string{"BTC-USD"})

	if gotAsset != "BTC" {
		t.Errorf("queried asset %q, want BTC", gotAsset)
	}
}

func TestHTTPSentimentNeutralOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := data.NewHTTPSentiment(zap.NewNop(), server.URL, 5*time.Second)
	scores := provider.Fetch(context.Background(), []string{"BTC-USD", "ETH-USD"})

	for asset, score := range scores {
		if score != 0 {
			t.Errorf("%s score = %v, want neutral 0", asset, score)
		}
	}
	if len(scores) != 2 {
		t.Errorf("expected a score for every asset, got %d", len(scores))
	}
}

func TestStaticSentimentDefaultsNeutral(t *testing.T) {
	provider := data.NewStaticSentiment(map[string]float64{"BTC-USD": 0.3})
	scores := provider.Fetch(context.Background(), []string{"BTC-USD", "ETH-USD"})

	if scores["BTC-USD"] != 0.3 {
		t.Errorf("configured score = %v, want 0.3", scores["BTC-USD"])
	}
	if scores["ETH-USD"] != 0 {
		t.Errorf("unlisted asset score = %v, want 0", scores["ETH-USD"])
	}
}
