package swap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"TwinGovernance/internal/token"
)

func newTestRegistry() *token.Registry {
	return token.NewRegistry(token.Definitions{})
}

func TestQuoteUsesVenueResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["type"] != "EXACT_INPUT" {
			t.Fatalf("unexpected quote type: %v", req["type"])
		}
		// Native ETH must be quoted through the WETH address.
		if !strings.EqualFold(req["tokenIn"].(string), "0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14") {
			t.Fatalf("expected WETH address for ETH input, got %v", req["tokenIn"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"routing": "CLASSIC",
			"quote": map[string]any{
				"amountOut":   "24000000",
				"gasFee":      "0.0004 ETH",
				"priceImpact": 0.02,
			},
		})
	}))
	defer server.Close()

	client := NewClient(Config{APIURL: server.URL}, newTestRegistry())
	quote, err := client.Quote(context.Background(), "ETH", "USDC", "0.01")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.AmountOut != "24" {
		t.Fatalf("unexpected amount out: %s", quote.AmountOut)
	}
	if strings.Contains(quote.Route, "mock") {
		t.Fatalf("expected real quote, got route %s", quote.Route)
	}
}

func TestQuoteFallsBackToMockOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(Config{APIURL: server.URL}, newTestRegistry())
	quote, err := client.Quote(context.Background(), "ETH", "USDC", "1")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !strings.Contains(quote.Route, "mock") {
		t.Fatalf("expected mock route, got %s", quote.Route)
	}
	// 1 ETH at the static 2400 USD table.
	if quote.AmountOut != "2400.00" {
		t.Fatalf("unexpected mock amount out: %s", quote.AmountOut)
	}
}

func TestQuoteFallsBackToMockOnZeroOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote": map[string]any{"amountOut": "0"},
		})
	}))
	defer server.Close()

	client := NewClient(Config{APIURL: server.URL}, newTestRegistry())
	quote, err := client.Quote(context.Background(), "UNI", "USDC", "2")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !strings.Contains(quote.Route, "mock") {
		t.Fatalf("expected mock route, got %s", quote.Route)
	}
	if quote.AmountOut != "15.00" {
		t.Fatalf("unexpected mock amount out: %s", quote.AmountOut)
	}
}

func TestQuoteUnknownTokenIsError(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:0"}, newTestRegistry())
	if _, err := client.Quote(context.Background(), "DOGE", "USDC", "1"); err == nil {
		t.Fatal("expected unknown token error")
	}
}

func TestPriceOfCachesFor60Seconds(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote": map[string]any{"amountOut": "2500000000"},
		})
	}))
	defer server.Close()

	client := NewClient(Config{APIURL: server.URL}, newTestRegistry())
	current := time.Now()
	client.now = func() time.Time { return current }

	if price := client.PriceOf(context.Background(), "eth"); price != 2500 {
		t.Fatalf("unexpected price: %f", price)
	}
	if price := client.PriceOf(context.Background(), "ETH"); price != 2500 {
		t.Fatalf("unexpected cached price: %f", price)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one venue hit, got %d", hits.Load())
	}

	current = current.Add(priceTTL + time.Second)
	client.PriceOf(context.Background(), "ETH")
	if hits.Load() != 2 {
		t.Fatalf("expected cache refresh after TTL, got %d hits", hits.Load())
	}
}

func TestPriceOfFallsBackToMockTable(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:0", Timeout: 200 * time.Millisecond}, newTestRegistry())
	// Venue unreachable: the 1-unit quote degrades to the mock table, so the
	// derived price still matches the static entry.
	if price := client.PriceOf(context.Background(), "UNI"); price != 7.5 {
		t.Fatalf("unexpected fallback price: %f", price)
	}
}

func TestBuildSwapSurfacesVenueError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/swap" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		http.Error(w, `{"error":"quote expired"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(Config{APIURL: server.URL}, newTestRegistry())
	_, err := client.BuildSwap(context.Background(), &VenueQuote{Raw: json.RawMessage(`{}`)}, "")
	venueErr, ok := err.(*VenueError)
	if !ok {
		t.Fatalf("expected VenueError, got %v", err)
	}
	if venueErr.StatusCode != http.StatusBadRequest || !strings.Contains(venueErr.Body, "quote expired") {
		t.Fatalf("unexpected venue error: %+v", venueErr)
	}
}
