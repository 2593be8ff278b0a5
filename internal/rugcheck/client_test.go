package rugcheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReport = `{
  "mint": "MintAAA",
  "score": 1200,
  "risks": [{"name": "Low Liquidity", "level": "warn", "description": "low"}],
  "topHolders": [{"address": "h1", "pct": 12.5}],
  "markets": [
    {"pubkey": "m1", "marketType": "raydium", "lp": {"lpLockedPct": 40, "lpLockedUSD": 1000}},
    {"pubkey": "m2", "marketType": "raydium", "lp": {"lpLockedPct": 99.5, "lpLockedUSD": 9000}}
  ]
}`

func TestClient_LPLockedPct(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tokens/MintAAA/report", r.URL.Path)
		w.Write([]byte(sampleReport))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL + "/"})
	pct, err := c.LPLockedPct(context.Background(), "MintAAA")
	require.NoError(t, err)
	assert.Equal(t, 99.5, pct)
	assert.Equal(t, int64(1), c.Stats().Requests)
}

func TestClient_Report(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleReport))
	}))
	defer server.Close()

	report, err := New(Config{BaseURL: server.URL}).Report(context.Background(), "MintAAA")
	require.NoError(t, err)
	assert.Equal(t, 1200.0, report.Score)
	require.Len(t, report.TopHolders, 1)
	assert.Equal(t, 12.5, report.TopHolders[0].Pct)
	assert.False(t, report.HasCriticalRisk())

	report.Risks = append(report.Risks, Risk{Name: "Freeze Authority still enabled", Level: "danger"})
	assert.True(t, report.HasCriticalRisk())
}

func TestClient_NoMarkets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"mint":"X","markets":[]}`))
	}))
	defer server.Close()

	_, err := New(Config{BaseURL: server.URL}).LPLockedPct(context.Background(), "X")
	assert.True(t, errors.Is(err, ErrNoMarkets))
}

func TestClient_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	_, err := c.LPLockedPct(context.Background(), "X")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int64(1), c.Stats().Errors)
}
