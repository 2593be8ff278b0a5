package rugcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// RugCheck report client: LP lock status and risk flags
// ---------------------------------------------------------------------------

// ErrNoMarkets is returned when a report lists no liquidity pools.
var ErrNoMarkets = errors.New("rugcheck: report has no markets")

// Config configures the client.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.rugcheck.xyz",
		Timeout: 10 * time.Second,
	}
}

// Risk is one flagged risk in a report.
type Risk struct {
	Name        string `json:"name"`
	Level       string `json:"level"`
	Description string `json:"description"`
}

// Report is the subset of the token report the bot reads.
type Report struct {
	Mint       string  `json:"mint"`
	Score      float64 `json:"score"`
	Risks      []Risk  `json:"risks"`
	TopHolders []struct {
		Address string  `json:"address"`
		Pct     float64 `json:"pct"`
	} `json:"topHolders"`
	Markets []struct {
		Pubkey     string `json:"pubkey"`
		MarketType string `json:"marketType"`
		LP         struct {
			LPLockedPct float64 `json:"lpLockedPct"`
			LPLockedUSD float64 `json:"lpLockedUSD"`
		} `json:"lp"`
	} `json:"markets"`
}

// LPLockedPct returns the best locked share across the report's pools.
func (r *Report) LPLockedPct() (float64, error) {
	if len(r.Markets) == 0 {
		return 0, ErrNoMarkets
	}
	best := 0.0
	for _, m := range r.Markets {
		if m.LP.LPLockedPct > best {
			best = m.LP.LPLockedPct
		}
	}
	return best, nil
}

// HasCriticalRisk reports whether any danger-level risk is present.
func (r *Report) HasCriticalRisk() bool {
	for _, risk := range r.Risks {
		if strings.EqualFold(risk.Level, "danger") || strings.EqualFold(risk.Level, "critical") {
			return true
		}
	}
	return false
}

// Client fetches token reports.
type Client struct {
	config     Config
	httpClient *http.Client

	requests atomic.Int64
	errors   atomic.Int64
}

// New creates a client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Report fetches the full report for a mint.
func (c *Client) Report(ctx context.Context, mint string) (*Report, error) {
	c.requests.Add(1)
	url := fmt.Sprintf("%s/v1/tokens/%s/report", c.config.BaseURL, mint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("rugcheck: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("rugcheck: http error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.errors.Add(1)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("rugcheck: status %d for %s", resp.StatusCode, mint)
	}

	var report Report
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&report); err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("rugcheck: parse report: %w", err)
	}
	return &report, nil
}

// LPLockedPct implements the analyzer's liquidity lock source.
func (c *Client) LPLockedPct(ctx context.Context, mint string) (float64, error) {
	report, err := c.Report(ctx, mint)
	if err != nil {
		return 0, err
	}
	pct, err := report.LPLockedPct()
	if err != nil {
		return 0, err
	}
	log.Debug().
		Str("mint", mint).
		Float64("lp_locked_pct", pct).
		Float64("risk_score", report.Score).
		Msg("rugcheck: lock status")
	return pct, nil
}

// Stats tracks client activity.
type Stats struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

func (c *Client) Stats() Stats {
	return Stats{Requests: c.requests.Load(), Errors: c.errors.Load()}
}
