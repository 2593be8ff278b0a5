package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Birdeye: secondary "new listings" source
// ---------------------------------------------------------------------------

// BirdeyeConfig configures the Birdeye adapter.
type BirdeyeConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Limit    int           `yaml:"limit"`
	Cooldown time.Duration `yaml:"cooldown"` // minimum spacing between fetches
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultBirdeyeConfig returns production defaults.
func DefaultBirdeyeConfig() BirdeyeConfig {
	return BirdeyeConfig{
		BaseURL:  "https://public-api.birdeye.so",
		Limit:    20,
		Cooldown: 5 * time.Minute,
		Timeout:  15 * time.Second,
	}
}

// Birdeye implements Source over /defi/v2/tokens/new_listing.
type Birdeye struct {
	cfg        BirdeyeConfig
	httpClient *http.Client

	mu        sync.Mutex
	lastFetch time.Time
	now       func() time.Time

	requests atomic.Int64
	errors   atomic.Int64
	skipped  atomic.Int64
}

// NewBirdeye creates a Birdeye adapter.
func NewBirdeye(cfg BirdeyeConfig) *Birdeye {
	def := DefaultBirdeyeConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Birdeye{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

func (b *Birdeye) Name() string { return "birdeye" }

type birdeyeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Items []struct {
			Address          string  `json:"address"`
			Symbol           string  `json:"symbol"`
			Name             string  `json:"name"`
			Liquidity        float64 `json:"liquidity"`
			LiquidityAddedAt string  `json:"liquidityAddedAt"`
		} `json:"items"`
	} `json:"data"`
}

// onCooldown reports whether a fetch happened too recently and, if not,
// claims the slot for this fetch.
func (b *Birdeye) onCooldown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.cfg.Cooldown > 0 && !b.lastFetch.IsZero() && now.Sub(b.lastFetch) < b.cfg.Cooldown {
		return true
	}
	b.lastFetch = now
	return false
}

// Fetch returns the latest listings. Inside the cooldown window it returns an
// empty batch without calling the API.
func (b *Birdeye) Fetch(ctx context.Context, chain string) ([]Candidate, error) {
	if b.cfg.APIKey == "" {
		return nil, fmt.Errorf("birdeye: api key not configured")
	}
	if b.onCooldown() {
		b.skipped.Add(1)
		log.Debug().Msg("birdeye: on cooldown, skipping fetch")
		return nil, nil
	}

	now := b.now()
	q := url.Values{}
	q.Set("time_to", strconv.FormatInt(now.Unix(), 10))
	q.Set("limit", strconv.Itoa(b.cfg.Limit))
	q.Set("meme_platform_enabled", "true")
	u := fmt.Sprintf("%s/defi/v2/tokens/new_listing?%s", b.cfg.BaseURL, q.Encode())

	b.requests.Add(1)
	var resp birdeyeResponse
	err := getJSON(ctx, b.httpClient, u, map[string]string{
		"X-API-KEY": b.cfg.APIKey,
		"X-Chain":   chain,
	}, &resp)
	if err != nil {
		b.errors.Add(1)
		return nil, fmt.Errorf("birdeye: new listings: %w", err)
	}
	if !resp.Success {
		b.errors.Add(1)
		return nil, fmt.Errorf("birdeye: new listings: success=false")
	}

	out := make([]Candidate, 0, len(resp.Data.Items))
	for _, item := range resp.Data.Items {
		if item.Address == "" {
			continue
		}
		// New listings are new by definition; missing timestamps default to now.
		created := now
		if t, err := time.Parse(time.RFC3339, item.LiquidityAddedAt); err == nil {
			created = t
		}
		out = append(out, Candidate{
			Address:      item.Address,
			Symbol:       item.Symbol,
			Name:         item.Name,
			Chain:        chain,
			LiquidityUSD: item.Liquidity,
			CreatedAt:    created,
			Source:       "birdeye",
			DiscoveredAt: now,
		})
	}

	log.Debug().Int("items", len(out)).Msg("birdeye: new listings fetched")
	return out, nil
}

// Stats returns request counters.
func (b *Birdeye) Stats() SourceStats {
	return SourceStats{
		Name:     b.Name(),
		Requests: b.requests.Load(),
		Errors:   b.errors.Load(),
		Skipped:  b.skipped.Load(),
	}
}
