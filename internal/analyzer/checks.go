package analyzer

import (
	"fmt"
	"math"
	"time"

	"github.com/nexus-trading/autotrader/internal/discovery"
	"github.com/nexus-trading/autotrader/internal/solana"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"` // 0-100
	Reason string  `json:"reason,omitempty"`
}

// Inputs is everything the checks read. Provider errors are kept next to the
// data so each check can decide what is missing.
type Inputs struct {
	Candidate discovery.Candidate
	Now       time.Time

	Token    *solana.TokenInfo
	TokenErr error

	Holders    []solana.HolderInfo
	HoldersErr error

	RoundTripLossPct float64
	SellSimErr       error

	LPLockedPct float64
	LockErr     error
}

type checkFunc func(cfg Config, in Inputs) CheckResult

var checkFuncs = map[CheckName]checkFunc{
	CheckLiquidity:     checkLiquidity,
	CheckMarketCap:     checkMarketCap,
	CheckHolders:       checkHolders,
	CheckVolatility:    checkVolatility,
	CheckContract:      checkContract,
	CheckHoneypot:      checkHoneypot,
	CheckSocial:        checkSocial,
	CheckVolume:        checkVolume,
	CheckTokenomics:    checkTokenomics,
	CheckRugPull:       checkRugPull,
	CheckGrowth:        checkGrowth,
	CheckLiquidityLock: checkLiquidityLock,
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func unavailable(what string, err error) CheckResult {
	return CheckResult{Passed: false, Score: 0, Reason: fmt.Sprintf("%s unavailable: %v", what, err)}
}

func checkLiquidity(cfg Config, in Inputs) CheckResult {
	liq := in.Candidate.LiquidityUSD
	if liq >= cfg.MinLiquidityUSD {
		return CheckResult{Passed: true, Score: 100}
	}
	score := 0.0
	if liq > 0 {
		score = math.Min(liq/cfg.MinLiquidityUSD*100, 60)
	}
	return CheckResult{
		Score:  score,
		Reason: fmt.Sprintf("liquidity $%.0f below minimum $%.0f", liq, cfg.MinLiquidityUSD),
	}
}

func checkMarketCap(cfg Config, in Inputs) CheckResult {
	mc := in.Candidate.MarketCap
	switch {
	case mc <= 0:
		return CheckResult{Reason: "market cap unknown"}
	case mc < cfg.MinMarketCap:
		return CheckResult{
			Score:  math.Min(mc/cfg.MinMarketCap*100, 50),
			Reason: fmt.Sprintf("market cap $%.0f below minimum $%.0f", mc, cfg.MinMarketCap),
		}
	case mc > cfg.MaxMarketCap:
		return CheckResult{
			Score:  math.Max(100-(mc-cfg.MaxMarketCap)/cfg.MaxMarketCap*10, 20),
			Reason: fmt.Sprintf("market cap $%.0f above maximum $%.0f", mc, cfg.MaxMarketCap),
		}
	}
	return CheckResult{Passed: true, Score: 100}
}

func checkHolders(cfg Config, in Inputs) CheckResult {
	if in.HoldersErr != nil {
		return unavailable("holder data", in.HoldersErr)
	}
	if len(in.Holders) == 0 {
		return CheckResult{Reason: "no holder data"}
	}

	var top1, top10 float64
	for i, h := range in.Holders {
		if i < 10 {
			top10 += h.Percentage
		}
		if h.Percentage > top1 {
			top1 = h.Percentage
		}
	}

	score := clamp(120 - top10)
	switch {
	case top1 > cfg.MaxSingleHolderPct:
		return CheckResult{
			Score:  math.Min(score, 40),
			Reason: fmt.Sprintf("single holder owns %.1f%% (max %.1f%%)", top1, cfg.MaxSingleHolderPct),
		}
	case top10 > cfg.MaxTop10HolderPct:
		return CheckResult{
			Score:  math.Min(score, 40),
			Reason: fmt.Sprintf("top 10 holders own %.1f%% (max %.1f%%)", top10, cfg.MaxTop10HolderPct),
		}
	}
	return CheckResult{Passed: true, Score: score}
}

func checkVolatility(cfg Config, in Inputs) CheckResult {
	v := math.Abs(in.Candidate.PriceChange24h)
	if v <= cfg.MaxVolatilityPct {
		return CheckResult{Passed: true, Score: 100}
	}
	return CheckResult{
		Score:  math.Max(100-(v-cfg.MaxVolatilityPct)*2, 20),
		Reason: fmt.Sprintf("24h price change %.1f%% exceeds %.1f%%", v, cfg.MaxVolatilityPct),
	}
}

func checkContract(_ Config, in Inputs) CheckResult {
	if in.TokenErr != nil {
		return unavailable("mint data", in.TokenErr)
	}
	if in.Token == nil {
		return CheckResult{Reason: "mint data missing"}
	}
	switch {
	case !in.Token.IsFreezeRenounced():
		return CheckResult{Score: 0, Reason: "freeze authority active"}
	case !in.Token.IsMintRenounced():
		return CheckResult{Score: 50, Reason: "mint authority active"}
	}
	return CheckResult{Passed: true, Score: 100}
}

func checkHoneypot(cfg Config, in Inputs) CheckResult {
	if in.SellSimErr != nil {
		return unavailable("sell simulation", in.SellSimErr)
	}
	loss := in.RoundTripLossPct
	if loss <= cfg.MaxRoundTripLossPct {
		return CheckResult{Passed: true, Score: clamp(100 - loss)}
	}
	return CheckResult{
		Score:  clamp(50 - (loss - cfg.MaxRoundTripLossPct)),
		Reason: fmt.Sprintf("round-trip loss %.1f%% exceeds %.1f%%", loss, cfg.MaxRoundTripLossPct),
	}
}

func checkSocial(_ Config, in Inputs) CheckResult {
	c := in.Candidate
	switch {
	case !c.SocialKnown:
		return CheckResult{Score: 30, Reason: "no social data"}
	case c.SocialLinks >= 3:
		return CheckResult{Passed: true, Score: 100}
	case c.SocialLinks >= 1:
		return CheckResult{Passed: true, Score: 70}
	}
	return CheckResult{Score: 30, Reason: "no social presence"}
}

func checkVolume(_ Config, in Inputs) CheckResult {
	mc := in.Candidate.MarketCap
	if mc <= 0 {
		return CheckResult{Reason: "market cap unknown"}
	}
	r := in.Candidate.Volume24h / mc
	switch {
	case r > 0.1:
		return CheckResult{Passed: true, Score: 100}
	case r > 0.005:
		return CheckResult{Passed: true, Score: 80}
	}
	return CheckResult{
		Score:  math.Min(r*800, 60),
		Reason: fmt.Sprintf("volume/market cap ratio %.4f too low", r),
	}
}

func checkTokenomics(cfg Config, in Inputs) CheckResult {
	buys, sells := in.Candidate.Buys24h, in.Candidate.Sells24h
	total := buys + sells
	if total == 0 {
		return CheckResult{Score: 50, Reason: "no trades in 24h"}
	}
	sellRatio := float64(sells) / float64(total)
	score := clamp(100 - math.Max(0, sellRatio-0.5)*200)
	if sellRatio > cfg.MaxSellRatio {
		return CheckResult{
			Score:  score,
			Reason: fmt.Sprintf("sell ratio %.2f exceeds %.2f", sellRatio, cfg.MaxSellRatio),
		}
	}
	return CheckResult{Passed: true, Score: score}
}

// checkRugPull starts from 100 and deducts for each risk factor. Missing
// data counts as the risk being present.
func checkRugPull(cfg Config, in Inputs) CheckResult {
	if in.LockErr != nil && in.HoldersErr != nil && in.TokenErr != nil {
		return unavailable("rug risk data", in.LockErr)
	}

	score := 100.0
	var factors []string
	if in.LockErr != nil || in.LPLockedPct < cfg.MinLPLockedPct {
		score -= 40
		factors = append(factors, "liquidity not verifiably locked")
	}
	top1 := 0.0
	for _, h := range in.Holders {
		top1 = math.Max(top1, h.Percentage)
	}
	if in.HoldersErr != nil || top1 > 25 {
		score -= 20
		factors = append(factors, fmt.Sprintf("concentrated supply (%.1f%%)", top1))
	}
	if in.TokenErr != nil || in.Token == nil || !in.Token.IsMintRenounced() {
		score -= 20
		factors = append(factors, "mint authority not renounced")
	}

	res := CheckResult{Passed: score >= 60, Score: clamp(score)}
	if len(factors) > 0 {
		res.Reason = fmt.Sprintf("rug risk factors: %v", factors)
	}
	return res
}

func checkGrowth(cfg Config, in Inputs) CheckResult {
	c := in.Candidate
	score := 0.0
	switch {
	case c.MarketCap > 0 && c.MarketCap < 50_000:
		score += 40
	case c.MarketCap > 0 && c.MarketCap < 200_000:
		score += 20
	}
	if c.MarketCap > 0 && c.Volume24h > c.MarketCap*0.005 {
		score += 30
	}
	age := c.Age(in.Now)
	switch {
	case age < time.Hour:
		score += 25
	case age < 6*time.Hour:
		score += 15
	}
	score = clamp(score)
	if score >= cfg.GrowthThreshold {
		return CheckResult{Passed: true, Score: score}
	}
	return CheckResult{
		Score:  score,
		Reason: fmt.Sprintf("growth potential %.0f below %.0f", score, cfg.GrowthThreshold),
	}
}

func checkLiquidityLock(cfg Config, in Inputs) CheckResult {
	if in.LockErr != nil {
		return unavailable("lock status", in.LockErr)
	}
	switch {
	case in.LPLockedPct >= cfg.MinLPLockedPct:
		return CheckResult{Passed: true, Score: 100}
	case in.LPLockedPct > 0:
		return CheckResult{Score: 50, Reason: fmt.Sprintf("only %.0f%% of LP locked", in.LPLockedPct)}
	}
	return CheckResult{Score: 0, Reason: "liquidity not locked"}
}
