package monitor

import (
	"sync"

	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/shopspring/decimal"
)

// Performance accumulates closed-trade results.
type Performance struct {
	mu         sync.Mutex
	trades     int
	wins       int
	losses     int
	profit     decimal.Decimal
	averageROI float64
	bestROI    float64
	worstROI   float64
}

func NewPerformance() *Performance {
	return &Performance{profit: decimal.Zero}
}

// Record adds a closed position. Records that are not closed, or closed
// because the buy never filled, are ignored.
func (p *Performance) Record(rec position.Record) {
	if rec.Status != position.StatusClosed || rec.CloseReason == position.ReasonError {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.trades++
	if rec.ProfitSOL.IsPositive() {
		p.wins++
	} else {
		p.losses++
	}
	p.profit = p.profit.Add(rec.ProfitSOL)
	p.averageROI += (rec.ROIPct - p.averageROI) / float64(p.trades)
	if p.trades == 1 || rec.ROIPct > p.bestROI {
		p.bestROI = rec.ROIPct
	}
	if p.trades == 1 || rec.ROIPct < p.worstROI {
		p.worstROI = rec.ROIPct
	}
}

// PerformanceSnapshot is a point-in-time copy of the counters.
type PerformanceSnapshot struct {
	TotalTrades      int             `json:"total_trades"`
	SuccessfulTrades int             `json:"successful_trades"`
	LosingTrades     int             `json:"losing_trades"`
	WinRatePct       float64         `json:"win_rate_pct"`
	TotalProfitSOL   decimal.Decimal `json:"total_profit_sol"`
	AverageROIPct    float64         `json:"average_roi_pct"`
	BestROIPct       float64         `json:"best_roi_pct"`
	WorstROIPct      float64         `json:"worst_roi_pct"`
}

func (p *Performance) Snapshot() PerformanceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PerformanceSnapshot{
		TotalTrades:      p.trades,
		SuccessfulTrades: p.wins,
		LosingTrades:     p.losses,
		TotalProfitSOL:   p.profit,
		AverageROIPct:    p.averageROI,
		BestROIPct:       p.bestROI,
		WorstROIPct:      p.worstROI,
	}
	if p.trades > 0 {
		s.WinRatePct = float64(p.wins) / float64(p.trades) * 100
	}
	return s
}
