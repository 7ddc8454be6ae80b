// Package metrics считает итоговую статистику сделок и экспортирует live-метрики.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/sqe/pkg/models"
)

// Summary сводная статистика по набору сделок
type Summary struct {
	Trades       int           `json:"trades"`
	Wins         int           `json:"wins"`
	Losses       int           `json:"losses"`
	Timeouts     int           `json:"timeouts"`
	WinRate      float64       `json:"win_rate"`
	ProfitFactor float64       `json:"profit_factor"`
	ExpectancyR  float64       `json:"expectancy_r"`
	TotalR       float64       `json:"total_r"`
	MaxDrawdownR float64       `json:"max_drawdown_r"`
	AvgHolding   time.Duration `json:"avg_holding"`
	NetPnL       float64       `json:"net_pnl"`
}

// Report статистика в целом и в разрезах
type Report struct {
	Overall     Summary                      `json:"overall"`
	ByDirection map[models.Direction]Summary `json:"by_direction"`
	ByRegime    map[models.Regime]Summary    `json:"by_regime"`
	BySession   map[string]Summary           `json:"by_session"`
}

// Compute считает статистику; сделки берутся в порядке открытия
func Compute(trades []models.Trade) Summary {
	var s Summary
	if len(trades) == 0 {
		return s
	}

	ordered := make([]models.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OpenTime.Before(ordered[j].OpenTime) })

	var grossWin, grossLoss, cum, peak float64
	var holding time.Duration
	pnl := decimal.Zero

	for _, t := range ordered {
		s.Trades++
		switch t.Outcome {
		case models.Win:
			s.Wins++
			grossWin += t.PnLR
		case models.Loss:
			s.Losses++
			grossLoss += math.Abs(t.PnLR)
		default:
			s.Timeouts++
		}

		cum += t.PnLR
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > s.MaxDrawdownR {
			s.MaxDrawdownR = dd
		}
		holding += t.Holding()
		pnl = pnl.Add(decimal.NewFromFloat(t.PnL))
	}

	n := float64(s.Trades)
	s.TotalR = cum
	s.WinRate = 100 * float64(s.Wins) / n
	s.ExpectancyR = cum / n
	s.AvgHolding = holding / time.Duration(s.Trades)
	s.NetPnL, _ = pnl.Round(8).Float64()
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	} else {
		s.ProfitFactor = grossWin
	}
	return s
}

// Breakdown статистика в целом, по направлению, режиму и сессии
func Breakdown(trades []models.Trade) Report {
	byDir := make(map[models.Direction][]models.Trade)
	byRegime := make(map[models.Regime][]models.Trade)
	bySession := make(map[string][]models.Trade)
	for _, t := range trades {
		byDir[t.Direction] = append(byDir[t.Direction], t)
		byRegime[t.Regime] = append(byRegime[t.Regime], t)
		bySession[t.Session] = append(bySession[t.Session], t)
	}

	r := Report{
		Overall:     Compute(trades),
		ByDirection: make(map[models.Direction]Summary, len(byDir)),
		ByRegime:    make(map[models.Regime]Summary, len(byRegime)),
		BySession:   make(map[string]Summary, len(bySession)),
	}
	for k, v := range byDir {
		r.ByDirection[k] = Compute(v)
	}
	for k, v := range byRegime {
		r.ByRegime[k] = Compute(v)
	}
	for k, v := range bySession {
		r.BySession[k] = Compute(v)
	}
	return r
}
