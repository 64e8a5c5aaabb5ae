package backtest

import (
	"github.com/synapsestrike/signalcore/collab"
	"github.com/synapsestrike/signalcore/signal"
)

// CalculateStats reduces a run's resolved signals to the summary columns of
// the backtest-run row (§3.1, §6): win rate, expectancy-R, total-R and
// profit factor. R is risk-normalized: +reward/risk on TP, -1 on SL.
func CalculateStats(signals []signal.Record) collab.RunStats {
	var stats collab.RunStats
	var grossWinR, grossLossR float64

	for _, s := range signals {
		stats.TotalSignals++
		switch s.Outcome {
		case signal.TP:
			stats.Wins++
			r := s.RewardAmount().Div(s.RiskAmount())
			rf, _ := r.Float64()
			stats.TotalR += rf
			grossWinR += rf
		case signal.SL:
			stats.Losses++
			stats.TotalR -= 1
			grossLossR += 1
		default:
			stats.Active++
		}
	}

	decided := stats.Wins + stats.Losses
	if decided > 0 {
		stats.WinRate = float64(stats.Wins) / float64(decided)
		stats.ExpectancyR = stats.TotalR / float64(decided)
	}
	if grossLossR > 0 {
		stats.ProfitFactor = grossWinR / grossLossR
	}

	return stats
}
