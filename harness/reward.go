package harness

import "github.com/quantslab/clmmlab/episode"

// rangePenaltyWeight scales the time-out-of-range fraction into the reward.
// Being out of range forgoes fees and signals a mis-sized range, so it is
// penalized beyond the direct P&L impact.
const rangePenaltyWeight = 10.0

// Reward derives the learning signal from a result: realized P&L plus fees,
// minus gas and a penalty proportional to the out-of-range fraction.
func Reward(res episode.Result) episode.RewardBreakdown {
	oor := 0.0
	if res.OutOfRangePct != nil {
		oor = *res.OutOfRangePct
	}
	components := map[string]float64{
		"pnl":           res.PnLUSD,
		"fees":          res.FeesUSD,
		"gas_penalty":   -res.GasCostUSD,
		"range_penalty": -rangePenaltyWeight * oor,
	}
	total := 0.0
	for _, v := range components {
		total += v
	}
	return episode.RewardBreakdown{Total: total, Components: components}
}
