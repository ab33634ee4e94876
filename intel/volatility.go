package intel

import (
	"math"
	"strconv"
)

// swapRow is the slice of a swap record the volatility estimator needs.
// sqrt_price_x96 arrives as a decimal string because the raw value exceeds
// int64.
type swapRow struct {
	SqrtPriceX96 string  `json:"sqrt_price_x96"`
	Amount0      float64 `json:"amount0"`
	Amount1      float64 `json:"amount1"`
	Liquidity    float64 `json:"liquidity"`
}

const secondsPerYear = 365 * 24 * 3600.0

// annualizedVolatility estimates volatility from the log returns of the
// swap stream's sqrt prices. price = sqrtPrice^2, so each log price return
// is twice the log sqrt-price return; the Q96 scale factor cancels. The
// per-sample standard deviation is annualized assuming samples spread
// evenly over the window.
func annualizedVolatility(rows []swapRow, window Window) float64 {
	returns := make([]float64, 0, len(rows))
	prev := 0.0
	for _, r := range rows {
		sp, err := strconv.ParseFloat(r.SqrtPriceX96, 64)
		if err != nil || sp <= 0 {
			continue
		}
		if prev > 0 {
			returns = append(returns, 2*math.Log(sp/prev))
		}
		prev = sp
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	dt := float64(window.Duration()) / float64(len(returns))
	return math.Sqrt(variance) * math.Sqrt(secondsPerYear/dt)
}

// Regime classification thresholds. Annualized volatility above volHigh
// counts as high-vol; average liquidity above liqHigh counts as deep.
const (
	volHigh = 0.6
	liqHigh = 5e6
)

// classifyRegime buckets the market state into one of the four regime keys
// driving mock tick-path generation and agent policy.
func classifyRegime(vol, avgLiquidity float64) string {
	v := "low_vol"
	if vol > volHigh {
		v = "high_vol"
	}
	l := "low_liquidity"
	if avgLiquidity > liqHigh {
		l = "high_liquidity"
	}
	return v + "_" + l
}
