package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantslab/clmmlab/episode"
)

// fakeGateway scripts gateway behavior for executor tests.
type fakeGateway struct {
	healthErr    error
	healthCalls  int
	quote        episode.QuoteResult
	quoteErr     error
	quoteErrOnce bool
	quoteCalls   int
	report       ExecutionReport
	executeErr   error
	executeCalls int
}

func (g *fakeGateway) Health(context.Context) (float64, error) {
	g.healthCalls++
	if g.healthErr != nil {
		return 0, g.healthErr
	}
	return 4.2, nil
}

func (g *fakeGateway) Quote(context.Context, QuoteRequest) (episode.QuoteResult, error) {
	g.quoteCalls++
	if g.quoteErr != nil {
		if g.quoteErrOnce {
			err := g.quoteErr
			g.quoteErr = nil
			return episode.QuoteResult{}, err
		}
		return episode.QuoteResult{}, g.quoteErr
	}
	return g.quote, nil
}

func (g *fakeGateway) Execute(context.Context, ExecuteRequest) (ExecutionReport, error) {
	g.executeCalls++
	if g.executeErr != nil {
		return ExecutionReport{}, g.executeErr
	}
	return g.report, nil
}

func goodQuote() episode.QuoteResult {
	out := int64(997000)
	gas := int64(180000)
	return episode.QuoteResult{
		Success:           true,
		SimulationSuccess: true,
		AmountOut:         &out,
		GasEstimate:       &gas,
		LatencyMS:         12,
		Source:            "live",
	}
}

func TestLiveQuoteRevertSkips(t *testing.T) {
	gw := &fakeGateway{quote: episode.QuoteResult{Success: false, Error: "execution reverted"}}
	h := New("real", WithGateway(gw), WithRiskAcknowledged())

	res, status, err := h.Execute(context.Background(), activeProposal(), "run_x", 1, "mean_revert")
	require.NoError(t, err)
	require.Equal(t, episode.StatusSkipped, res.Status)
	require.Contains(t, res.Error, "reverted")
	require.Equal(t, "healthy", status.Health)
	require.Zero(t, gw.executeCalls)
}

func TestLiveGasCeilingSkips(t *testing.T) {
	q := goodQuote()
	big := int64(5_000_000)
	q.GasEstimate = &big
	gw := &fakeGateway{quote: q}
	h := New("real", WithGateway(gw), WithRiskAcknowledged(), WithGasCeiling(1_000_000))

	res, _, err := h.Execute(context.Background(), activeProposal(), "run_x", 1, "mean_revert")
	require.NoError(t, err)
	require.Equal(t, episode.StatusSkipped, res.Status)
	require.Contains(t, res.Error, "gas estimate")
	require.Zero(t, gw.executeCalls)
}

func TestLiveZeroOutputSkips(t *testing.T) {
	q := goodQuote()
	zero := int64(0)
	q.AmountOut = &zero
	h := New("real", WithGateway(&fakeGateway{quote: q}), WithRiskAcknowledged())

	res, _, err := h.Execute(context.Background(), activeProposal(), "run_x", 1, "mean_revert")
	require.NoError(t, err)
	require.Equal(t, episode.StatusSkipped, res.Status)
	require.Contains(t, res.Error, "zero output")
}

func TestLiveRiskGateStopsAfterQuote(t *testing.T) {
	gw := &fakeGateway{quote: goodQuote()}
	h := New("real", WithGateway(gw))

	res, _, err := h.Execute(context.Background(), activeProposal(), "run_x", 1, "mean_revert")
	require.NoError(t, err)
	require.Equal(t, episode.StatusSkipped, res.Status)
	require.Contains(t, res.Error, "risk not acknowledged")
	require.NotNil(t, res.Simulation)
	require.Zero(t, gw.executeCalls)
}

func TestLiveQuoteRetriesTransientError(t *testing.T) {
	gw := &fakeGateway{quote: goodQuote(), quoteErr: errors.New("connection reset"), quoteErrOnce: true}
	h := New("real", WithGateway(gw), WithRiskAcknowledged())

	res, _, err := h.Execute(context.Background(), activeProposal(), "run_x", 1, "mean_revert")
	require.NoError(t, err)
	require.Equal(t, episode.StatusSuccess, res.Status)
	require.Equal(t, 2, gw.quoteCalls)
	require.Equal(t, 1, gw.executeCalls)
}

func TestLiveExecuteSuccess(t *testing.T) {
	gw := &fakeGateway{
		quote:  goodQuote(),
		report: ExecutionReport{PnLUSD: 1.5, FeesUSD: 3.2, GasCostUSD: 0.8, TradeCount: 4, LatencyMS: 250},
	}
	h := New("real", WithGateway(gw), WithRiskAcknowledged())

	res, status, err := h.Execute(context.Background(), activeProposal(), "run_x", 1, "mean_revert")
	require.NoError(t, err)
	require.Equal(t, episode.StatusSuccess, res.Status)
	require.Equal(t, episode.ModeReal, res.ExecMode)
	require.Equal(t, 1.5, res.PnLUSD)
	require.Equal(t, "live", res.Sim.Source)
	require.Equal(t, "healthy", status.Health)
	require.NotNil(t, status.LatencyMS)
}

func TestLiveExecuteHardErrorPropagates(t *testing.T) {
	gw := &fakeGateway{quote: goodQuote(), executeErr: errors.New("gateway exploded")}
	h := New("real", WithGateway(gw), WithRiskAcknowledged())

	_, _, err := h.Execute(context.Background(), activeProposal(), "run_x", 1, "mean_revert")
	require.Error(t, err)
	require.Contains(t, err.Error(), "gateway execute")
}
