package validator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantslab/clmmlab/episode"
)

func goodProposal() episode.Proposal {
	return episode.Proposal{
		EpisodeID:   "ep_20260101_000000_1",
		Status:      episode.ProposalActive,
		Connector:   "uniswap_v3_clmm",
		Chain:       "ethereum",
		Network:     "mainnet",
		PoolAddress: "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640",
		Params: episode.Params{
			RangeWidthBps:         200,
			RefreshIntervalSec:    60,
			SpreadBps:             15,
			OrderSizeUSD:          1000,
			RebalanceThresholdBps: 100,
			MaxPositionUSD:        50000,
		},
	}
}

func requireField(t *testing.T, err error, field string) {
	t.Helper()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, field, verr.Field)
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, New().Validate(goodProposal()))
}

func TestValidateChainWhitelist(t *testing.T) {
	v := New()

	p := goodProposal()
	p.Chain = "dogechain"
	requireField(t, v.Validate(p), "chain")

	p = goodProposal()
	p.Network = "goerli"
	requireField(t, v.Validate(p), "network")

	p = goodProposal()
	p.Chain = "solana"
	p.Network = "mainnet-beta"
	p.PoolAddress = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	require.NoError(t, v.Validate(p))
}

func TestValidatePoolAddress(t *testing.T) {
	v := New()

	p := goodProposal()
	p.PoolAddress = ""
	requireField(t, v.Validate(p), "pool_address")

	p.PoolAddress = "0x1234"
	requireField(t, v.Validate(p), "pool_address")

	p.PoolAddress = "0xZZe6A0c2dDD26FEEb64F039a2c41296FcB3f5640"
	requireField(t, v.Validate(p), "pool_address")

	// The testing escape hatch skips the address check entirely.
	require.NoError(t, New(WithPoolValidationDisabled()).Validate(p))
}

func TestValidateBounds(t *testing.T) {
	v := New()

	p := goodProposal()
	p.Params.SpreadBps = 10000
	requireField(t, v.Validate(p), "spread_bps")

	p = goodProposal()
	p.Params.SpreadBps = 0
	requireField(t, v.Validate(p), "spread_bps")

	p = goodProposal()
	p.Params.RefreshIntervalSec = 5
	requireField(t, v.Validate(p), "refresh_interval_s")

	p = goodProposal()
	p.Params.RefreshIntervalSec = 10
	require.NoError(t, v.Validate(p))

	p = goodProposal()
	p.Params.OrderSizeUSD = 2e6
	requireField(t, v.Validate(p), "order_size_usd")

	p = goodProposal()
	p.Params.RangeWidthBps = 5001
	requireField(t, v.Validate(p), "range_width_bps")

	p = goodProposal()
	p.Params.MaxPositionUSD = 2e7
	requireField(t, v.Validate(p), "max_position_usd")
}

func TestValidateRejectsNonFinite(t *testing.T) {
	v := New()

	p := goodProposal()
	p.Params.SpreadBps = math.NaN()
	requireField(t, v.Validate(p), "spread_bps")

	p = goodProposal()
	p.Params.OrderSizeUSD = math.Inf(1)
	requireField(t, v.Validate(p), "order_size_usd")
}

func TestValidateRequiredFields(t *testing.T) {
	v := New()

	p := goodProposal()
	p.EpisodeID = ""
	requireField(t, v.Validate(p), "episode_id")

	p = goodProposal()
	p.Connector = "uniswap_v2"
	requireField(t, v.Validate(p), "connector_execution")
}
