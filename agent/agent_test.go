package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantslab/clmmlab/artifact"
	"github.com/quantslab/clmmlab/episode"
	"github.com/quantslab/clmmlab/intel"
	"github.com/quantslab/clmmlab/qualitykv"
	"github.com/quantslab/clmmlab/qualitykv/filestore"
)

const (
	testPool = "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"
	testPair = "WETH-USDC"
)

func newFixture(t *testing.T) (*artifact.Writer, qualitykv.Store) {
	t.Helper()
	dir := t.TempDir()
	w, err := artifact.NewWriter(dir)
	require.NoError(t, err)
	s, err := filestore.Open(filepath.Join(dir, "cache.json"))
	require.NoError(t, err)
	return w, s
}

func newBuiltin(w *artifact.Writer, s qualitykv.Store, seed int64) *Builtin {
	return NewBuiltin(BuiltinConfig{
		Writer:   w,
		Intel:    intel.New(s),
		Version:  "policy-v1",
		ExecMode: episode.ModeMock,
		Seed:     seed,
		Chain:    "ethereum",
		Network:  "mainnet",
		Pool:     testPool,
		Pair:     testPair,
	})
}

func TestBuiltinWritesArtifacts(t *testing.T) {
	w, s := newFixture(t)
	require.NoError(t, w.CreateEpisode("run_x", "ep_x"))

	p, err := newBuiltin(w, s, 12345).Propose(context.Background(), "run_x", "ep_x")
	require.NoError(t, err)
	require.Equal(t, episode.ProposalActive, p.Status)
	require.Equal(t, "uniswap_v3_clmm", p.Connector)
	require.NotEmpty(t, p.Metadata.ConfigHash)
	require.Equal(t, episode.ConfigHash(p.Params), p.Metadata.ConfigHash)
	require.True(t, w.Exists("run_x", "ep_x", artifact.KindProposal))
	require.True(t, w.Exists("run_x", "ep_x", artifact.KindMetadata))
}

func TestBuiltinDeterministicPerSeed(t *testing.T) {
	w1, s1 := newFixture(t)
	require.NoError(t, w1.CreateEpisode("run_x", "ep_x"))
	w2, s2 := newFixture(t)
	require.NoError(t, w2.CreateEpisode("run_x", "ep_x"))

	p1, err := newBuiltin(w1, s1, 777).Propose(context.Background(), "run_x", "ep_x")
	require.NoError(t, err)
	p2, err := newBuiltin(w2, s2, 777).Propose(context.Background(), "run_x", "ep_x")
	require.NoError(t, err)
	require.Equal(t, p1.Params, p2.Params)

	require.NoError(t, w1.CreateEpisode("run_x", "ep_y"))
	p3, err := newBuiltin(w1, s1, 778).Propose(context.Background(), "run_x", "ep_y")
	require.NoError(t, err)
	require.NotEqual(t, p1.Params, p3.Params)
}

func TestBuiltinSkipsUnhealthyPool(t *testing.T) {
	w, s := newFixture(t)
	require.NoError(t, w.CreateEpisode("run_x", "ep_x"))
	require.NoError(t, s.Set(context.Background(),
		qualitykv.Key("pool_health_score", map[string]string{"pool": testPool}),
		qualitykv.Envelope{
			OK:        true,
			Data:      json.RawMessage(`[{"score":5,"status":"critical"}]`),
			FetchedAt: time.Now(),
			Source:    "seed",
		}))

	p, err := newBuiltin(w, s, 1).Propose(context.Background(), "run_x", "ep_x")
	require.NoError(t, err)
	require.Equal(t, episode.ProposalSkipped, p.Status)
	require.Contains(t, p.SkipReason, "below floor")
}

func TestBuiltinParamsWithinValidatorBounds(t *testing.T) {
	w, s := newFixture(t)
	for i, seed := range []int64{1, 42, 999, -5} {
		ep := []string{"ep_a", "ep_b", "ep_c", "ep_d"}[i]
		require.NoError(t, w.CreateEpisode("run_x", ep))
		p, err := newBuiltin(w, s, seed).Propose(context.Background(), "run_x", ep)
		require.NoError(t, err)
		require.Greater(t, p.Params.SpreadBps, 0.0)
		require.LessOrEqual(t, p.Params.SpreadBps, 1000.0)
		require.GreaterOrEqual(t, p.Params.RefreshIntervalSec, 10.0)
		require.LessOrEqual(t, p.Params.RangeWidthBps, 5000.0)
		require.LessOrEqual(t, p.Params.RebalanceThresholdBps, 2500.0)
	}
}

func TestSubprocessAgentFailure(t *testing.T) {
	w, _ := newFixture(t)
	require.NoError(t, w.CreateEpisode("run_x", "ep_x"))

	s := NewSubprocess("false", w, nil)
	_, err := s.Propose(context.Background(), "run_x", "ep_x")
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	require.Equal(t, 1, aerr.ExitCode)
}

func TestSubprocessAgentNoProposal(t *testing.T) {
	w, _ := newFixture(t)
	require.NoError(t, w.CreateEpisode("run_x", "ep_x"))

	// Exits zero without writing anything.
	s := NewSubprocess("true", w, nil)
	_, err := s.Propose(context.Background(), "run_x", "ep_x")
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	require.Contains(t, aerr.Error(), "no proposal")
}
