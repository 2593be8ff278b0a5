package solana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	values := []uint64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}

	assert.Equal(t, uint64(600), percentile(values, 50))
	assert.Equal(t, uint64(800), percentile(values, 75))
	assert.Equal(t, uint64(1000), percentile(values, 90))
	assert.Equal(t, uint64(0), percentile(nil, 50))
	assert.Equal(t, uint64(100), percentile([]uint64{100}, 50))
}

type stubSampler struct {
	values []uint64
	err    error
}

func (s *stubSampler) RecentPrioritizationFees(context.Context) ([]uint64, error) {
	return s.values, s.err
}

func TestFeeEstimator_Estimate(t *testing.T) {
	src := &stubSampler{values: []uint64{1000, 100, 900, 200, 800, 300, 700, 400, 600, 500}}
	est := NewFeeEstimator(FeeConfig{}, src)

	assert.Equal(t, uint64(DefaultPriorityFee), est.Estimate(), "default before first sample")

	require.NoError(t, est.Refresh(context.Background()))
	assert.Equal(t, uint64(800), est.Estimate())

	stats := est.Stats()
	assert.Equal(t, uint64(600), stats.P50)
	assert.Equal(t, uint64(1000), stats.P90)
	assert.Equal(t, 10, stats.Samples)
	assert.False(t, stats.LastFetch.IsZero())
}

func TestFeeEstimator_MultiplierAndCeiling(t *testing.T) {
	src := &stubSampler{values: []uint64{1000, 2000, 3000, 4000}}
	est := NewFeeEstimator(FeeConfig{Percentile: 50, Multiplier: 2, Ceiling: 5000}, src)

	require.NoError(t, est.Refresh(context.Background()))
	assert.Equal(t, uint64(5000), est.Estimate(), "2x p50 capped at the ceiling")

	src.values = []uint64{1000}
	require.NoError(t, est.Refresh(context.Background()))
	assert.Equal(t, uint64(2000), est.Estimate())
}

func TestFeeEstimator_KeepsEstimateOnEmptyOrError(t *testing.T) {
	src := &stubSampler{values: []uint64{500}}
	est := NewFeeEstimator(FeeConfig{}, src)
	require.NoError(t, est.Refresh(context.Background()))

	src.values = nil
	require.NoError(t, est.Refresh(context.Background()))
	assert.Equal(t, uint64(500), est.Estimate())

	src.err = errors.New("rpc down")
	assert.Error(t, est.Refresh(context.Background()))
	assert.Equal(t, uint64(500), est.Estimate())

	stats := est.Stats()
	assert.Equal(t, int64(3), stats.Refreshes)
	assert.Equal(t, int64(1), stats.Failures)
}

func TestLiveRPC_RecentPrioritizationFees(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getRecentPrioritizationFees", req.Method)
		writeResult(w, []map[string]uint64{
			{"slot": 1, "prioritizationFee": 0},
			{"slot": 2, "prioritizationFee": 1500},
			{"slot": 3, "prioritizationFee": 250},
		})
	})

	fees, err := client.RecentPrioritizationFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1500, 250}, fees)
}

func TestFailover_RecentPrioritizationFeesUnsupported(t *testing.T) {
	f, _, _ := newTestFailover(t, 2)

	_, err := f.RecentPrioritizationFees(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllEndpointsFailed))
	assert.True(t, errors.Is(err, ErrFeesUnsupported))
}
