package statistics

import (
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/claimtest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBenfordExpectedTable(t *testing.T) {
	sum := 0.0
	for d := 1; d <= 9; d++ {
		sum += BenfordExpected[d]
		assert.InDelta(t, math.Log10(1+1/float64(d)), BenfordExpected[d], 0.001)
	}
	assert.InDelta(t, 1.0, sum, 0.01)
}

func TestLeadingDigit(t *testing.T) {
	tests := []struct {
		value float64
		want  int
	}{
		{150, 1},
		{5000, 5},
		{-42.5, 4},
		{0.075, 7},
		{9.99, 9},
		{0, 0},
		{math.NaN(), 0},
		{math.Inf(1), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LeadingDigit(tt.value), "value %v", tt.value)
	}
}

func skewedFrame(t *testing.T) *frame.Frame {
	t.Helper()
	var charges []float64
	for i := 0; i < 50; i++ {
		charges = append(charges, 500+float64(i))
	}
	for _, c := range []float64{100, 120, 200, 250, 300, 410, 620, 700, 850, 990} {
		charges = append(charges, c)
	}
	return claimtest.Frame(t, claimtest.Charges("PRV1", "99213", "2024-01-15", charges...)...)
}

func TestBenfordGlobal(t *testing.T) {
	a := NewBenfordAnalyzer()
	f := skewedFrame(t)

	t.Run("FlagsOverRepresentedDigit", func(t *testing.T) {
		out, err := a.Analyze(f, frame.ColChargeAmount, "", DefaultBenfordThreshold)
		require.NoError(t, err)

		flags := claimtest.Flags(t, out, domain.FlagBenfordsAnomaly)
		for i := 0; i < 50; i++ {
			assert.True(t, flags[claimtest.ID("PRV1", i)])
		}
		for i := 50; i < 60; i++ {
			assert.False(t, flags[claimtest.ID("PRV1", i)])
		}
	})

	t.Run("HighThresholdFlagsNothing", func(t *testing.T) {
		out, err := a.Analyze(f, frame.ColChargeAmount, "", 0.99)
		require.NoError(t, err)
		flags, err := out.Bools(domain.FlagBenfordsAnomaly)
		require.NoError(t, err)
		assert.Zero(t, flags.Count())
	})

	t.Run("ZeroValuesKeptUnflagged", func(t *testing.T) {
		f := claimtest.Frame(t, claimtest.Charges("PRV1", "99213", "2024-01-15", 0, 500, 510)...)
		out, err := a.Analyze(f, frame.ColChargeAmount, "", DefaultBenfordThreshold)
		require.NoError(t, err)
		flags := claimtest.Flags(t, out, domain.FlagBenfordsAnomaly)
		assert.Len(t, flags, 3)
		assert.False(t, flags[claimtest.ID("PRV1", 0)])
		assert.True(t, flags[claimtest.ID("PRV1", 1)])
	})

	t.Run("NoValidData", func(t *testing.T) {
		f := claimtest.Frame(t, claimtest.Charges("PRV1", "99213", "2024-01-15", 0, 0)...)
		_, err := a.Analyze(f, frame.ColChargeAmount, "", DefaultBenfordThreshold)
		assert.ErrorIs(t, err, ErrNoData)
	})
}

func TestBenfordGrouped(t *testing.T) {
	a := NewBenfordAnalyzer()

	var claims []domain.Claim
	claims = append(claims, claimtest.Charges("SKEW", "99213", "2024-01-15", 500, 510, 520, 530, 540)...)
	claims = append(claims, claimtest.Charges("NATURAL", "99213", "2024-01-15",
		100, 110, 120, 130, 140, 150, 200, 210, 220, 300, 310, 400, 500, 600, 700, 800, 900, 190, 170, 250)...)
	f := claimtest.Frame(t, claims...)

	out, err := a.Analyze(f, frame.ColChargeAmount, frame.ColProviderID, DefaultBenfordThreshold)
	require.NoError(t, err)

	flags := claimtest.Flags(t, out, domain.FlagBenfordsAnomaly)
	assert.True(t, flags[claimtest.ID("SKEW", 0)])
	assert.True(t, flags[claimtest.ID("SKEW", 4)])
	assert.False(t, flags[claimtest.ID("NATURAL", 0)])
}

func TestDistributionReport(t *testing.T) {
	a := NewBenfordAnalyzer()

	t.Run("Global", func(t *testing.T) {
		f := claimtest.Frame(t, claimtest.Charges("PRV1", "99213", "2024-01-15", 100, 150, 500, 0)...)
		report, err := a.DistributionReport(f, frame.ColChargeAmount, "")
		require.NoError(t, err)
		require.Len(t, report, 2)

		assert.Equal(t, 1, report[0].FirstDigit)
		assert.Equal(t, 2, report[0].Count)
		assert.Equal(t, 3, report[0].Total)
		assert.Equal(t, 0.6667, report[0].ObservedFrequency)
		assert.Equal(t, 0.301, report[0].ExpectedFrequency)
		assert.Equal(t, 0.3657, report[0].Deviation)
		assert.Equal(t, 121.5, report[0].DeviationPercentage)

		assert.Equal(t, 5, report[1].FirstDigit)
	})

	t.Run("GroupedOrdering", func(t *testing.T) {
		var claims []domain.Claim
		claims = append(claims, claimtest.Charges("ZED", "99213", "2024-01-15", 300, 100)...)
		claims = append(claims, claimtest.Charges("ABC", "99213", "2024-01-15", 200)...)
		f := claimtest.Frame(t, claims...)

		report, err := a.DistributionReport(f, frame.ColChargeAmount, frame.ColProviderID)
		require.NoError(t, err)
		require.Len(t, report, 3)
		assert.Equal(t, "ABC", report[0].Group)
		assert.Equal(t, "ZED", report[1].Group)
		assert.Equal(t, 1, report[1].FirstDigit)
		assert.Equal(t, 3, report[2].FirstDigit)
	})
}
