package frame_test

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/claimtest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithIsAppendOnly(t *testing.T) {
	base := frame.New(2)
	f1, err := base.With("a", frame.NewBool([]bool{true, false}))
	require.NoError(t, err)

	_, err = f1.With("a", frame.NewBool([]bool{false, false}))
	assert.ErrorIs(t, err, frame.ErrColumnExists)

	_, err = f1.With("b", frame.NewBool([]bool{true}))
	assert.ErrorIs(t, err, frame.ErrLengthMismatch)

	f2, err := f1.With("b", frame.NewInt([]int64{1, 2}, nil))
	require.NoError(t, err)

	assert.False(t, base.Has("a"), "parent frame must not see appended columns")
	assert.False(t, f1.Has("b"))
	assert.Equal(t, []string{"a", "b"}, f2.Names())
	assert.Equal(t, 2, f2.Generation())
}

func TestTypedAccessors(t *testing.T) {
	f, err := frame.New(1).With("n", frame.NewInt([]int64{7}, nil))
	require.NoError(t, err)

	_, err = f.Strings("n")
	assert.ErrorIs(t, err, frame.ErrColumnType)

	_, err = f.Bools("missing")
	assert.ErrorIs(t, err, frame.ErrColumnNotFound)

	values, valid, err := f.Numeric("n")
	require.NoError(t, err)
	assert.Equal(t, []float64{7}, values)
	assert.Equal(t, []bool{true}, valid)
}

func TestSelect(t *testing.T) {
	f := claimtest.Frame(t, claimtest.Claim("C1", "P1", "D1", "99213", "2024-01-15", 100))

	sel, err := f.Select(frame.ColClaimID, frame.ColChargeAmount)
	require.NoError(t, err)
	assert.Equal(t, []string{frame.ColClaimID, frame.ColChargeAmount}, sel.Names())

	_, err = f.Select("nope")
	assert.ErrorIs(t, err, frame.ErrColumnNotFound)
}

func TestGroupBy(t *testing.T) {
	f := claimtest.Frame(t,
		claimtest.Claim("C1", "P1", "D1", "99213", "2024-01-15", 100),
		claimtest.Claim("C2", "P2", "D2", "99213", "2024-01-15", 100),
		claimtest.Claim("C3", "P3", "D1", "99214", "2024-01-15", 100),
		claimtest.Claim("C4", "P4", "D1", "99213", "2024-01-16", 100),
	)

	t.Run("SingleKey", func(t *testing.T) {
		g, err := f.GroupBy(frame.ColProviderID)
		require.NoError(t, err)
		assert.Equal(t, 2, g.Count())
		assert.Equal(t, [][]int{{0, 2, 3}, {1}}, g.Rows)
		assert.Equal(t, 3, g.Size(0))
	})

	t.Run("CompositeKey", func(t *testing.T) {
		g, err := f.GroupBy(frame.ColProviderID, frame.ColServiceDate)
		require.NoError(t, err)
		assert.Equal(t, 3, g.Count())
		assert.Equal(t, []int{0, 1, 0, 2}, g.Of)
	})

	t.Run("NoKeys", func(t *testing.T) {
		g, err := f.GroupBy()
		require.NoError(t, err)
		assert.Equal(t, 1, g.Count())
		assert.Equal(t, 4, g.Size(3))
	})

	t.Run("Broadcast", func(t *testing.T) {
		g, err := f.GroupBy(frame.ColProviderID)
		require.NoError(t, err)
		assert.Equal(t, []string{"x", "y", "x", "x"}, frame.Broadcast(g, []string{"x", "y"}))
	})
}

func TestGroupByNullKeys(t *testing.T) {
	f, err := frame.New(3).With("k", frame.NewString([]string{"a", "", "a"}, []bool{true, false, true}))
	require.NoError(t, err)

	g, err := f.GroupBy("k")
	require.NoError(t, err)
	assert.Equal(t, 2, g.Count())
	assert.Equal(t, []bool{false, true}, g.NullKey)
}

func TestFromClaimsOptionalColumns(t *testing.T) {
	plain := claimtest.Frame(t, claimtest.Claim("C1", "P1", "D1", "99213", "2024-01-15", 100))
	assert.False(t, plain.Has(frame.ColPatientState))
	assert.False(t, plain.Has(frame.CoordinateColumns...))

	located := claimtest.Frame(t,
		claimtest.WithCoordinates(claimtest.Claim("C1", "P1", "D1", "99213", "2024-01-15", 100), 40, -74, 41, -73),
		claimtest.Claim("C2", "P2", "D1", "99213", "2024-01-15", 100),
	)
	require.True(t, located.Has(frame.CoordinateColumns...))
	lat, err := located.Floats(frame.ColPatientLat)
	require.NoError(t, err)
	assert.False(t, lat.IsNull(0))
	assert.True(t, lat.IsNull(1))
}

func TestFromResults(t *testing.T) {
	f, err := frame.FromResults([]domain.ScoredResult{
		{ClaimID: "C1", ProviderID: "D1", ChargeAmount: decimal.RequireFromString("120.50"), FraudScore: 0.75},
		{ClaimID: "C2", ProviderID: "D2", ChargeAmount: decimal.RequireFromString("80"), FraudScore: 0.1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Len())
	assert.True(t, f.Has(frame.ColProviderID, frame.ColChargeAmount, frame.ColFraudScore))

	scores, err := f.Floats(frame.ColFraudScore)
	require.NoError(t, err)
	assert.Equal(t, 0.75, scores.Value(0))
}

func TestDayNumber(t *testing.T) {
	a := frame.DayNumber(claimtest.Date("2024-01-01"))
	b := frame.DayNumber(claimtest.Date("2024-03-01"))
	assert.Equal(t, int64(60), b-a)
}
