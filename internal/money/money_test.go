package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundKeepsThreePlaces(t *testing.T) {
	got := Round(decimal.RequireFromString("27.16666666"))
	assert.True(t, got.Equal(decimal.RequireFromString("27.167")), "got %s", got)
	assert.Equal(t, "15.000", Format(decimal.NewFromInt(15)))
}

func TestWithinTolerance(t *testing.T) {
	assert.True(t, WithinTolerance(decimal.RequireFromString("150000.000000000003"), decimal.NewFromInt(150000)))
	assert.False(t, WithinTolerance(decimal.RequireFromString("150000.01"), decimal.NewFromInt(150000)))
}

func TestNonNegativeAndSum(t *testing.T) {
	assert.True(t, NonNegative(decimal.NewFromInt(-4)).IsZero())
	assert.True(t, NonNegative(decimal.NewFromInt(4)).Equal(decimal.NewFromInt(4)))
	assert.True(t, Sum(decimal.NewFromInt(1), decimal.RequireFromString("2.5")).Equal(decimal.RequireFromString("3.5")))
	assert.True(t, Sum().IsZero())
}

func TestCovers(t *testing.T) {
	due := decimal.RequireFromString("27.1666666666666667")
	assert.True(t, Covers(decimal.RequireFromString("27.1666666"), due))
	assert.True(t, Covers(decimal.NewFromInt(30), due))
	assert.False(t, Covers(decimal.NewFromInt(27), due))
}
