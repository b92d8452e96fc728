package allocation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tierpoint/allocation-engine/allocation"
)

func widget(pointsPerUnit int64) *allocation.Product {
	return &allocation.Product{ID: "prod-1", Name: "Widget", PointsPerUnit: pointsPerUnit}
}

func TestCalculatePoints_BaseOnly(t *testing.T) {
	b := allocation.CalculatePoints(widget(10), nil, 5)

	assert.Equal(t, int64(50), b.Base)
	assert.Equal(t, int64(0), b.Bonus)
	assert.Empty(t, b.AppliedDeal)
	assert.Equal(t, int64(50), b.Total())
}

func TestCalculatePoints_QualifyingDeal_FlatBonus(t *testing.T) {
	// The bonus is a flat add, not multiplied by quantity
	deals := []allocation.Deal{
		{ID: "deal-1", MinQuantity: 10, BonusPoints: 100},
	}

	b := allocation.CalculatePoints(widget(10), deals, 12)

	assert.Equal(t, int64(120), b.Base)
	assert.Equal(t, int64(100), b.Bonus)
	assert.Equal(t, "deal-1", b.AppliedDeal)
	assert.Equal(t, int64(220), b.Total())
}

func TestCalculatePoints_BelowMinQuantity_NoBonus(t *testing.T) {
	deals := []allocation.Deal{
		{ID: "deal-1", MinQuantity: 10, BonusPoints: 100},
	}

	b := allocation.CalculatePoints(widget(10), deals, 9)

	assert.Equal(t, int64(0), b.Bonus)
	assert.Empty(t, b.AppliedDeal)
}

func TestCalculatePoints_ExactMinQuantity_Qualifies(t *testing.T) {
	deals := []allocation.Deal{
		{ID: "deal-1", MinQuantity: 10, BonusPoints: 100},
	}

	b := allocation.CalculatePoints(widget(10), deals, 10)

	assert.Equal(t, int64(100), b.Bonus)
}

func TestCalculatePoints_MultipleQualifyingDeals_LargestWins(t *testing.T) {
	deals := []allocation.Deal{
		{ID: "deal-small", MinQuantity: 5, BonusPoints: 50},
		{ID: "deal-big", MinQuantity: 10, BonusPoints: 200},
		{ID: "deal-mid", MinQuantity: 8, BonusPoints: 120},
	}

	b := allocation.CalculatePoints(widget(10), deals, 15)

	assert.Equal(t, int64(200), b.Bonus)
	assert.Equal(t, "deal-big", b.AppliedDeal)
}

func TestCalculatePoints_ZeroPointProduct(t *testing.T) {
	b := allocation.CalculatePoints(widget(0), nil, 100)

	assert.Equal(t, int64(0), b.Total())
}
