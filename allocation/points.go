/*
points.go - Loyalty point calculation

PURPOSE:
  Computes the points credited for an approved request. This is a pure
  function invoked explicitly by the Reconciler before the credit call, so
  the side effect is visible in the call graph rather than hidden in a
  persistence hook.

RULES:
  base  = quantity x product.PointsPerUnit
  bonus = largest flat BonusPoints among deals active at approval time
          whose MinQuantity is met (bonus is a flat add, not per unit)
*/
package allocation

// PointsBreakdown itemizes a point calculation for auditability.
type PointsBreakdown struct {
	Base        int64
	Bonus       int64
	AppliedDeal string // id of the deal that granted the bonus, if any
}

// Total returns base + bonus.
func (b PointsBreakdown) Total() int64 {
	return b.Base + b.Bonus
}

// CalculatePoints computes the credit for quantity units of a product.
// deals must already be filtered to those active at approval time
// (Catalog.ActiveDeals does this). When several deals qualify, the largest
// bonus wins.
func CalculatePoints(product *Product, deals []Deal, quantity int64) PointsBreakdown {
	breakdown := PointsBreakdown{
		Base: quantity * product.PointsPerUnit,
	}

	for _, d := range deals {
		if quantity < d.MinQuantity {
			continue
		}
		if d.BonusPoints > breakdown.Bonus {
			breakdown.Bonus = d.BonusPoints
			breakdown.AppliedDeal = d.ID
		}
	}

	return breakdown
}
