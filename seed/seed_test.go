package seed_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierpoint/allocation-engine/seed"
	"github.com/tierpoint/allocation-engine/store/memory"
)

const fixtureYAML = `
products:
  - id: prod-1
    name: Industrial Widget
    stock: 100
    points_per_unit: 10
    price: "24.99"
  - id: prod-2
    name: Premium Gadget
    stock: 50
    points_per_unit: 25
    price: "99.00"

deals:
  - id: deal-1
    product_id: prod-1
    min_quantity: 10
    bonus_points: 100
    starts_at: 2026-01-01T00:00:00Z
    ends_at: 2027-01-01T00:00:00Z

requests:
  - id: req-1
    product_id: prod-1
    client_id: client-1
    quantity: 5
    unit_price: "24.99"
  - product_id: prod-2
    client_id: client-2
    quantity: 2
    unit_price: "99.00"
`

func TestFixture_ParseAndApply(t *testing.T) {
	fixture, err := seed.Parse([]byte(fixtureYAML))
	require.NoError(t, err)
	require.Len(t, fixture.Products, 2)
	require.Len(t, fixture.Deals, 1)
	require.Len(t, fixture.Requests, 2)

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, fixture.Apply(ctx, store, store, store))

	products, err := store.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, 2)

	product, err := store.GetProduct(ctx, "prod-1")
	require.NoError(t, err)
	require.NotNil(t, product)
	assert.Equal(t, int64(100), product.Stock)
	assert.Equal(t, "24.99", product.Price.String())

	deals, err := store.ActiveDeals(ctx, "prod-1",
		time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, deals, 1)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// Requests without an explicit id get one generated
	for _, r := range pending {
		assert.NotEmpty(t, r.ID)
	}
}

func TestFixture_Parse_BadYAML_Fails(t *testing.T) {
	_, err := seed.Parse([]byte("products: [not a mapping"))
	assert.Error(t, err)
}

func TestFixture_Apply_BadPrice_Fails(t *testing.T) {
	fixture, err := seed.Parse([]byte(`
products:
  - id: prod-1
    name: Widget
    stock: 10
    price: "not-a-number"
`))
	require.NoError(t, err)

	store := memory.New()
	err = fixture.Apply(context.Background(), store, store, store)
	assert.Error(t, err)
}
