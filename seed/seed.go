// Package seed loads YAML fixture files describing products, deals and
// pending requests, and applies them to the stores. Used for local
// development and demo environments.
package seed

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tierpoint/allocation-engine/allocation"
)

// Fixture is the root of a seed file.
type Fixture struct {
	Products []ProductSeed `yaml:"products"`
	Deals    []DealSeed    `yaml:"deals"`
	Requests []RequestSeed `yaml:"requests"`
}

type ProductSeed struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Stock         int64  `yaml:"stock"`
	PointsPerUnit int64  `yaml:"points_per_unit"`
	Price         string `yaml:"price"`
}

type DealSeed struct {
	ID          string    `yaml:"id"`
	ProductID   string    `yaml:"product_id"`
	MinQuantity int64     `yaml:"min_quantity"`
	BonusPoints int64     `yaml:"bonus_points"`
	StartsAt    time.Time `yaml:"starts_at"`
	EndsAt      time.Time `yaml:"ends_at"`
}

type RequestSeed struct {
	ID        string `yaml:"id"`
	ProductID string `yaml:"product_id"`
	ClientID  string `yaml:"client_id"`
	Quantity  int64  `yaml:"quantity"`
	UnitPrice string `yaml:"unit_price"`
}

// Load parses a fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

// Parse parses fixture YAML.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &f, nil
}

// Apply writes the fixture contents through the stores. Requests without an
// id get a generated one.
func (f *Fixture) Apply(ctx context.Context, inventory allocation.InventoryStore, catalog allocation.Catalog, requests allocation.RequestStore) error {
	for _, p := range f.Products {
		price, err := parsePrice(p.Price)
		if err != nil {
			return fmt.Errorf("product %s: %w", p.ID, err)
		}
		err = inventory.SaveProduct(ctx, allocation.Product{
			ID:            allocation.ProductID(p.ID),
			Name:          p.Name,
			Stock:         p.Stock,
			PointsPerUnit: p.PointsPerUnit,
			Price:         price,
		})
		if err != nil {
			return fmt.Errorf("product %s: %w", p.ID, err)
		}
	}

	for _, d := range f.Deals {
		err := catalog.SaveDeal(ctx, allocation.Deal{
			ID:          d.ID,
			ProductID:   allocation.ProductID(d.ProductID),
			MinQuantity: d.MinQuantity,
			BonusPoints: d.BonusPoints,
			StartsAt:    d.StartsAt,
			EndsAt:      d.EndsAt,
		})
		if err != nil {
			return fmt.Errorf("deal %s: %w", d.ID, err)
		}
	}

	for _, r := range f.Requests {
		price, err := parsePrice(r.UnitPrice)
		if err != nil {
			return fmt.Errorf("request %s: %w", r.ID, err)
		}
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		err = requests.Create(ctx, &allocation.PurchaseRequest{
			ID:        allocation.RequestID(id),
			ProductID: allocation.ProductID(r.ProductID),
			ClientID:  allocation.ClientID(r.ClientID),
			Quantity:  r.Quantity,
			UnitPrice: price,
		})
		if err != nil {
			return fmt.Errorf("request %s: %w", id, err)
		}
	}

	return nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	price, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return price, nil
}
