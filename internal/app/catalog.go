package app

import (
	"slices"

	"github.com/dkeye/coshop/internal/domain"
)

// Catalog is the fixed product list loaded from config.
type Catalog struct {
	products []domain.Product
	byID     map[domain.ProductID]domain.Product
}

func NewCatalog(products []domain.Product) *Catalog {
	c := &Catalog{byID: make(map[domain.ProductID]domain.Product, len(products))}
	for _, p := range products {
		if p.ID == "" {
			continue
		}
		if _, dup := c.byID[p.ID]; dup {
			continue
		}
		c.byID[p.ID] = p
		c.products = append(c.products, p)
	}
	return c
}

func (c *Catalog) Products() []domain.Product { return slices.Clone(c.products) }

func (c *Catalog) Get(id domain.ProductID) (domain.Product, bool) {
	p, ok := c.byID[id]
	return p, ok
}
