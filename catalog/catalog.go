// Package catalog loads the product catalog the payment surface sells from.
// The catalog is immutable after startup; handlers resolve products by id and
// never mutate entries.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProductType distinguishes one-off purchases from recurring plans.
type ProductType string

const (
	ProductOneTime      ProductType = "ONE_TIME"
	ProductSubscription ProductType = "SUBSCRIPTION"
)

// PeriodType is the billing cadence of a subscription product.
type PeriodType string

const (
	PeriodWeek  PeriodType = "week"
	PeriodMonth PeriodType = "month"
	PeriodYear  PeriodType = "year"
)

// FirstType selects how the gateway charges the first subscription cycle:
// immediately on authorization ("build") or on the configured period date
// ("date").
const (
	FirstOnBuild = "build"
	FirstOnDate  = "date"
)

// Product is a single sellable item. Price is in the minor currency unit.
type Product struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Price       int64       `yaml:"price"`
	Type        ProductType `yaml:"type"`

	// Subscription-only fields.
	PeriodType  PeriodType `yaml:"period_type,omitempty"`
	PeriodDate  string     `yaml:"period_date,omitempty"`
	PeriodTimes int        `yaml:"period_times,omitempty"`
	FirstType   string     `yaml:"first_type,omitempty"`
	FirstAmount int64      `yaml:"first_amount,omitempty"`
}

// IsSubscription reports whether the product bills on a recurring cycle.
func (p Product) IsSubscription() bool {
	return p.Type == ProductSubscription
}

// ExtensionDays returns the entitlement extension for one paid cycle. Each
// value overshoots the calendar period so a late cycle notification cannot
// lapse access before the next charge lands.
func (p Product) ExtensionDays() int {
	switch p.PeriodType {
	case PeriodWeek:
		return 8
	case PeriodYear:
		return 366
	default:
		return 32
	}
}

func (p Product) validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("product id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("product %s: name is required", p.ID)
	}
	if p.Price <= 0 {
		return fmt.Errorf("product %s: price must be positive", p.ID)
	}
	switch p.Type {
	case ProductOneTime:
	case ProductSubscription:
		switch p.PeriodType {
		case PeriodWeek, PeriodMonth, PeriodYear:
		default:
			return fmt.Errorf("product %s: period_type must be week, month, or year", p.ID)
		}
		if strings.TrimSpace(p.PeriodDate) == "" {
			return fmt.Errorf("product %s: period_date is required for subscriptions", p.ID)
		}
		if p.PeriodTimes <= 0 {
			return fmt.Errorf("product %s: period_times must be positive", p.ID)
		}
		switch p.FirstType {
		case FirstOnBuild, FirstOnDate:
		default:
			return fmt.Errorf("product %s: first_type must be %q or %q", p.ID, FirstOnBuild, FirstOnDate)
		}
	default:
		return fmt.Errorf("product %s: unknown type %q", p.ID, p.Type)
	}
	return nil
}

// Catalog is a validated, id-indexed product set.
type Catalog struct {
	byID  map[string]Product
	order []string
}

type catalogFile struct {
	Products []Product `yaml:"products"`
}

// Load reads and parses the catalog file at path.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog document and validates every product.
func Parse(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return New(file.Products)
}

// New builds a catalog from already-decoded products, applying defaults and
// validation. Tests and embedded defaults use this directly.
func New(products []Product) (*Catalog, error) {
	if len(products) == 0 {
		return nil, fmt.Errorf("catalog has no products")
	}
	c := &Catalog{byID: make(map[string]Product, len(products))}
	for i := range products {
		p := products[i]
		p.ID = strings.TrimSpace(p.ID)
		p.Name = strings.TrimSpace(p.Name)
		if p.Type == ProductSubscription && strings.TrimSpace(p.FirstType) == "" {
			p.FirstType = FirstOnBuild
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, exists := c.byID[p.ID]; exists {
			return nil, fmt.Errorf("duplicate product id %s", p.ID)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Find returns the product with the given id.
func (c *Catalog) Find(id string) (Product, bool) {
	if c == nil {
		return Product{}, false
	}
	p, ok := c.byID[strings.TrimSpace(id)]
	return p, ok
}

// Products returns the catalog in file order.
func (c *Catalog) Products() []Product {
	if c == nil {
		return nil
	}
	out := make([]Product, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Len reports the number of products.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byID)
}
