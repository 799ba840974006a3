// Package schema declares the star-schema layout: which dimensions exist,
// which staging columns each one tracks, and how the fact table is shaped.
// It is pure configuration; the merge engine and the warehouse both read it.
package schema

import (
	"errors"
	"fmt"
)

// DimensionSpec describes one dimension derived from the staging batch.
// TrackedColumns is ordered and the natural key column is always the first
// element; the remaining columns are the attributes compared for change.
type DimensionSpec struct {
	// Name is the short dimension name (e.g. "customer"). The warehouse
	// table is named "dim_" + Name.
	Name string

	// TrackedColumns lists the staging columns carried into the dimension,
	// natural key first.
	TrackedColumns []string

	// Versioned selects SCD type-2 history. Non-versioned dimensions are
	// rebuilt from scratch each run.
	Versioned bool

	// SurrogateKeyColumn is the warehouse column holding the surrogate key
	// (e.g. "customer_key").
	SurrogateKeyColumn string
}

func (s DimensionSpec) Validate() error {
	if s.Name == "" {
		return errors.New("dimension name is required")
	}
	if len(s.TrackedColumns) == 0 {
		return fmt.Errorf("dimension %q: at least one tracked column is required", s.Name)
	}
	seen := make(map[string]struct{}, len(s.TrackedColumns))
	for _, col := range s.TrackedColumns {
		if col == "" {
			return fmt.Errorf("dimension %q: tracked column name must not be empty", s.Name)
		}
		if _, ok := seen[col]; ok {
			return fmt.Errorf("dimension %q: duplicate tracked column %q", s.Name, col)
		}
		seen[col] = struct{}{}
	}
	if s.SurrogateKeyColumn == "" {
		return fmt.Errorf("dimension %q: surrogate key column is required", s.Name)
	}
	if _, ok := seen[s.SurrogateKeyColumn]; ok {
		return fmt.Errorf("dimension %q: surrogate key column %q collides with a tracked column", s.Name, s.SurrogateKeyColumn)
	}
	return nil
}

// NaturalKeyColumn returns the column used as the entity identity for change
// detection. It is always the first tracked column.
func (s DimensionSpec) NaturalKeyColumn() string {
	return s.TrackedColumns[0]
}

// AttributeColumns returns the tracked columns excluding the natural key.
func (s DimensionSpec) AttributeColumns() []string {
	return s.TrackedColumns[1:]
}

func (s DimensionSpec) TableName() string {
	return "dim_" + s.Name
}

// FactSpec describes the fact table derived from the staging batch.
type FactSpec struct {
	// Name is the short fact name (e.g. "sales"). The warehouse table is
	// named "fact_" + Name.
	Name string

	// OrderIDColumn identifies the transactional grain column.
	OrderIDColumn string

	// DateColumn is the staging column resolved into the date dimension key.
	DateColumn string

	// MeasureColumns lists the numeric measure columns (may be negative,
	// e.g. profit).
	MeasureColumns []string
}

func (s FactSpec) Validate() error {
	if s.Name == "" {
		return errors.New("fact name is required")
	}
	if s.OrderIDColumn == "" {
		return fmt.Errorf("fact %q: order id column is required", s.Name)
	}
	if s.DateColumn == "" {
		return fmt.Errorf("fact %q: date column is required", s.Name)
	}
	if len(s.MeasureColumns) == 0 {
		return fmt.Errorf("fact %q: at least one measure column is required", s.Name)
	}
	return nil
}

func (s FactSpec) TableName() string {
	return "fact_" + s.Name
}

// Registry bundles the dimension specs and the fact spec for one warehouse.
type Registry struct {
	Dimensions []DimensionSpec
	Fact       FactSpec
}

func (r Registry) Validate() error {
	if len(r.Dimensions) == 0 {
		return errors.New("at least one dimension is required")
	}
	names := make(map[string]struct{}, len(r.Dimensions))
	surrogates := make(map[string]struct{}, len(r.Dimensions))
	for _, dim := range r.Dimensions {
		if err := dim.Validate(); err != nil {
			return err
		}
		if _, ok := names[dim.Name]; ok {
			return fmt.Errorf("duplicate dimension name %q", dim.Name)
		}
		names[dim.Name] = struct{}{}
		if _, ok := surrogates[dim.SurrogateKeyColumn]; ok {
			return fmt.Errorf("duplicate surrogate key column %q", dim.SurrogateKeyColumn)
		}
		surrogates[dim.SurrogateKeyColumn] = struct{}{}
	}
	return r.Fact.Validate()
}

// Dimension returns the spec for the named dimension.
func (r Registry) Dimension(name string) (DimensionSpec, bool) {
	for _, dim := range r.Dimensions {
		if dim.Name == name {
			return dim, true
		}
	}
	return DimensionSpec{}, false
}

// DefaultRegistry returns the retail sales star schema the staging source
// ships with: customer, product and store dimensions plus the sales fact.
func DefaultRegistry() Registry {
	return Registry{
		Dimensions: []DimensionSpec{
			{
				Name:               "customer",
				TrackedColumns:     []string{"customer_id", "customer_name", "segment"},
				Versioned:          true,
				SurrogateKeyColumn: "customer_key",
			},
			{
				Name:               "product",
				TrackedColumns:     []string{"product_id", "product_name", "category"},
				Versioned:          true,
				SurrogateKeyColumn: "product_key",
			},
			{
				Name:               "store",
				TrackedColumns:     []string{"store_id", "store_name", "city", "region"},
				Versioned:          true,
				SurrogateKeyColumn: "store_key",
			},
		},
		Fact: FactSpec{
			Name:           "sales",
			OrderIDColumn:  "order_id",
			DateColumn:     "order_date",
			MeasureColumns: []string{"sales", "profit"},
		},
	}
}
