package model

import (
	"fmt"
	"strings"

	"gcloud-connector/internal/shared/errors"
)

// Operator is a filter comparison operator.
type Operator string

const (
	OperatorEqual              Operator = "="
	OperatorLessThan           Operator = "<"
	OperatorLessThanOrEqual    Operator = "<="
	OperatorGreaterThan        Operator = ">"
	OperatorGreaterThanOrEqual Operator = ">="

	// Composite operators expanded into the five native ones during
	// normalization. They never reach a backend.
	OperatorIn     Operator = "in"
	OperatorRange  Operator = "range"
	OperatorIsNull Operator = "isnull"
)

// IsInequality reports whether the operator is one of the four range
// comparisons.
func (op Operator) IsInequality() bool {
	switch op {
	case OperatorLessThan, OperatorLessThanOrEqual,
		OperatorGreaterThan, OperatorGreaterThanOrEqual:
		return true
	}
	return false
}

// Native reports whether a backend can evaluate the operator directly.
func (op Operator) Native() bool {
	return op == OperatorEqual || op.IsInequality()
}

// Connectors for composite filters.
const (
	ConnectorAnd = "AND"
	ConnectorOr  = "OR"
)

// Filter is a node in a filter tree. A node is either a leaf comparison
// (Property, Operator, Value) or a composite (Connector, SubFilters).
type Filter struct {
	Connector  string   `json:"connector,omitempty"`
	SubFilters []Filter `json:"subFilters,omitempty"`

	Property string      `json:"property,omitempty"`
	Operator Operator    `json:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Negated  bool        `json:"negated,omitempty"`
}

// IsLeaf reports whether the node is a single comparison.
func (f Filter) IsLeaf() bool {
	return f.Connector == ""
}

// And builds an AND composite.
func And(filters ...Filter) Filter {
	return Filter{Connector: ConnectorAnd, SubFilters: filters}
}

// Or builds an OR composite.
func Or(filters ...Filter) Filter {
	return Filter{Connector: ConnectorOr, SubFilters: filters}
}

// Where builds a leaf comparison with a normalized value.
func Where(property string, op Operator, value interface{}) Filter {
	return Filter{Property: property, Operator: op, Value: NormalizeValue(value)}
}

// Not negates a leaf comparison. Negation of composites is resolved by the
// caller before the filter reaches a query.
func Not(f Filter) Filter {
	f.Negated = !f.Negated
	return f
}

// SortDirection mirrors the two index orders.
type SortDirection string

const (
	SortAscending  SortDirection = "ASCENDING"
	SortDescending SortDirection = "DESCENDING"
)

// Order is a single sort instruction.
type Order struct {
	Property  string        `json:"property"`
	Direction SortDirection `json:"direction"`
}

// Aggregation selects what a query returns.
type Aggregation string

const (
	AggregationEntities Aggregation = ""
	AggregationCount    Aggregation = "COUNT"
	AggregationAverage  Aggregation = "AVERAGE"
)

// ComputedColumn is an extra result column evaluated per entity from an
// expression over its properties.
type ComputedColumn struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// Query describes a single-kind fetch: an optional filter tree plus ordering,
// projection and paging instructions.
type Query struct {
	Namespace string  `json:"namespace,omitempty"`
	Kind      string  `json:"kind"`
	Filter    *Filter `json:"filter,omitempty"`
	Orders    []Order `json:"orders,omitempty"`

	// Ancestor restricts results to the entity group rooted at this key.
	Ancestor *Key `json:"ancestor,omitempty"`

	Projection []string `json:"projection,omitempty"`
	Distinct   bool     `json:"distinct,omitempty"`
	KeysOnly   bool     `json:"keysOnly,omitempty"`

	Offset int `json:"offset,omitempty"`
	// Limit caps the number of results; 0 means unlimited.
	Limit int `json:"limit,omitempty"`

	// ExcludedKeys are filtered out of results after the backend returns
	// them, with the limit compensated accordingly.
	ExcludedKeys []Key `json:"excludedKeys,omitempty"`

	Aggregation     Aggregation      `json:"aggregation,omitempty"`
	ComputedColumns []ComputedColumn `json:"computedColumns,omitempty"`
}

// NewQuery returns a query over a kind in a namespace.
func NewQuery(namespace, kind string) *Query {
	return &Query{Namespace: namespace, Kind: kind}
}

// Validate rejects queries no backend can serve.
func (q *Query) Validate() error {
	if q.Kind == "" {
		return errors.NewValidationError("query has no kind")
	}
	if q.Offset < 0 || q.Limit < 0 {
		return errors.NewValidationError("query offset and limit cannot be negative")
	}
	if q.Ancestor != nil {
		if q.Ancestor.Incomplete() {
			return errors.NewValidationError("ancestor keys must be complete")
		}
		if q.Ancestor.Namespace != q.Namespace {
			return errors.NewValidationError("ancestor namespace does not match the query")
		}
	}
	if q.Aggregation == AggregationAverage {
		return errors.NewNotSupportedError("AVERAGE is not supported on the datastore")
	}
	if q.Aggregation == AggregationCount && len(q.Projection) > 0 {
		return errors.NewValidationError("COUNT queries cannot carry a projection")
	}
	if q.Distinct && len(q.Projection) == 0 {
		return errors.NewValidationError("distinct requires a projection")
	}
	if q.KeysOnly && len(q.Projection) > 0 {
		return errors.NewValidationError("keys-only queries cannot carry a projection")
	}
	for _, p := range q.Projection {
		if p == KeyProperty {
			return errors.NewValidationError("__key__ cannot appear in a projection")
		}
	}
	for _, c := range q.ComputedColumns {
		if c.Name == "" || c.Expression == "" {
			return errors.NewValidationError("computed columns need a name and an expression")
		}
	}
	if q.Filter != nil {
		if err := validateFilter(*q.Filter); err != nil {
			return err
		}
	}
	return nil
}

func validateFilter(f Filter) error {
	if f.IsLeaf() {
		if f.Property == "" {
			return errors.NewValidationError("filter leaf has no property")
		}
		switch f.Operator {
		case OperatorEqual, OperatorLessThan, OperatorLessThanOrEqual,
			OperatorGreaterThan, OperatorGreaterThanOrEqual,
			OperatorIn, OperatorRange, OperatorIsNull:
		default:
			return errors.NewValidationError(
				fmt.Sprintf("unknown filter operator %q", string(f.Operator)))
		}
		if f.Property == KeyProperty {
			if err := validateKeyFilterValue(f); err != nil {
				return err
			}
		}
		return nil
	}
	switch strings.ToUpper(f.Connector) {
	case ConnectorAnd, ConnectorOr:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unknown filter connector %q", f.Connector))
	}
	if len(f.SubFilters) == 0 {
		return errors.NewValidationError("composite filter has no sub-filters")
	}
	for _, sub := range f.SubFilters {
		if err := validateFilter(sub); err != nil {
			return err
		}
	}
	return nil
}

func validateKeyFilterValue(f Filter) error {
	check := func(v interface{}) error {
		if _, ok := v.(Key); !ok {
			return errors.NewValidationError("__key__ filters require Key values").
				WithDetail("value", fmt.Sprintf("%T", v))
		}
		return nil
	}
	switch f.Operator {
	case OperatorIn, OperatorRange:
		values, ok := f.Value.([]interface{})
		if !ok {
			return errors.NewValidationError("in and range filters require a list value")
		}
		for _, v := range values {
			if err := check(v); err != nil {
				return err
			}
		}
		return nil
	case OperatorIsNull:
		return errors.NewValidationError("__key__ cannot be null")
	default:
		return check(f.Value)
	}
}
