package service

import (
	"fmt"
	"sort"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/shared/errors"
	"gcloud-connector/internal/shared/logger"
)

// MaxQueryBranches caps how many native queries a single filter tree may fan
// out into after normalization.
const MaxQueryBranches = 100

// FilterLeaf is a single native comparison inside a normalized branch.
type FilterLeaf struct {
	Property string
	Operator model.Operator
	Value    interface{}
}

// Branch is a conjunction of native comparisons. Every branch of a normalized
// query runs as one backend query and the results are merged.
type Branch []FilterLeaf

// NormalizedQuery is a query in disjunctive normal form. Impossible branches
// are already pruned; an empty Branches slice with Impossible set means the
// whole query can never match.
type NormalizedQuery struct {
	Source     *model.Query
	Branches   []Branch
	Impossible bool
}

// QueryNormalizer rewrites filter trees into disjunctive normal form with
// only native operators, so each branch maps onto one backend query.
type QueryNormalizer struct {
	log logger.Logger
}

func NewQueryNormalizer(log logger.Logger) *QueryNormalizer {
	if log == nil {
		log = logger.NewLogger()
	}
	return &QueryNormalizer{log: log}
}

// Normalize validates the query and expands its filter tree. Queries without
// a filter normalize to a single empty branch.
func (n *QueryNormalizer) Normalize(q *model.Query) (*NormalizedQuery, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	branches := []Branch{{}}
	if q.Filter != nil {
		var err error
		branches, err = n.expand(*q.Filter)
		if err != nil {
			return nil, err
		}
	}

	branches = pruneBranches(branches)
	if len(branches) > MaxQueryBranches {
		return nil, errors.NewNotSupportedError(
			fmt.Sprintf("query expands into %d branches, the limit is %d", len(branches), MaxQueryBranches))
	}
	for _, branch := range branches {
		if err := checkBranchRestrictions(q, branch); err != nil {
			return nil, err
		}
	}

	nq := &NormalizedQuery{Source: q, Branches: branches, Impossible: len(branches) == 0}
	if len(branches) > 1 {
		n.log.WithFields(map[string]interface{}{
			"kind":     q.Kind,
			"branches": len(branches),
		}).Debug("Query fanned out into multiple branches")
	}
	return nq, nil
}

// expand returns the DNF of a filter node as a branch list.
func (n *QueryNormalizer) expand(f model.Filter) ([]Branch, error) {
	if f.IsLeaf() {
		return expandLeaf(f)
	}

	subBranches := make([][]Branch, 0, len(f.SubFilters))
	for _, sub := range f.SubFilters {
		expanded, err := n.expand(sub)
		if err != nil {
			return nil, err
		}
		subBranches = append(subBranches, expanded)
	}

	if f.Connector == model.ConnectorOr {
		var merged []Branch
		for _, branches := range subBranches {
			merged = append(merged, branches...)
		}
		return merged, nil
	}

	// AND distributes over the children's branches as a cross product.
	product := []Branch{{}}
	for _, branches := range subBranches {
		next := make([]Branch, 0, len(product)*len(branches))
		for _, left := range product {
			for _, right := range branches {
				combined := make(Branch, 0, len(left)+len(right))
				combined = append(combined, left...)
				combined = append(combined, right...)
				next = append(next, combined)
			}
		}
		if len(next) > MaxQueryBranches*MaxQueryBranches {
			return nil, errors.NewNotSupportedError("filter tree is too large to normalize")
		}
		product = next
	}
	return product, nil
}

func expandLeaf(f model.Filter) ([]Branch, error) {
	if f.Negated {
		return expandNegatedLeaf(f)
	}

	switch f.Operator {
	case model.OperatorIn:
		values, ok := f.Value.([]interface{})
		if !ok {
			return nil, errors.NewValidationError("in filters require a list value").
				WithDetail("property", f.Property)
		}
		if len(values) == 0 {
			return nil, nil
		}
		branches := make([]Branch, 0, len(values))
		for _, v := range values {
			branches = append(branches, Branch{{f.Property, model.OperatorEqual, model.NormalizeValue(v)}})
		}
		return branches, nil

	case model.OperatorRange:
		bounds, ok := f.Value.([]interface{})
		if !ok || len(bounds) != 2 {
			return nil, errors.NewValidationError("range filters require a two element list").
				WithDetail("property", f.Property)
		}
		return []Branch{{
			{f.Property, model.OperatorGreaterThanOrEqual, model.NormalizeValue(bounds[0])},
			{f.Property, model.OperatorLessThanOrEqual, model.NormalizeValue(bounds[1])},
		}}, nil

	case model.OperatorIsNull:
		wantNull, ok := f.Value.(bool)
		if !ok {
			return nil, errors.NewValidationError("isnull filters require a boolean value").
				WithDetail("property", f.Property)
		}
		if wantNull {
			return []Branch{{{f.Property, model.OperatorEqual, nil}}}, nil
		}
		// Null sorts before every other value.
		return []Branch{{{f.Property, model.OperatorGreaterThan, nil}}}, nil

	default:
		return []Branch{{{f.Property, f.Operator, f.Value}}}, nil
	}
}

func expandNegatedLeaf(f model.Filter) ([]Branch, error) {
	positive := f
	positive.Negated = false

	switch f.Operator {
	case model.OperatorEqual:
		return []Branch{
			{{f.Property, model.OperatorLessThan, f.Value}},
			{{f.Property, model.OperatorGreaterThan, f.Value}},
		}, nil
	case model.OperatorLessThan:
		positive.Operator = model.OperatorGreaterThanOrEqual
	case model.OperatorLessThanOrEqual:
		positive.Operator = model.OperatorGreaterThan
	case model.OperatorGreaterThan:
		positive.Operator = model.OperatorLessThanOrEqual
	case model.OperatorGreaterThanOrEqual:
		positive.Operator = model.OperatorLessThan
	case model.OperatorIsNull:
		wantNull, ok := f.Value.(bool)
		if !ok {
			return nil, errors.NewValidationError("isnull filters require a boolean value").
				WithDetail("property", f.Property)
		}
		positive.Value = !wantNull
	case model.OperatorIn:
		values, ok := f.Value.([]interface{})
		if !ok {
			return nil, errors.NewValidationError("in filters require a list value").
				WithDetail("property", f.Property)
		}
		// not-in is the conjunction of per-value exclusions.
		product := []Branch{{}}
		for _, v := range values {
			exclusion, err := expandNegatedLeaf(model.Filter{
				Property: f.Property, Operator: model.OperatorEqual,
				Value: model.NormalizeValue(v), Negated: true,
			})
			if err != nil {
				return nil, err
			}
			next := make([]Branch, 0, len(product)*len(exclusion))
			for _, left := range product {
				for _, right := range exclusion {
					combined := make(Branch, 0, len(left)+len(right))
					combined = append(combined, left...)
					combined = append(combined, right...)
					next = append(next, combined)
				}
			}
			product = next
			if len(product) > MaxQueryBranches {
				return nil, errors.NewNotSupportedError("negated in filter expands into too many branches")
			}
		}
		return product, nil
	default:
		return nil, errors.NewNotSupportedError(
			fmt.Sprintf("cannot negate operator %q", string(f.Operator)))
	}
	return expandLeaf(positive)
}

// pruneBranches drops duplicate leaves, contradictory branches and duplicate
// branches.
func pruneBranches(branches []Branch) []Branch {
	kept := make([]Branch, 0, len(branches))
	seen := make(map[string]bool, len(branches))
	for _, branch := range branches {
		pruned, possible := pruneBranch(branch)
		if !possible {
			continue
		}
		sig := branchSignature(pruned)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		kept = append(kept, pruned)
	}
	return kept
}

func pruneBranch(branch Branch) (Branch, bool) {
	equalities := make(map[string]interface{})
	pruned := make(Branch, 0, len(branch))
	seen := make(map[string]bool, len(branch))
	for _, leaf := range branch {
		if leaf.Operator == model.OperatorEqual {
			if prior, ok := equalities[leaf.Property]; ok {
				if model.CompareValues(prior, leaf.Value) != 0 {
					return nil, false
				}
				continue
			}
			equalities[leaf.Property] = leaf.Value
		}
		sig := leafSignature(leaf)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		pruned = append(pruned, leaf)
	}
	return pruned, true
}

func leafSignature(leaf FilterLeaf) string {
	return leaf.Property + string(leaf.Operator) + fmt.Sprintf("%v:%T", leaf.Value, leaf.Value)
}

func branchSignature(branch Branch) string {
	sigs := make([]string, 0, len(branch))
	for _, leaf := range branch {
		sigs = append(sigs, leafSignature(leaf))
	}
	sort.Strings(sigs)
	return fmt.Sprint(sigs)
}

// checkBranchRestrictions enforces the backend index rules on one branch:
// inequalities on at most one property, and when an inequality is present the
// first sort order must be on that property.
func checkBranchRestrictions(q *model.Query, branch Branch) error {
	inequalityProperty := ""
	for _, leaf := range branch {
		if !leaf.Operator.IsInequality() {
			continue
		}
		if inequalityProperty == "" {
			inequalityProperty = leaf.Property
		} else if inequalityProperty != leaf.Property {
			return errors.NewNotSupportedError(
				"inequality filters are limited to a single property").
				WithDetail("properties", []string{inequalityProperty, leaf.Property})
		}
	}
	if inequalityProperty != "" && len(q.Orders) > 0 && q.Orders[0].Property != inequalityProperty {
		return errors.NewNotSupportedError(
			"the first sort order must match the inequality filter property").
			WithDetail("property", inequalityProperty)
	}
	return nil
}

// KeyLookup extracts the keys a normalized query resolves to when every
// branch carries a key equality. Such queries skip the query planner and run
// as direct lookups; the caller applies the remaining branch filters to the
// fetched entities.
func (nq *NormalizedQuery) KeyLookup() ([]model.Key, bool) {
	if len(nq.Branches) == 0 {
		return nil, false
	}
	var keys []model.Key
	seen := make(map[string]bool)
	for _, branch := range nq.Branches {
		found := false
		for _, leaf := range branch {
			if leaf.Property != model.KeyProperty || leaf.Operator != model.OperatorEqual {
				continue
			}
			key, ok := leaf.Value.(model.Key)
			if !ok {
				return nil, false
			}
			found = true
			if enc := key.Encode(); !seen[enc] {
				seen[enc] = true
				keys = append(keys, key)
			}
		}
		if !found {
			return nil, false
		}
	}
	return keys, true
}

// EqualityValues returns the property to value map of a branch when it is
// made of equality comparisons only.
func (b Branch) EqualityValues() (map[string]interface{}, bool) {
	values := make(map[string]interface{}, len(b))
	for _, leaf := range b {
		if leaf.Operator != model.OperatorEqual {
			return nil, false
		}
		values[leaf.Property] = leaf.Value
	}
	return values, true
}

// BranchQuery materializes one branch as a standalone query the backend can
// run natively. Windowing and excluded key handling stay with the caller,
// which merges branches.
func (nq *NormalizedQuery) BranchQuery(branch Branch) *model.Query {
	q := &model.Query{
		Namespace:  nq.Source.Namespace,
		Kind:       nq.Source.Kind,
		Orders:     nq.Source.Orders,
		Ancestor:   nq.Source.Ancestor,
		Projection: nq.Source.Projection,
		KeysOnly:   nq.Source.KeysOnly,
	}
	if len(branch) > 0 {
		filters := make([]model.Filter, 0, len(branch))
		for _, leaf := range branch {
			filters = append(filters, model.Filter{
				Property: leaf.Property, Operator: leaf.Operator, Value: leaf.Value,
			})
		}
		f := model.And(filters...)
		q.Filter = &f
	}
	return q
}
