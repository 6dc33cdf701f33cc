package service

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/shared/errors"
)

// ResultTransformer turns raw backend entities into the rows a query asked
// for: keys-only stripping, projections, computed columns and distinct.
type ResultTransformer struct {
	query    *model.Query
	programs map[string]cel.Program
}

// NewResultTransformer compiles the query's computed column expressions.
// Expressions see the entity's properties as a map named entity.
func NewResultTransformer(q *model.Query) (*ResultTransformer, error) {
	t := &ResultTransformer{query: q}
	if len(q.ComputedColumns) == 0 {
		return t, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, errors.NewInternalError("failed to build expression environment").WithCause(err)
	}

	t.programs = make(map[string]cel.Program, len(q.ComputedColumns))
	for _, column := range q.ComputedColumns {
		ast, issues := env.Compile(column.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, errors.NewValidationError("invalid computed column expression").
				WithDetail("column", column.Name).
				WithCause(issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, errors.NewInternalError("failed to plan computed column expression").
				WithDetail("column", column.Name).
				WithCause(err)
		}
		t.programs[column.Name] = program
	}
	return t, nil
}

// Apply runs the pipeline over entities already sorted and windowed.
func (t *ResultTransformer) Apply(entities []*model.Entity) ([]*model.Entity, error) {
	results := entities

	if t.query.KeysOnly {
		results = make([]*model.Entity, len(entities))
		for i, e := range entities {
			results[i] = model.NewEntity(e.Key)
		}
		return results, nil
	}

	if len(t.query.Projection) > 0 {
		projected := make([]*model.Entity, len(results))
		for i, e := range results {
			row := model.NewEntity(e.Key)
			for _, property := range t.query.Projection {
				value, ok := e.Properties[property]
				if !ok {
					value = nil
				}
				row.Properties[property] = value
			}
			projected[i] = row
		}
		results = projected
	}

	if len(t.programs) > 0 {
		if len(t.query.Projection) == 0 {
			// Leave the backend's entities untouched.
			cloned := make([]*model.Entity, len(results))
			for i, e := range results {
				cloned[i] = e.Clone()
			}
			results = cloned
		}
		for _, e := range results {
			for _, column := range t.query.ComputedColumns {
				value, err := t.evaluate(column.Name, e)
				if err != nil {
					return nil, err
				}
				e.Properties[column.Name] = value
			}
		}
	}

	if t.query.Distinct {
		results = distinct(results, t.query.Projection)
	}
	return results, nil
}

func (t *ResultTransformer) evaluate(column string, e *model.Entity) (interface{}, error) {
	program := t.programs[column]
	out, _, err := program.Eval(map[string]interface{}{"entity": e.Properties})
	if err != nil {
		return nil, errors.NewValidationError("computed column evaluation failed").
			WithDetail("column", column).
			WithDetail("key", e.Key.Encode()).
			WithCause(err)
	}
	return model.NormalizeValue(out.Value()), nil
}

func distinct(entities []*model.Entity, projection []string) []*model.Entity {
	seen := make(map[string]bool, len(entities))
	kept := entities[:0:0]
	for _, e := range entities {
		sig := ""
		for _, property := range projection {
			sig += fmt.Sprintf("%v:%T|", e.Properties[property], e.Properties[property])
		}
		if seen[sig] {
			continue
		}
		seen[sig] = true
		kept = append(kept, e)
	}
	return kept
}

// CompareEntities orders two entities by the sort instructions, falling back
// to key order so results are deterministic.
func CompareEntities(a, b *model.Entity, orders []model.Order) int {
	for _, order := range orders {
		left, _ := a.Get(order.Property)
		right, _ := b.Get(order.Property)
		comp := model.CompareValues(model.NormalizeValue(left), model.NormalizeValue(right))
		if order.Direction == model.SortDescending {
			comp = -comp
		}
		if comp != 0 {
			return comp
		}
	}
	return a.Key.Compare(b.Key)
}

// SortEntities sorts in place by the sort instructions with key tiebreak.
func SortEntities(entities []*model.Entity, orders []model.Order) {
	sort.SliceStable(entities, func(i, j int) bool {
		return CompareEntities(entities[i], entities[j], orders) < 0
	})
}
