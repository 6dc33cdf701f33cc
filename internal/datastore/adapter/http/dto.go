package http

import (
	"time"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/shared/errors"
)

// The wire format keeps values typed: a bare JSON number cannot distinguish
// int64 from float64, so every property value travels in a tagged envelope,
// the way the original REST surface does it.

type KeyDTO struct {
	Namespace string           `json:"namespace,omitempty"`
	Path      []PathElementDTO `json:"path"`
}

type PathElementDTO struct {
	Kind string `json:"kind"`
	ID   *int64 `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func keyToDTO(key model.Key) KeyDTO {
	dto := KeyDTO{Namespace: key.Namespace, Path: make([]PathElementDTO, len(key.Path))}
	for i, pe := range key.Path {
		element := PathElementDTO{Kind: pe.Kind}
		switch id := pe.ID.(type) {
		case int64:
			element.ID = &id
		case string:
			element.Name = id
		}
		dto.Path[i] = element
	}
	return dto
}

func (dto KeyDTO) toModel() (model.Key, error) {
	key := model.NewKey(dto.Namespace)
	for _, element := range dto.Path {
		switch {
		case element.ID != nil && element.Name != "":
			return model.Key{}, errors.NewValidationError("key path element carries both id and name").
				WithDetail("kind", element.Kind)
		case element.ID != nil:
			key = key.IntID(element.Kind, *element.ID)
		case element.Name != "":
			key = key.StringID(element.Kind, element.Name)
		default:
			key = key.IncompleteID(element.Kind)
		}
	}
	if len(key.Path) == 0 {
		return model.Key{}, errors.NewValidationError("key has an empty path")
	}
	return key, nil
}

type ValueDTO struct {
	NullValue      bool       `json:"nullValue,omitempty"`
	IntegerValue   *int64     `json:"integerValue,omitempty"`
	DoubleValue    *float64   `json:"doubleValue,omitempty"`
	StringValue    *string    `json:"stringValue,omitempty"`
	BooleanValue   *bool      `json:"booleanValue,omitempty"`
	BlobValue      []byte     `json:"blobValue,omitempty"`
	TimestampValue *time.Time `json:"timestampValue,omitempty"`
	KeyValue       *KeyDTO    `json:"keyValue,omitempty"`
	ArrayValue     []ValueDTO `json:"arrayValue,omitempty"`
}

func valueToDTO(value interface{}) (ValueDTO, error) {
	switch v := value.(type) {
	case nil:
		return ValueDTO{NullValue: true}, nil
	case int64:
		return ValueDTO{IntegerValue: &v}, nil
	case float64:
		return ValueDTO{DoubleValue: &v}, nil
	case string:
		return ValueDTO{StringValue: &v}, nil
	case bool:
		return ValueDTO{BooleanValue: &v}, nil
	case []byte:
		return ValueDTO{BlobValue: v}, nil
	case time.Time:
		return ValueDTO{TimestampValue: &v}, nil
	case model.Key:
		dto := keyToDTO(v)
		return ValueDTO{KeyValue: &dto}, nil
	case []interface{}:
		elements := make([]ValueDTO, len(v))
		for i, element := range v {
			dto, err := valueToDTO(element)
			if err != nil {
				return ValueDTO{}, err
			}
			elements[i] = dto
		}
		return ValueDTO{ArrayValue: elements}, nil
	default:
		return ValueDTO{}, errors.NewInternalError("unsupported property value type")
	}
}

func (dto ValueDTO) toModel() (interface{}, error) {
	switch {
	case dto.IntegerValue != nil:
		return *dto.IntegerValue, nil
	case dto.DoubleValue != nil:
		return *dto.DoubleValue, nil
	case dto.StringValue != nil:
		return *dto.StringValue, nil
	case dto.BooleanValue != nil:
		return *dto.BooleanValue, nil
	case dto.BlobValue != nil:
		return dto.BlobValue, nil
	case dto.TimestampValue != nil:
		return dto.TimestampValue.UTC(), nil
	case dto.KeyValue != nil:
		return dto.KeyValue.toModel()
	case dto.ArrayValue != nil:
		elements := make([]interface{}, len(dto.ArrayValue))
		for i, element := range dto.ArrayValue {
			value, err := element.toModel()
			if err != nil {
				return nil, err
			}
			elements[i] = value
		}
		return elements, nil
	default:
		return nil, nil
	}
}

type EntityDTO struct {
	Key        KeyDTO              `json:"key"`
	Properties map[string]ValueDTO `json:"properties,omitempty"`
	Unindexed  []string            `json:"unindexed,omitempty"`
	Classes    []string            `json:"classes,omitempty"`
}

func entityToDTO(e *model.Entity) (EntityDTO, error) {
	dto := EntityDTO{
		Key:        keyToDTO(e.Key),
		Properties: make(map[string]ValueDTO, len(e.Properties)),
		Classes:    e.Classes,
	}
	for name, value := range e.Properties {
		encoded, err := valueToDTO(value)
		if err != nil {
			return EntityDTO{}, err
		}
		dto.Properties[name] = encoded
	}
	for name := range e.Unindexed {
		dto.Unindexed = append(dto.Unindexed, name)
	}
	return dto, nil
}

func (dto EntityDTO) toModel() (*model.Entity, error) {
	key, err := dto.Key.toModel()
	if err != nil {
		return nil, err
	}
	e := model.NewEntity(key)
	for name, value := range dto.Properties {
		decoded, err := value.toModel()
		if err != nil {
			return nil, err
		}
		e.Properties[name] = decoded
	}
	if len(dto.Unindexed) > 0 {
		e.Unindexed = make(map[string]bool, len(dto.Unindexed))
		for _, name := range dto.Unindexed {
			e.Unindexed[name] = true
		}
	}
	e.Classes = dto.Classes
	return e, nil
}

type FilterDTO struct {
	Connector  string      `json:"connector,omitempty"`
	SubFilters []FilterDTO `json:"subFilters,omitempty"`
	Property   string      `json:"property,omitempty"`
	Operator   string      `json:"operator,omitempty"`
	Value      *ValueDTO   `json:"value,omitempty"`
	Values     []ValueDTO  `json:"values,omitempty"`
	Negated    bool        `json:"negated,omitempty"`
}

func (dto FilterDTO) toModel() (model.Filter, error) {
	if dto.Connector != "" {
		f := model.Filter{Connector: dto.Connector}
		for _, sub := range dto.SubFilters {
			converted, err := sub.toModel()
			if err != nil {
				return model.Filter{}, err
			}
			f.SubFilters = append(f.SubFilters, converted)
		}
		return f, nil
	}

	f := model.Filter{
		Property: dto.Property,
		Operator: model.Operator(dto.Operator),
		Negated:  dto.Negated,
	}
	if len(dto.Values) > 0 {
		values := make([]interface{}, len(dto.Values))
		for i, v := range dto.Values {
			converted, err := v.toModel()
			if err != nil {
				return model.Filter{}, err
			}
			values[i] = converted
		}
		f.Value = values
	} else if dto.Value != nil {
		value, err := dto.Value.toModel()
		if err != nil {
			return model.Filter{}, err
		}
		f.Value = value
	}
	return f, nil
}

type OrderDTO struct {
	Property  string `json:"property"`
	Direction string `json:"direction,omitempty"`
}

type ComputedColumnDTO struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

type QueryDTO struct {
	Namespace       string              `json:"namespace,omitempty"`
	Kind            string              `json:"kind"`
	Filter          *FilterDTO          `json:"filter,omitempty"`
	Orders          []OrderDTO          `json:"orders,omitempty"`
	Ancestor        *KeyDTO             `json:"ancestor,omitempty"`
	Projection      []string            `json:"projection,omitempty"`
	Distinct        bool                `json:"distinct,omitempty"`
	KeysOnly        bool                `json:"keysOnly,omitempty"`
	Offset          int                 `json:"offset,omitempty"`
	Limit           int                 `json:"limit,omitempty"`
	ExcludedKeys    []KeyDTO            `json:"excludedKeys,omitempty"`
	Aggregation     string              `json:"aggregation,omitempty"`
	ComputedColumns []ComputedColumnDTO `json:"computedColumns,omitempty"`
}

func (dto QueryDTO) toModel() (*model.Query, error) {
	q := model.NewQuery(dto.Namespace, dto.Kind)
	if dto.Filter != nil {
		filter, err := dto.Filter.toModel()
		if err != nil {
			return nil, err
		}
		q.Filter = &filter
	}
	if dto.Ancestor != nil {
		ancestor, err := dto.Ancestor.toModel()
		if err != nil {
			return nil, err
		}
		q.Ancestor = &ancestor
	}
	for _, order := range dto.Orders {
		direction := model.SortAscending
		if order.Direction == string(model.SortDescending) {
			direction = model.SortDescending
		}
		q.Orders = append(q.Orders, model.Order{Property: order.Property, Direction: direction})
	}
	q.Projection = dto.Projection
	q.Distinct = dto.Distinct
	q.KeysOnly = dto.KeysOnly
	q.Offset = dto.Offset
	q.Limit = dto.Limit
	for _, keyDTO := range dto.ExcludedKeys {
		key, err := keyDTO.toModel()
		if err != nil {
			return nil, err
		}
		q.ExcludedKeys = append(q.ExcludedKeys, key)
	}
	q.Aggregation = model.Aggregation(dto.Aggregation)
	for _, column := range dto.ComputedColumns {
		q.ComputedColumns = append(q.ComputedColumns, model.ComputedColumn{
			Name:       column.Name,
			Expression: column.Expression,
		})
	}
	return q, nil
}
