package queryindex

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeQuery decodes a parsed query from its JSON form:
//
//	{"name": "CarsByYear", "select": {
//	    "resource": "org.acme.Car",
//	    "where": {"type": "BinaryExpression", "operator": "==",
//	              "left": {"type": "Identifier", "name": "year"},
//	              "right": {"type": "Literal", "value": 2000}},
//	    "orderBy": {"sort": [{"field": {"type": "Identifier", "name": "year"}, "direction": "DESC"}]},
//	    "limit": {"type": "Literal", "value": 10}}}
//
// Nodes of other types decode to UnknownNode.
func DecodeQuery(data []byte) (*Query, error) {
	var raw struct {
		Name   string `json:"name"`
		Select *struct {
			Resource string          `json:"resource"`
			Registry string          `json:"registry"`
			Where    json.RawMessage `json:"where"`
			OrderBy  *struct {
				Sort []struct {
					Field     json.RawMessage `json:"field"`
					Direction string          `json:"direction"`
				} `json:"sort"`
			} `json:"orderBy"`
			Limit json.RawMessage `json:"limit"`
			Skip  json.RawMessage `json:"skip"`
		} `json:"select"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("queryindex: %w", err)
	}
	q := &Query{Name: raw.Name}
	if raw.Select == nil {
		return q, nil
	}
	rs := raw.Select
	s := &Select{Resource: rs.Resource, Registry: rs.Registry}
	var err error
	if s.Where, err = decodeOptionalNode(rs.Where); err != nil {
		return nil, err
	}
	if s.Limit, err = decodeOptionalNode(rs.Limit); err != nil {
		return nil, err
	}
	if s.Skip, err = decodeOptionalNode(rs.Skip); err != nil {
		return nil, err
	}
	if rs.OrderBy != nil {
		s.OrderBy = &OrderBy{}
		for _, sort := range rs.OrderBy.Sort {
			field, err := decodeNode(sort.Field)
			if err != nil {
				return nil, err
			}
			s.OrderBy.Sort = append(s.OrderBy.Sort, SortSpec{Field: field, Direction: sort.Direction})
		}
	}
	q.Select = s
	return q, nil
}

func decodeOptionalNode(data json.RawMessage) (Node, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	return decodeNode(data)
}

func decodeNode(data json.RawMessage) (Node, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("queryindex: invalid node: %w", err)
	}
	switch head.Type {
	case "BinaryExpression":
		var n struct {
			Operator string          `json:"operator"`
			Left     json.RawMessage `json:"left"`
			Right    json.RawMessage `json:"right"`
		}
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("queryindex: %s: %w", head.Type, err)
		}
		left, err := decodeNode(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := decodeNode(n.Right)
		if err != nil {
			return nil, err
		}
		return &BinaryExpression{Operator: n.Operator, Left: left, Right: right}, nil
	case "Identifier":
		var n struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("queryindex: %s: %w", head.Type, err)
		}
		return &Identifier{Name: n.Name}, nil
	case "Literal":
		var n struct {
			Value any `json:"value"`
		}
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("queryindex: %s: %w", head.Type, err)
		}
		return &Literal{Value: n.Value}, nil
	case "ArrayExpression":
		var n struct {
			Elements []json.RawMessage `json:"elements"`
		}
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("queryindex: %s: %w", head.Type, err)
		}
		arr := &ArrayExpression{Elements: make([]Node, 0, len(n.Elements))}
		for _, e := range n.Elements {
			el, err := decodeNode(e)
			if err != nil {
				return nil, err
			}
			arr.Elements = append(arr.Elements, el)
		}
		return arr, nil
	case "MemberExpression":
		var n struct {
			Object   json.RawMessage `json:"object"`
			Property json.RawMessage `json:"property"`
		}
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("queryindex: %s: %w", head.Type, err)
		}
		obj, err := decodeNode(n.Object)
		if err != nil {
			return nil, err
		}
		prop, err := decodeNode(n.Property)
		if err != nil {
			return nil, err
		}
		return &MemberExpression{Object: obj, Property: prop}, nil
	case "":
		return nil, fmt.Errorf("queryindex: node without type: %s", data)
	default:
		return &UnknownNode{Type: head.Type}, nil
	}
}
