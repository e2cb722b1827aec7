package queryindex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Discriminator fields every index starts with. The leading backslash
// escapes the dollar sign in Mango field names.
const (
	FieldClass        = `\$class`
	FieldRegistryType = `\$registryType`
	FieldRegistryID   = `\$registryId`
)

// IndexDescriptor is the index definition a document backend creates for a
// query. Its JSON form is part of the wire contract:
//
//	{"name":"Q1","ddoc":"Q1Doc","type":"json","index":{"fields":["\\$class",...]}}
type IndexDescriptor struct {
	Name  string    `json:"name"`
	DDoc  string    `json:"ddoc"`
	Type  string    `json:"type"`
	Index IndexSpec `json:"index"`
}

type IndexSpec struct {
	Fields []IndexField `json:"fields"`
}

// IndexField is a field name, with an optional "asc" or "desc" direction.
// It encodes as a plain string without a direction and as a one-key object
// with one.
type IndexField struct {
	Name      string
	Direction string
}

func (f IndexField) MarshalJSON() ([]byte, error) {
	name, err := json.Marshal(f.Name)
	if err != nil || f.Direction == "" {
		return name, err
	}
	dir, err := json.Marshal(f.Direction)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.Write(name)
	buf.WriteByte(':')
	buf.Write(dir)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (f *IndexField) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*f = IndexField{Name: name}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("queryindex: index field must have one key, got %d", len(m))
	}
	for k, v := range m {
		*f = IndexField{Name: k, Direction: v}
	}
	return nil
}

// JSON returns the wire form of the descriptor.
func (d *IndexDescriptor) JSON() ([]byte, error) {
	return json.Marshal(d)
}

func (d *IndexDescriptor) clone() *IndexDescriptor {
	c := *d
	c.Index.Fields = append([]IndexField(nil), d.Index.Fields...)
	return &c
}

// Compiler turns a query into the index it needs. It keeps no state;
// compiling equal queries yields byte-identical descriptors.
type Compiler struct{}

func (Compiler) Compile(q *Query) (*IndexDescriptor, error) {
	if q == nil || q.Name == "" {
		return nil, fmt.Errorf("queryindex: query has no name")
	}
	if q.Select == nil {
		return nil, unsupportedf("Query", "query %s has no select statement", q.Name)
	}
	var c compilation
	if err := c.visitSelect(q.Select); err != nil {
		return nil, err
	}
	return &IndexDescriptor{
		Name:  q.Name,
		DDoc:  q.Name + "Doc",
		Type:  "json",
		Index: IndexSpec{Fields: c.fields()},
	}, nil
}

type compilation struct {
	order     []string
	direction map[string]string
	// global is set by the first ORDER BY entry with an explicit direction.
	global string
}

func (c *compilation) add(name, direction string) {
	if c.direction == nil {
		c.direction = make(map[string]string)
	}
	if _, ok := c.direction[name]; !ok {
		c.order = append(c.order, name)
	}
	c.direction[name] = direction
}

func (c *compilation) addAll(names []string) {
	for _, n := range names {
		c.add(n, "")
	}
}

// fields applies the global direction. A descending index makes every
// field descending, the discriminators included; mixed directions are not
// representable.
func (c *compilation) fields() []IndexField {
	fields := make([]IndexField, 0, len(c.order))
	for _, name := range c.order {
		switch {
		case c.global == "desc":
			fields = append(fields, IndexField{Name: name, Direction: "desc"})
		case c.direction[name] != "" && c.global != "":
			fields = append(fields, IndexField{Name: name, Direction: c.global})
		default:
			fields = append(fields, IndexField{Name: name})
		}
	}
	return fields
}

func (c *compilation) visitSelect(s *Select) error {
	c.addAll([]string{FieldClass, FieldRegistryType, FieldRegistryID})

	if s.Where != nil {
		names, err := c.visit(s.Where)
		if err != nil {
			return err
		}
		c.addAll(names)
	}
	if s.OrderBy != nil {
		if err := c.visitOrderBy(s.OrderBy); err != nil {
			return err
		}
	}
	for _, n := range []Node{s.Limit, s.Skip} {
		if n == nil {
			continue
		}
		names, err := c.visit(n)
		if err != nil {
			return err
		}
		c.addAll(names)
	}
	return nil
}

func (c *compilation) visitOrderBy(o *OrderBy) error {
	for _, spec := range o.Sort {
		names, err := c.visit(spec.Field)
		if err != nil {
			return err
		}
		dir := strings.ToLower(spec.Direction)
		switch dir {
		case "", "asc", "desc":
		default:
			return unsupportedf("OrderBy", "invalid sort direction %q", spec.Direction)
		}
		if dir != "" && c.global == "" {
			c.global = dir
		}
		for _, n := range names {
			c.add(n, dir)
		}
	}
	return nil
}

func (c *compilation) visit(n Node) ([]string, error) {
	switch n := n.(type) {
	case *BinaryExpression:
		return c.visitBinaryExpression(n)
	case *Identifier:
		if isParameter(n.Name) {
			return nil, nil
		}
		return []string{n.Name}, nil
	case *MemberExpression:
		path, err := memberPath(n)
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	case *Literal:
		return nil, nil
	case *ArrayExpression:
		var names []string
		for _, e := range n.Elements {
			sub, err := c.visit(e)
			if err != nil {
				return nil, err
			}
			names = append(names, sub...)
		}
		return names, nil
	case nil:
		return nil, unsupportedf("<nil>", "")
	default:
		return nil, unsupportedf(n.NodeType(), "")
	}
}

func (c *compilation) visitBinaryExpression(n *BinaryExpression) ([]string, error) {
	switch strings.ToUpper(n.Operator) {
	case "AND", "OR", "<", "<=", ">", ">=", "==", "!=", "CONTAINS":
	default:
		return nil, unsupportedf(n.NodeType(), "unsupported operator %q", n.Operator)
	}
	left, err := c.visit(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.visit(n.Right)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func memberPath(n *MemberExpression) (string, error) {
	var parts []string
	for _, part := range []Node{n.Object, n.Property} {
		switch p := part.(type) {
		case *Identifier:
			parts = append(parts, p.Name)
		case *MemberExpression:
			sub, err := memberPath(p)
			if err != nil {
				return "", err
			}
			parts = append(parts, sub)
		case nil:
			return "", unsupportedf(n.NodeType(), "missing object or property")
		default:
			return "", unsupportedf(p.NodeType(), "not allowed in a member expression")
		}
	}
	return strings.Join(parts, "."), nil
}

// isParameter reports whether an identifier is a query parameter reference
// (_$name), which is bound at execution time and needs no index field.
func isParameter(name string) bool {
	return strings.HasPrefix(name, "_$")
}
