package worldstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Query is a Mango-style selector query, the native query form of the
// document backends this store replaces:
//
//	{"selector": {"\\$class": "org.acme.Car", "year": {"$gte": 2000}},
//	 "sort": [{"year": "desc"}], "limit": 10, "skip": 0}
//
// Field names starting with "$" are written with a leading backslash, as in
// compiled index descriptors, to tell them from operators.
type Query struct {
	Selector map[string]any `json:"selector"`
	Sort     []SortField    `json:"sort,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Skip     int            `json:"skip,omitempty"`
	Fields   []string       `json:"fields,omitempty"`
}

// SortField is one sort entry: either "field" or {"field": "asc"|"desc"}.
type SortField struct {
	Field string
	Desc  bool
}

func (sf *SortField) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*sf = SortField{Field: name}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("sort entry must be a field name or {field: direction}: %w", err)
	}
	if len(m) != 1 {
		return fmt.Errorf("sort entry must have exactly one field, got %d", len(m))
	}
	for field, dir := range m {
		switch strings.ToLower(dir) {
		case "asc":
			*sf = SortField{Field: field}
		case "desc":
			*sf = SortField{Field: field, Desc: true}
		default:
			return fmt.Errorf("invalid sort direction %q for %s", dir, field)
		}
	}
	return nil
}

func (sf SortField) MarshalJSON() ([]byte, error) {
	if !sf.Desc {
		return json.Marshal(sf.Field)
	}
	return json.Marshal(map[string]string{sf.Field: "desc"})
}

// ParseQuery decodes the JSON form of a query.
func ParseQuery(raw []byte) (Query, error) {
	var q Query
	if err := json.Unmarshal(raw, &q); err != nil {
		return Query{}, fmt.Errorf("worldstate: invalid query: %w", err)
	}
	if q.Limit < 0 || q.Skip < 0 {
		return Query{}, fmt.Errorf("worldstate: invalid query: negative limit or skip")
	}
	return q, nil
}

// ExecuteQuery runs q over every document of the store's scope, system
// collection markers excluded. Results have internal fields stripped. Without
// a sort, results come in key order.
func (s *Store) ExecuteQuery(ctx context.Context, q Query) ([]Document, error) {
	m, err := compileSelector(q.Selector)
	if err != nil {
		return nil, err
	}
	sysPrefix := KeyPrefix(s.tenant, SystemCollection)

	var docs []Document
	err = view(s.st, func(tx storageTx) error {
		return tx.Scan(scopePrefix(s.tenant), func(k, v []byte) error {
			if keyHasPrefix(k, sysPrefix) {
				return nil
			}
			doc, err := s.codec.decode(v)
			if err != nil {
				return err
			}
			doc = normalizeValue(doc).(Document)
			if m.match(doc) {
				docs = append(docs, doc)
			}
			if len(q.Sort) == 0 && q.Limit > 0 && len(docs) >= q.Skip+q.Limit {
				return errStopScan
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if len(q.Sort) > 0 {
		paths := make([][]string, len(q.Sort))
		for i, sf := range q.Sort {
			paths[i] = splitFieldPath(sf.Field)
		}
		slices.SortStableFunc(docs, func(a, b Document) int {
			for i, sf := range q.Sort {
				av, _ := lookupPath(a, paths[i])
				bv, _ := lookupPath(b, paths[i])
				c := compareValues(av, bv)
				if sf.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}

	if q.Skip > 0 {
		if q.Skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[q.Skip:]
		}
	}
	if q.Limit > 0 && q.Limit < len(docs) {
		docs = docs[:q.Limit]
	}

	result := make([]Document, 0, len(docs))
	for _, doc := range docs {
		doc = stripInternal(doc)
		if len(q.Fields) > 0 {
			doc = project(doc, q.Fields)
		}
		result = append(result, doc)
	}
	s.debug(ctx, "worldstate: QUERY", slog.Int("count", len(result)))
	return result, nil
}

func project(doc Document, fields []string) Document {
	out := make(Document, len(fields))
	for _, f := range fields {
		path := splitFieldPath(f)
		v, ok := lookupPath(doc, path)
		if !ok {
			continue
		}
		dst := out
		for _, p := range path[:len(path)-1] {
			next, ok := dst[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				dst[p] = next
			}
			dst = next
		}
		dst[path[len(path)-1]] = v
	}
	return out
}

// splitFieldPath splits a dotted field name. A backslash escapes the next
// character, so "\\$class" names the field "$class" and "a\\.b" the field "a.b".
func splitFieldPath(name string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '\\' && i+1 < len(name):
			i++
			cur.WriteByte(name[i])
		case c == '.':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String())
}

func lookupPath(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
