package worldstate

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hyperledger-archives/composer-sub017/acl"
)

// Accessor converts between the stored form of a field and the value callers
// see. Get resolves a stored value; Set returns the value to store.
type Accessor struct {
	Get func(ctx context.Context, field string, stored any) (any, error)
	Set func(ctx context.Context, field string, value any) (any, error)
}

// LazyResource wraps a document resource and routes a fixed set of fields
// through an Accessor. Resolved values are cached until the field is set.
// Other fields read and write the document directly.
type LazyResource struct {
	base   *DocumentResource
	fields []string
	acc    Accessor

	mu       sync.Mutex
	resolved map[string]any
}

func NewLazyResource(base *DocumentResource, fields []string, acc Accessor) *LazyResource {
	return &LazyResource{
		base:     base,
		fields:   slices.Clone(fields),
		acc:      acc,
		resolved: make(map[string]any),
	}
}

func (r *LazyResource) FullyQualifiedType() string { return r.base.FullyQualifiedType() }
func (r *LazyResource) Namespace() string          { return r.base.Namespace() }
func (r *LazyResource) Identifier() string         { return r.base.Identifier() }

// Document returns the stored form of the resource.
func (r *LazyResource) Document() Document {
	return r.base.doc
}

// Lazy reports whether field goes through the accessor.
func (r *LazyResource) Lazy(field string) bool {
	return slices.Contains(r.fields, field)
}

// Get returns the value of field, resolving it on first use.
func (r *LazyResource) Get(ctx context.Context, field string) (any, bool, error) {
	stored, ok := r.base.doc[field]
	if !ok || !r.Lazy(field) || r.acc.Get == nil {
		return stored, ok, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.resolved[field]; ok {
		return v, true, nil
	}
	v, err := r.acc.Get(ctx, field, stored)
	if err != nil {
		return nil, true, fmt.Errorf("resolving %s of %s: %w", field, acl.FullyQualifiedIdentifier(r), err)
	}
	r.resolved[field] = v
	return v, true, nil
}

// Set stores value, converted by the accessor for lazy fields.
func (r *LazyResource) Set(ctx context.Context, field string, value any) error {
	if !r.Lazy(field) || r.acc.Set == nil {
		r.base.doc[field] = value
		return nil
	}
	stored, err := r.acc.Set(ctx, field, value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base.doc[field] = stored
	r.resolved[field] = value
	return nil
}

// Field implements acl.FieldResource. A field that fails to resolve reads as
// absent, which makes any predicate dereferencing it fail.
func (r *LazyResource) Field(name string) (any, bool) {
	v, ok, err := r.Get(context.Background(), name)
	if err != nil {
		return nil, false
	}
	return v, ok
}

const relationshipScheme = "resource:"

// Relationship formats a reference to a resource as stored in documents.
func Relationship(fqt, id string) string {
	return relationshipScheme + fqt + "#" + id
}

// ParseRelationship splits "resource:org.acme.Driver#alice".
func ParseRelationship(s string) (fqt, id string, err error) {
	rest, ok := strings.CutPrefix(s, relationshipScheme)
	if !ok {
		return "", "", fmt.Errorf("worldstate: not a relationship: %q", s)
	}
	fqt, id, ok = strings.Cut(rest, "#")
	if !ok || fqt == "" || id == "" {
		return "", "", fmt.Errorf("worldstate: malformed relationship %q", s)
	}
	return fqt, id, nil
}

// RelationshipAccessor resolves relationship fields by loading the target
// document from the store. collectionOf maps a type to the collection that
// holds its instances; nil means the type name is the collection id.
// Lists of relationships resolve element-wise.
func (s *Store) RelationshipAccessor(collectionOf func(fqt string) string) Accessor {
	if collectionOf == nil {
		collectionOf = func(fqt string) string { return fqt }
	}
	var resolve func(ctx context.Context, stored any) (any, error)
	resolve = func(ctx context.Context, stored any) (any, error) {
		switch v := stored.(type) {
		case string:
			fqt, id, err := ParseRelationship(v)
			if err != nil {
				return nil, err
			}
			coll, err := s.GetCollection(ctx, collectionOf(fqt))
			if err != nil {
				return nil, err
			}
			doc, err := coll.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return NewDocumentResource(coll.ID(), id, doc), nil
		case []any:
			out := make([]any, len(v))
			for i, e := range v {
				r, err := resolve(ctx, e)
				if err != nil {
					return nil, err
				}
				out[i] = r
			}
			return out, nil
		case nil:
			return nil, nil
		default:
			return nil, fmt.Errorf("worldstate: cannot resolve %T as a relationship", stored)
		}
	}
	var ref func(value any) (any, error)
	ref = func(value any) (any, error) {
		switch v := value.(type) {
		case acl.Resource:
			return Relationship(v.FullyQualifiedType(), v.Identifier()), nil
		case string:
			if _, _, err := ParseRelationship(v); err != nil {
				return nil, err
			}
			return v, nil
		case []any:
			out := make([]any, len(v))
			for i, e := range v {
				r, err := ref(e)
				if err != nil {
					return nil, err
				}
				out[i] = r
			}
			return out, nil
		case nil:
			return nil, nil
		default:
			return nil, fmt.Errorf("worldstate: cannot store %T as a relationship", value)
		}
	}
	return Accessor{
		Get: func(ctx context.Context, field string, stored any) (any, error) {
			return resolve(ctx, stored)
		},
		Set: func(ctx context.Context, field string, value any) (any, error) {
			return ref(value)
		},
	}
}
