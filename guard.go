package worldstate

import (
	"context"
	"strings"

	"github.com/hyperledger-archives/composer-sub017/acl"
)

// FieldClass holds the fully-qualified type of a document.
const FieldClass = "$class"

// Authorizer decides access; *acl.Controller implements it.
type Authorizer interface {
	CheckInTransaction(resource acl.Resource, access acl.Access, participant acl.Resource, tx acl.Resource) error
}

// DocumentResource presents a stored document to access control. Its type
// is the document's $class, or the collection id for untyped documents.
type DocumentResource struct {
	collection string
	id         string
	doc        Document
}

func NewDocumentResource(collection, id string, doc Document) *DocumentResource {
	return &DocumentResource{collection: collection, id: id, doc: doc}
}

func (r *DocumentResource) FullyQualifiedType() string {
	if fqt, ok := r.doc[FieldClass].(string); ok && fqt != "" {
		return fqt
	}
	return r.collection
}

func (r *DocumentResource) Namespace() string {
	fqt := r.FullyQualifiedType()
	if i := strings.LastIndexByte(fqt, '.'); i >= 0 {
		return fqt[:i]
	}
	return ""
}

func (r *DocumentResource) Identifier() string {
	return r.id
}

func (r *DocumentResource) Field(name string) (any, bool) {
	v, ok := r.doc[name]
	return v, ok
}

func (r *DocumentResource) Document() Document {
	return r.doc
}

// GuardedCollection checks every call against an Authorizer on behalf of one
// participant before touching the collection. A denied write is never
// handed to HandleAction, so it is never queued.
type GuardedCollection struct {
	coll        *Collection
	auth        Authorizer
	participant acl.Resource
	tx          acl.Resource

	// Wrap, when set, turns a document into the resource rules see, e.g. a
	// LazyResource resolving relationships.
	Wrap func(r *DocumentResource) acl.Resource
}

// Guard returns a view of c that checks access for participant. tx is the
// transaction performing the accesses, or nil.
func (c *Collection) Guard(auth Authorizer, participant, tx acl.Resource) *GuardedCollection {
	return &GuardedCollection{coll: c, auth: auth, participant: participant, tx: tx}
}

func (g *GuardedCollection) Collection() *Collection {
	return g.coll
}

func (g *GuardedCollection) check(id string, doc Document, access acl.Access) error {
	var res acl.Resource = NewDocumentResource(g.coll.id, id, doc)
	if g.Wrap != nil {
		res = g.Wrap(res.(*DocumentResource))
	}
	return g.auth.CheckInTransaction(res, access, g.participant, g.tx)
}

// Get returns the document if the participant may read it.
func (g *GuardedCollection) Get(ctx context.Context, id string) (Document, error) {
	doc, err := g.coll.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.check(id, doc, acl.Read); err != nil {
		return nil, err
	}
	return doc, nil
}

// GetAll returns the documents the participant may read; others are
// silently left out.
func (g *GuardedCollection) GetAll(ctx context.Context) ([]Document, error) {
	var ids []string
	var all []Document
	err := g.coll.each(func(id string, doc Document) error {
		ids = append(ids, id)
		all = append(all, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// checks run outside the scan; resolving relationships reads the store
	var docs []Document
	for i, doc := range all {
		if g.check(ids[i], doc, acl.Read) == nil {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Exists reports existence of documents the participant may read; for
// others it returns the access error.
func (g *GuardedCollection) Exists(ctx context.Context, id string) (bool, error) {
	doc, err := g.coll.load(id)
	if err != nil || doc == nil {
		return false, err
	}
	if err := g.check(id, stripInternal(doc), acl.Read); err != nil {
		return false, err
	}
	return true, nil
}

func (g *GuardedCollection) Add(ctx context.Context, id string, doc Document, force bool) error {
	if err := g.check(id, doc, acl.Create); err != nil {
		return err
	}
	return g.coll.Add(ctx, id, doc, force)
}

// Update checks UPDATE against the new body.
func (g *GuardedCollection) Update(ctx context.Context, id string, doc Document) error {
	if err := g.check(id, doc, acl.Update); err != nil {
		return err
	}
	return g.coll.Update(ctx, id, doc)
}

// Remove checks DELETE against the stored document.
func (g *GuardedCollection) Remove(ctx context.Context, id string) error {
	doc, err := g.coll.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := g.check(id, doc, acl.Delete); err != nil {
		return err
	}
	return g.coll.Remove(ctx, id)
}
