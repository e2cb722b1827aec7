package worldstate

import (
	"context"
	"fmt"
	"log/slog"
)

// Collection is a handle to the documents of one collection. Handles are
// cheap; they hold no state beyond the collection id.
type Collection struct {
	store  *Store
	id     string
	prefix []byte
}

func (c *Collection) ID() string {
	return c.id
}

// Tenant returns the tenant scope the collection belongs to, empty if unscoped.
func (c *Collection) Tenant() string {
	return c.store.tenant
}

func (c *Collection) key(id string) Key {
	return Key{Tenant: c.store.tenant, Collection: c.id, ID: id}
}

// GetAll returns every document of the collection in id order.
func (c *Collection) GetAll(ctx context.Context) ([]Document, error) {
	var docs []Document
	err := c.each(func(id string, doc Document) error {
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.store.debug(ctx, "worldstate: GETALL", slog.String("collection", c.id), slog.Int("count", len(docs)))
	return docs, nil
}

// each calls fn with every document of the collection in id order, internal
// fields stripped.
func (c *Collection) each(fn func(id string, doc Document) error) error {
	return view(c.store.st, func(tx storageTx) error {
		return tx.Scan(c.prefix, func(k, v []byte) error {
			doc, err := c.store.codec.decode(v)
			if err != nil {
				return err
			}
			doc = normalizeValue(doc).(Document)
			id, _ := doc[fieldID].(string)
			return fn(id, stripInternal(doc))
		})
	})
}

// Get returns the document, or NotFoundError.
func (c *Collection) Get(ctx context.Context, id string) (Document, error) {
	doc, err := c.load(id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		c.store.debug(ctx, "worldstate: GET.NOTFOUND", slog.String("collection", c.id), slog.String("id", id))
		return nil, notFoundErrf(c.id, id, "object with ID '%s' in collection with ID '%s' does not exist", id, c.id)
	}
	c.store.debug(ctx, "worldstate: GET", slog.String("collection", c.id), slog.String("id", id))
	return stripInternal(doc), nil
}

// Exists reports whether a document with the id exists. Absence is not an error.
func (c *Collection) Exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := view(c.store.st, func(tx storageTx) error {
		v, err := tx.Get(EncodeKey(c.key(id)))
		found = v != nil
		return err
	})
	if err != nil {
		return false, err
	}
	c.store.debug(ctx, "worldstate: EXISTS", slog.String("collection", c.id), slog.String("id", id), slog.Bool("found", found))
	return found, nil
}

// Add stores a new document. Without force it fails with AlreadyExistsError
// if the id is taken, both now and again when the write is applied.
func (c *Collection) Add(ctx context.Context, id string, doc Document, force bool) error {
	if !force {
		exists, err := c.Exists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			return alreadyExistsErrf(c.id, id, "failed to add object with ID '%s' as the object already exists", id)
		}
	}
	body, err := c.prepareBody(doc)
	if err != nil {
		return err
	}
	return c.store.HandleAction(ctx, func(ctx context.Context) error {
		err := update(c.store.st, func(tx storageTx) error {
			if !force {
				prev, err := c.store.getDocument(tx, c.key(id))
				if err != nil {
					return err
				}
				if prev != nil {
					return alreadyExistsErrf(c.id, id, "failed to add object with ID '%s' as the object already exists", id)
				}
			}
			return c.store.putDocument(tx, c.key(id), body)
		})
		if err == nil {
			c.store.publish(ctx, EventDocumentAdded, c.id, id, body)
		}
		return err
	})
}

// Update overwrites an existing document, or fails with NotFoundError. The
// write fails at apply time if the document was changed or removed since.
func (c *Collection) Update(ctx context.Context, id string, doc Document) error {
	current, err := c.load(id)
	if err != nil {
		return err
	}
	if current == nil {
		return notFoundErrf(c.id, id, "failed to update object with ID '%s' as the object does not exist", id)
	}
	rev := revisionOf(current)
	body, err := c.prepareBody(doc)
	if err != nil {
		return err
	}
	return c.store.HandleAction(ctx, func(ctx context.Context) error {
		err := update(c.store.st, func(tx storageTx) error {
			if err := c.checkRevision(tx, id, rev, "update"); err != nil {
				return err
			}
			return c.store.putDocument(tx, c.key(id), body)
		})
		if err == nil {
			c.store.publish(ctx, EventDocumentUpdated, c.id, id, body)
		}
		return err
	})
}

// Remove deletes an existing document, or fails with NotFoundError.
func (c *Collection) Remove(ctx context.Context, id string) error {
	current, err := c.load(id)
	if err != nil {
		return err
	}
	if current == nil {
		return notFoundErrf(c.id, id, "failed to delete object with ID '%s' as the object does not exist", id)
	}
	rev := revisionOf(current)
	return c.store.HandleAction(ctx, func(ctx context.Context) error {
		err := update(c.store.st, func(tx storageTx) error {
			if err := c.checkRevision(tx, id, rev, "delete"); err != nil {
				return err
			}
			c.store.debug(ctx, "worldstate: DELETE", slog.String("key", c.key(id).String()))
			return tx.Delete(EncodeKey(c.key(id)))
		})
		if err == nil {
			c.store.publish(ctx, EventDocumentRemoved, c.id, id, nil)
		}
		return err
	})
}

func (c *Collection) checkRevision(tx storageTx, id string, rev uint64, op string) error {
	current, err := c.store.getDocument(tx, c.key(id))
	if err != nil {
		return err
	}
	if current == nil {
		return notFoundErrf(c.id, id, "failed to %s object with ID '%s' as the object does not exist", op, id)
	}
	if got := revisionOf(current); got != rev {
		return alreadyExistsErrf(c.id, id, "failed to %s object with ID '%s': revision conflict (%d != %d)", op, id, got, rev)
	}
	return nil
}

// load reads the document with internal fields, nil if absent.
func (c *Collection) load(id string) (Document, error) {
	var doc Document
	err := view(c.store.st, func(tx storageTx) error {
		var err error
		doc, err = c.store.getDocument(tx, c.key(id))
		return err
	})
	return doc, err
}

// prepareBody copies doc at call time, so later caller mutations do not leak
// into a queued write, converts it to the stored value space, drops reserved
// fields and applies the tenant tag.
func (c *Collection) prepareBody(doc Document) (Document, error) {
	body, err := canonicalDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("worldstate: %s: %w", c.id, err)
	}
	stripInternal(body)
	if c.store.tenant != "" {
		body[FieldTenant] = c.store.tenant
	}
	return body, nil
}
