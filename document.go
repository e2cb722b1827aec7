package worldstate

import (
	"math"
	"strconv"
)

// Document is the structured value stored under a key. Field names starting
// with an underscore are reserved for storage metadata.
//
// Documents are read back in the stored value space: nil, bool, string,
// int64 (uint64 above math.MaxInt64), float64, time.Time, []any and
// map[string]any. Byte slices read back as strings. Add and Update convert
// their input to that space, so Document{"n": 1, "tags": []string{"a"}}
// reads back as Document{"n": int64(1), "tags": []any{"a"}}.
type Document = map[string]any

const (
	fieldID       = "_id"
	fieldRevision = "_rev"

	// FieldTenant tags documents written through a tenant-scoped store.
	FieldTenant = "$tenantId"
)

func isInternalField(name string) bool {
	return name == fieldID || name == fieldRevision
}

// stripInternal removes storage metadata in place and returns doc.
func stripInternal(doc Document) Document {
	delete(doc, fieldID)
	delete(doc, fieldRevision)
	return doc
}

// canonicalDocument returns a deep copy of doc in the stored value space.
func canonicalDocument(doc Document) (Document, error) {
	if doc == nil {
		return Document{}, nil
	}
	vc := valueCodec{compression: CompressionNone}
	raw, err := vc.encode(doc)
	if err != nil {
		return nil, err
	}
	out, err := vc.decode(raw)
	if err != nil {
		return nil, err
	}
	return normalizeValue(out).(Document), nil
}

// cloneDocument copies the top level of doc and every nested map and slice,
// so that stored state never aliases caller-owned values.
func cloneDocument(doc Document) Document {
	if doc == nil {
		return Document{}
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneDocument(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// normalizeValue folds decoded integers into int64 where they fit, so that
// documents compare equal regardless of the wire width msgpack picked.
func normalizeValue(v any) any {
	switch v := v.(type) {
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v)
		}
		return v
	case map[string]any:
		for k, e := range v {
			v[k] = normalizeValue(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = normalizeValue(e)
		}
		return v
	default:
		return v
	}
}

func revisionOf(doc Document) uint64 {
	switch v := doc[fieldRevision].(type) {
	case int64:
		return uint64(v)
	case uint64:
		return v
	default:
		return 0
	}
}

func formatRevision(rev uint64) string {
	return strconv.FormatUint(rev, 10)
}
