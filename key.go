package worldstate

import (
	"bytes"
	"fmt"
	"strings"
)

// Key addresses one stored document: an ordered (tenant, collection, id)
// tuple. Tenant is empty for documents outside any tenant scope.
//
// Keys are ordered component-wise, untenanted keys before tenanted ones, and
// a shorter tuple before any longer tuple it is a prefix of. EncodeKey
// preserves that order byte-wise, so a prefix scan over the encoded form
// returns exactly the documents of one collection, in id order.
//
// Encoding: scope byte, then every present component as its raw bytes with
// 0x00 escaped as 0x00 0xFF, followed by the terminator 0x00 0x01.
type Key struct {
	Tenant     string
	Collection string
	ID         string
}

const (
	keyScopeGlobal byte = 0x01
	keyScopeTenant byte = 0x02

	keyEscape     byte = 0x00
	keyEscapedNul byte = 0xFF
	keyTerminator byte = 0x01
)

func (k Key) String() string {
	if k.Tenant == "" {
		return k.Collection + "/" + k.ID
	}
	return k.Tenant + ":" + k.Collection + "/" + k.ID
}

// Compare orders keys the same way their encodings sort.
func (k Key) Compare(another Key) int {
	if (k.Tenant == "") != (another.Tenant == "") {
		if k.Tenant == "" {
			return -1
		}
		return 1
	}
	if c := strings.Compare(k.Tenant, another.Tenant); c != 0 {
		return c
	}
	if c := strings.Compare(k.Collection, another.Collection); c != 0 {
		return c
	}
	return strings.Compare(k.ID, another.ID)
}

func EncodeKey(k Key) []byte {
	return k.appendTo(make([]byte, 0, k.encodedLen()))
}

func (k Key) encodedLen() int {
	return 1 + len(k.Tenant) + len(k.Collection) + len(k.ID) + 6
}

func (k Key) appendTo(buf []byte) []byte {
	if k.Tenant == "" {
		buf = append(buf, keyScopeGlobal)
	} else {
		buf = append(buf, keyScopeTenant)
		buf = appendKeyComponent(buf, k.Tenant)
	}
	buf = appendKeyComponent(buf, k.Collection)
	return appendKeyComponent(buf, k.ID)
}

// KeyPrefix returns the encoded prefix shared by the keys of every document
// in the given collection, and by no key of any other collection.
func KeyPrefix(tenant, collection string) []byte {
	buf := make([]byte, 0, 1+len(tenant)+len(collection)+4)
	if tenant == "" {
		buf = append(buf, keyScopeGlobal)
	} else {
		buf = append(buf, keyScopeTenant)
		buf = appendKeyComponent(buf, tenant)
	}
	return appendKeyComponent(buf, collection)
}

// scopePrefix returns the prefix shared by all keys of a tenant scope.
func scopePrefix(tenant string) []byte {
	if tenant == "" {
		return []byte{keyScopeGlobal}
	}
	return appendKeyComponent([]byte{keyScopeTenant}, tenant)
}

func appendKeyComponent(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == keyEscape {
			buf = append(buf, keyEscape, keyEscapedNul)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, keyEscape, keyTerminator)
}

func DecodeKey(raw []byte) (Key, error) {
	if len(raw) == 0 {
		return Key{}, keyErrf(raw, 0, "empty key")
	}
	var k Key
	var n int
	switch raw[0] {
	case keyScopeGlobal:
		n = 2
	case keyScopeTenant:
		n = 3
	default:
		return Key{}, keyErrf(raw, 0, "unknown key scope 0x%02x", raw[0])
	}
	comps := make([]string, 0, n)
	off := 1
	for len(comps) < n {
		s, next, err := decodeKeyComponent(raw, off)
		if err != nil {
			return Key{}, err
		}
		comps = append(comps, s)
		off = next
	}
	if off != len(raw) {
		return Key{}, keyErrf(raw, off, "%d trailing bytes", len(raw)-off)
	}
	if n == 3 {
		k.Tenant, comps = comps[0], comps[1:]
		if k.Tenant == "" {
			return Key{}, keyErrf(raw, 1, "tenant-scoped key with empty tenant")
		}
	}
	k.Collection, k.ID = comps[0], comps[1]
	return k, nil
}

func decodeKeyComponent(raw []byte, off int) (string, int, error) {
	var buf strings.Builder
	for i := off; i < len(raw); i++ {
		c := raw[i]
		if c != keyEscape {
			buf.WriteByte(c)
			continue
		}
		if i+1 >= len(raw) {
			return "", 0, keyErrf(raw, i, "truncated escape")
		}
		switch raw[i+1] {
		case keyTerminator:
			return buf.String(), i + 2, nil
		case keyEscapedNul:
			buf.WriteByte(0)
			i++
		default:
			return "", 0, keyErrf(raw, i, "invalid escape 0x00 0x%02x", raw[i+1])
		}
	}
	return "", 0, keyErrf(raw, off, "unterminated component")
}

// keyHasPrefix reports whether raw belongs to the range described by prefix.
func keyHasPrefix(raw, prefix []byte) bool {
	return bytes.HasPrefix(raw, prefix)
}

type KeyError struct {
	Key []byte
	Off int
	Msg string
}

func keyErrf(raw []byte, off int, format string, args ...any) error {
	return &KeyError{raw, off, fmt.Sprintf(format, args...)}
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("invalid key %x at %d: %s", e.Key, e.Off, e.Msg)
}
