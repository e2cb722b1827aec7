package worldstate

import (
	"encoding/hex"
	"log/slog"
	"slices"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// inc turns data into the smallest byte string greater than every string
// prefixed by data. Returns false for an all-0xFF input, which has no such
// successor of the same length.
func inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			for j := i; j < n; j++ {
				data[j]++
			}
			return true
		}
	}
	return false
}

// prefixUpperBound returns an exclusive upper bound for keys starting with
// prefix, or nil when the range is unbounded above.
func prefixUpperBound(prefix []byte) []byte {
	upper := slices.Clone(prefix)
	if !inc(upper) {
		return nil
	}
	return upper
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}
