package worldstate

import (
	"context"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpHeaders = DumpFlags(1 << iota)
	DumpStats
	DumpDocuments

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the collections of the store's scope for debugging.
func (s *Store) Dump(ctx context.Context, f DumpFlags) (string, error) {
	ids, err := s.Collections(ctx)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	for _, id := range ids {
		if err := s.dumpCollection(&buf, f, id); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func (s *Store) dumpCollection(w *strings.Builder, f DumpFlags, id string) error {
	prefix := id
	if s.tenant != "" {
		prefix = s.tenant + ":" + id
	}

	var st CollectionStats
	var lines []string
	err := view(s.st, func(tx storageTx) error {
		return tx.Scan(KeyPrefix(s.tenant, id), func(k, v []byte) error {
			st.add(k, v)
			if !f.Contains(DumpDocuments) {
				return nil
			}
			lines = append(lines, s.dumpDocument(prefix, st.Documents, k, v))
			return nil
		})
	})
	if err != nil {
		return err
	}

	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d documents)\n", prefix, st.Documents)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: compressed = %d, key_size = %d, data_size = %d, total_size = %d\n", prefix, st.Compressed, st.KeySize, st.DataSize, st.TotalSize())
	}
	if len(lines) > 0 {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

func (s *Store) dumpDocument(prefix string, pos int, k, v []byte) string {
	key, err := DecodeKey(k)
	if err != nil {
		return fmt.Sprintf("%s.%d = ** ERROR: %v", prefix, pos, err)
	}
	doc, err := s.codec.decode(v)
	if err != nil {
		return fmt.Sprintf("%s.%d %s = ** ERROR: %v", prefix, pos, key.ID, err)
	}
	doc = normalizeValue(doc).(Document)
	rev := revisionOf(doc)
	return fmt.Sprintf("%s.%d %s = (r%d) %s", prefix, pos, key.ID, rev, loggableDoc(stripInternal(doc)))
}
