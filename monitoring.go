package worldstate

import (
	"context"
	"encoding/json"
)

type CollectionStats struct {
	Documents  int
	Compressed int

	KeySize  int
	DataSize int
}

func (cs *CollectionStats) TotalSize() int {
	return cs.KeySize + cs.DataSize
}

func (cs *CollectionStats) add(k, v []byte) {
	cs.Documents++
	cs.KeySize += len(k)
	cs.DataSize += len(v)
	if len(v) > 0 && v[0]&valueFlagZstd != 0 {
		cs.Compressed++
	}
}

// CollectionStats measures the stored form of one collection. Queued writes
// are not counted.
func (s *Store) CollectionStats(ctx context.Context, id string) (CollectionStats, error) {
	var result CollectionStats
	err := view(s.st, func(tx storageTx) error {
		return tx.Scan(KeyPrefix(s.tenant, id), func(k, v []byte) error {
			result.add(k, v)
			return nil
		})
	})
	return result, err
}

func loggableDoc(doc Document) string {
	if doc == nil {
		return "<none>"
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "<unencodable: " + err.Error() + ">"
	}
	return string(raw)
}
