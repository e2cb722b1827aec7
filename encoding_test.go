package worldstate

import (
	"errors"
	"strings"
	"testing"
)

func TestValueCodec_roundTrip(t *testing.T) {
	docs := []Document{
		{},
		{"a": int64(1), "b": "x", "c": []any{int64(1), 2.5, nil, true}},
		{"nested": map[string]any{"deep": map[string]any{"n": int64(-7)}}},
		{"big": strings.Repeat("abc", 2000)},
	}
	codecs := []valueCodec{
		{compression: CompressionNone, threshold: DefaultCompressionThreshold},
		{compression: CompressionZstd, threshold: 16},
	}
	for _, vc := range codecs {
		for _, doc := range docs {
			raw := must(vc.encode(doc))
			got := must(vc.decode(raw))
			deepEqual(t, normalizeValue(got).(Document), doc)
		}
	}
}

func TestValueCodec_compression(t *testing.T) {
	doc := Document{"big": strings.Repeat("abc", 2000)}

	plain := must(valueCodec{compression: CompressionNone}.encode(doc))
	if plain[0] != 0 {
		t.Errorf("uncompressed flags = %02x, wanted 00", plain[0])
	}

	zc := valueCodec{compression: CompressionZstd, threshold: 1024}
	packed := must(zc.encode(doc))
	if packed[0] != valueFlagZstd {
		t.Errorf("compressed flags = %02x, wanted %02x", packed[0], valueFlagZstd)
	}
	if len(packed) >= len(plain) {
		t.Errorf("compressed len = %d, wanted < %d", len(packed), len(plain))
	}

	small := must(zc.encode(Document{"a": "b"}))
	if small[0] != 0 {
		t.Errorf("value under threshold was compressed")
	}
}

func TestValueCodec_decodeErrors(t *testing.T) {
	vc := valueCodec{compression: CompressionNone}
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"unknown flags", []byte{0x80, 0x80}},
		{"bad zstd", []byte{valueFlagZstd, 1, 2, 3}},
		{"bad msgpack", []byte{0, 0xc1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := vc.decode(tt.raw)
			var de *DataError
			if !errors.As(err, &de) {
				t.Fatalf("decode(%x) = %v, wanted *DataError", tt.raw, err)
			}
		})
	}
}

func TestNormalizeValue(t *testing.T) {
	v := normalizeValue(map[string]any{
		"u": uint64(5),
		"l": []any{uint64(1), map[string]any{"x": uint64(2)}},
		"m": uint64(1 << 63),
	})
	deepEqual(t, v, any(map[string]any{
		"u": int64(5),
		"l": []any{int64(1), map[string]any{"x": int64(2)}},
		"m": uint64(1 << 63),
	}))
}

func TestCanonicalDocument(t *testing.T) {
	in := Document{
		"n":    1,
		"u":    uint8(7),
		"f":    float32(0.5),
		"tags": []string{"a", "b"},
		"m":    map[string]int{"k": 2},
	}
	want := Document{
		"n":    int64(1),
		"u":    int64(7),
		"f":    0.5,
		"tags": []any{"a", "b"},
		"m":    map[string]any{"k": int64(2)},
	}
	deepEqual(t, must(canonicalDocument(in)), want)
	deepEqual(t, must(canonicalDocument(nil)), Document{})

	if _, err := canonicalDocument(Document{"ch": make(chan int)}); err == nil {
		t.Errorf("canonicalDocument(chan) succeeded")
	}
}
