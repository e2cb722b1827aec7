package worldstate

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"

	DefaultCompressionThreshold = 1024
)

// Stored value: flags byte, then the msgpack-encoded document, zstd-compressed
// when valueFlagZstd is set.
const (
	valueFlagZstd byte = 1 << 0

	valueFlagsKnown = valueFlagZstd
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

type valueCodec struct {
	compression Compression
	threshold   int
}

func (vc valueCodec) encode(doc map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(0)
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(doc)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document using MsgPack: %w", err)
	}
	raw := buf.Bytes()

	if vc.compression != CompressionZstd || len(raw)-1 < vc.threshold {
		return raw, nil
	}
	zenc := getZstdEncoder()
	compressed := zenc.EncodeAll(raw[1:], []byte{valueFlagZstd})
	zstdEncoderPool.Put(zenc)
	if len(compressed) >= len(raw) {
		return raw, nil
	}
	return compressed, nil
}

func (vc valueCodec) decode(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, dataErrf(data, 0, nil, "empty value")
	}
	flags, payload := data[0], data[1:]
	if flags&^valueFlagsKnown != 0 {
		return nil, dataErrf(data, 0, nil, "unknown value flags 0x%02x", flags)
	}
	if flags&valueFlagZstd != 0 {
		zdec := getZstdDecoder()
		raw, err := zdec.DecodeAll(payload, nil)
		zstdDecoderPool.Put(zdec)
		if err != nil {
			return nil, dataErrf(data, 1, err, "failed to decompress value")
		}
		payload = raw
	}

	var r bytes.Reader
	r.Reset(payload)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	dec.UseLooseInterfaceDecoding(true)
	var doc map[string]any
	err := dec.Decode(&doc)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(data, 1, err, "failed to decode msgpack document")
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}
