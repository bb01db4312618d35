// Optional compressing Serializer.
//
// Wraps any base Serializer and stores its output zstd-compressed, then
// ascii85-encoded so the result stays printable and, crucially, free of
// the raw bytes a zstd frame could otherwise contain — Partition framing
// only requires valid UTF-8 between the length prefix and the terminator,
// and ascii85 guarantees that without the 33% bloat of base64.
package nestor

import (
	"bytes"
	"encoding/ascii85"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder: both are documented safe for concurrent use by
// klauspost/compress, and construction cost (internal tables) dominates
// per-call cost for typical small documents, so one pair is built once
// and reused across every CompressedSerializer.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// CompressedSerializer wraps Base, compressing its serialized output.
// Base defaults to JSONSerializer if nil.
type CompressedSerializer struct {
	Base Serializer
}

func (c CompressedSerializer) base() Serializer {
	if c.Base != nil {
		return c.Base
	}
	return JSONSerializer{}
}

func (c CompressedSerializer) Serialize(doc any) (string, error) {
	raw, err := c.base().Serialize(doc)
	if err != nil {
		return "", err
	}
	compressed := zstdEncoder.EncodeAll([]byte(raw), nil)

	var encoded bytes.Buffer
	enc := ascii85.NewEncoder(&encoded)
	// bytes.Buffer.Write never errors; enc.Close flushes trailing padding.
	_, _ = enc.Write(compressed)
	_ = enc.Close()
	return encoded.String(), nil
}

func (c CompressedSerializer) Deserialize(data string) (any, error) {
	dec := ascii85.NewDecoder(bytes.NewReader([]byte(data)))
	compressed, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: ascii85: %w", ErrDecompress, err)
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrDecompress, err)
	}
	return c.base().Deserialize(string(raw))
}
