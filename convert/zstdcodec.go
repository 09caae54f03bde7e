package convert

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/format"
)

// pooledZstdCodec is a parquet-go compress.Codec backed by klauspost/compress's
// zstd implementation, pooling encoders and decoders instead of allocating one
// per call. Adapted from kalbasit-ncps's pkg/zstd pooled-writer/reader
// pattern: encoders and readers are expensive to set up and are safe to
// reuse sequentially, so a sync.Pool amortizes that cost across the many
// row-group flushes a single shard conversion performs.
type pooledZstdCodec struct {
	encoders sync.Pool
	decoders sync.Pool
}

// Codec is the shared zstd codec used by every Parquet writer in this
// package.
var Codec = &pooledZstdCodec{}

func (c *pooledZstdCodec) CompressionCodec() format.CompressionCodec {
	return format.Zstd
}

func (c *pooledZstdCodec) Encode(dst, src []byte) ([]byte, error) {
	enc, _ := c.encoders.Get().(*zstd.Encoder)
	var err error
	if enc == nil {
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
	}
	defer c.encoders.Put(enc)
	return enc.EncodeAll(src, dst[:0]), nil
}

func (c *pooledZstdCodec) Decode(dst, src []byte) ([]byte, error) {
	dec, _ := c.decoders.Get().(*zstd.Decoder)
	var err error
	if dec == nil {
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	defer c.decoders.Put(dec)
	return dec.DecodeAll(src, dst[:0])
}

var _ compress.Codec = (*pooledZstdCodec)(nil)
