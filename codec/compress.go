package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block compression used by Compressed.
type Compression uint8

const (
	// CompressionNone stores values as encoded.
	CompressionNone Compression = 0
	// CompressionLZ4 favors speed; a good default for off-heap values.
	CompressionLZ4 Compression = 1
	// CompressionZSTD favors ratio; a good default for disk values.
	CompressionZSTD Compression = 2
)

// String returns the compression name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ErrCorruptBlock is returned when a compressed value cannot be decoded.
var ErrCorruptBlock = errors.New("codec: corrupt compressed block")

// Block layout: [type uint8][rawLen uint32][packedLen uint32][payload].
// packedLen == 0 means the payload is stored raw.
const blockHeaderSize = 9

// minCompressSize is the smallest payload worth compressing.
const minCompressSize = 64

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

// Compressed wraps another codec and compresses its output.
// Values that do not shrink by at least 10% are stored raw.
type Compressed[T any] struct {
	inner Codec[T]
	kind  Compression
}

// NewCompressed returns a codec compressing inner's output with kind.
func NewCompressed[T any](inner Codec[T], kind Compression) *Compressed[T] {
	return &Compressed[T]{inner: inner, kind: kind}
}

// Encode encodes v with the inner codec and compresses the result.
func (c *Compressed[T]) Encode(v T) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return compressBlock(raw, c.kind)
}

// Decode decompresses data and decodes it with the inner codec.
func (c *Compressed[T]) Decode(data []byte) (T, error) {
	raw, err := decompressBlock(data)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.inner.Decode(raw)
}

// Name returns "<inner>+<compression>".
func (c *Compressed[T]) Name() string {
	return c.inner.Name() + "+" + c.kind.String()
}

func compressBlock(data []byte, kind Compression) ([]byte, error) {
	var packed []byte

	if len(data) >= minCompressSize {
		switch kind {
		case CompressionLZ4:
			buf := make([]byte, lz4.CompressBlockBound(len(data)))
			n, err := lz4.CompressBlock(data, buf, nil)
			if err != nil {
				return nil, err
			}
			packed = buf[:n]
		case CompressionZSTD:
			enc := getZstdEncoder()
			packed = enc.EncodeAll(data, nil)
			zstdEncoderPool.Put(enc)
		case CompressionNone:
		default:
			return nil, fmt.Errorf("codec: unknown compression %d", kind)
		}
	}

	// Incompressible (n == 0) or not worth it.
	if len(packed) == 0 || float64(len(packed)) > float64(len(data))*0.9 {
		out := make([]byte, blockHeaderSize+len(data))
		out[0] = byte(kind)
		binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
		copy(out[blockHeaderSize:], data)
		return out, nil
	}

	out := make([]byte, blockHeaderSize+len(packed))
	out[0] = byte(kind)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(packed)))
	copy(out[blockHeaderSize:], packed)
	return out, nil
}

func decompressBlock(data []byte) ([]byte, error) {
	if len(data) < blockHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is too small for header", ErrCorruptBlock, len(data))
	}

	kind := Compression(data[0])
	rawLen := binary.LittleEndian.Uint32(data[1:])
	packedLen := binary.LittleEndian.Uint32(data[5:])
	body := data[blockHeaderSize:]

	if packedLen == 0 {
		if uint32(len(body)) != rawLen {
			return nil, fmt.Errorf("%w: raw length mismatch", ErrCorruptBlock)
		}
		return body, nil
	}
	if uint32(len(body)) != packedLen {
		return nil, fmt.Errorf("%w: packed length mismatch", ErrCorruptBlock)
	}

	out := make([]byte, rawLen)
	switch kind {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
		}
		if uint32(n) != rawLen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptBlock)
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)

		decoded, err := dec.DecodeAll(body, out[:0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
		}
		if uint32(len(decoded)) != rawLen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptBlock)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorruptBlock, kind)
	}
}
