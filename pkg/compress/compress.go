// Package compress stores raw scanner payloads compactly.
//
// Raw alert payloads are large, highly repetitive JSON documents. They are
// compressed with ZSTD before they are written and decompressed on read using
// the algorithm recorded next to the payload.
//
//	c := compress.NewCompressor(compress.AlgorithmZSTD, compress.LevelDefault)
//	packed, err := c.Compress(payload)
//	...
//	original, err := compress.Decompress(compress.AlgorithmZSTD, packed)
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Algorithm is a compression algorithm name as stored with a payload.
type Algorithm string

const (
	AlgorithmZSTD Algorithm = "zstd"
	AlgorithmGzip Algorithm = "gzip"
	AlgorithmNone Algorithm = "none"
)

// Level represents compression level.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 3
	LevelBetter  Level = 6
	LevelBest    Level = 9
)

// Compressor compresses and decompresses with one algorithm.
// It is safe for concurrent use.
type Compressor struct {
	algorithm Algorithm
	level     Level

	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
}

// NewCompressor creates a compressor for the algorithm and level.
func NewCompressor(algorithm Algorithm, level Level) *Compressor {
	c := &Compressor{
		algorithm: algorithm,
		level:     level,
	}

	if algorithm == AlgorithmZSTD {
		c.zstdEncoderPool = sync.Pool{
			New: func() any {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
				return enc
			},
		}
		c.zstdDecoderPool = sync.Pool{
			New: func() any {
				dec, _ := zstd.NewReader(nil)
				return dec
			},
		}
	}

	return c
}

// Algorithm returns the compression algorithm.
func (c *Compressor) Algorithm() Algorithm {
	return c.algorithm
}

// Compress compresses data.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case AlgorithmZSTD:
		return c.compressZSTD(data)
	case AlgorithmGzip:
		return c.compressGzip(data)
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// Decompress decompresses data.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case AlgorithmZSTD:
		return c.decompressZSTD(data)
	case AlgorithmGzip:
		return c.decompressGzip(data)
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

func (c *Compressor) compressZSTD(data []byte) ([]byte, error) {
	enc := c.zstdEncoderPool.Get().(*zstd.Encoder)
	defer c.zstdEncoderPool.Put(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)

	if _, err := enc.Write(data); err != nil {
		return nil, fmt.Errorf("zstd write error: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("zstd close error: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Compressor) decompressZSTD(data []byte) ([]byte, error) {
	dec := c.zstdDecoderPool.Get().(*zstd.Decoder)
	defer c.zstdDecoderPool.Put(dec)

	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("zstd reset error: %w", err)
	}
	result, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return result, nil
}

func (c *Compressor) compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	level := gzip.DefaultCompression
	if c.level <= 3 {
		level = gzip.BestSpeed
	} else if c.level >= 7 {
		level = gzip.BestCompression
	}

	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer error: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write error: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close error: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Compressor) decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader error: %w", err)
	}
	defer reader.Close()

	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress error: %w", err)
	}
	return result, nil
}

// Policy decides whether a payload is worth compressing.
type Policy struct {
	// Algorithm used for payloads at or above MinSize. Default: zstd.
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`

	// MinSize is the smallest payload, in bytes, that gets compressed.
	// Default: 4096.
	MinSize int `yaml:"min_size" json:"min_size"`
}

// DefaultPolicy returns the default payload policy.
func DefaultPolicy() *Policy {
	return &Policy{Algorithm: AlgorithmZSTD, MinSize: 4096}
}

// Pack compresses data according to the policy and returns the payload
// together with the algorithm that must be used to read it back. Payloads
// that do not shrink are stored uncompressed.
func (p *Policy) Pack(data []byte) ([]byte, Algorithm, error) {
	algo := p.Algorithm
	if algo == "" {
		algo = AlgorithmZSTD
	}
	if algo == AlgorithmNone || len(data) < p.MinSize {
		return data, AlgorithmNone, nil
	}

	packed, err := compressorFor(algo).Compress(data)
	if err != nil {
		return nil, "", err
	}
	if len(packed) >= len(data) {
		return data, AlgorithmNone, nil
	}
	return packed, algo, nil
}

// Decompress reads back a payload stored with the named algorithm.
// An empty name is treated as uncompressed.
func Decompress(algorithm Algorithm, data []byte) ([]byte, error) {
	if algorithm == "" {
		algorithm = AlgorithmNone
	}
	return compressorFor(algorithm).Decompress(data)
}

var (
	defaultZSTD = NewCompressor(AlgorithmZSTD, LevelDefault)
	defaultGzip = NewCompressor(AlgorithmGzip, LevelDefault)
	noCompress  = NewCompressor(AlgorithmNone, LevelDefault)
)

func compressorFor(a Algorithm) *Compressor {
	switch a {
	case AlgorithmZSTD:
		return defaultZSTD
	case AlgorithmGzip:
		return defaultGzip
	case AlgorithmNone:
		return noCompress
	default:
		return NewCompressor(a, LevelDefault)
	}
}
