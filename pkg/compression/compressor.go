// Package compression maps HTTP Content-Encoding values onto streaming
// decoders and encoders from klauspost/compress and pierrec/lz4.
package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a content encoding
type Algorithm string

const (
	// None is the identity encoding
	None Algorithm = "identity"
	// Gzip is RFC 1952 gzip
	Gzip Algorithm = "gzip"
	// Deflate is the HTTP "deflate" encoding, which is zlib framed
	Deflate Algorithm = "deflate"
	// Zstd is Zstandard
	Zstd Algorithm = "zstd"
	// Snappy is the framed snappy stream format
	Snappy Algorithm = "x-snappy-framed"
	// S2 is the klauspost S2 stream format
	S2 Algorithm = "x-s2"
	// LZ4 is the LZ4 frame format
	LZ4 Algorithm = "x-lz4"
)

// Supported lists the encodings advertised in Accept-Encoding.
var Supported = []Algorithm{Gzip, Deflate, Zstd, Snappy, S2, LZ4}

// AcceptEncoding is the Accept-Encoding header value for Supported.
func AcceptEncoding() string {
	parts := make([]string, len(Supported))
	for i, a := range Supported {
		parts[i] = string(a)
	}
	return strings.Join(parts, ", ")
}

// ParseAlgorithm normalizes a Content-Encoding header value.
func ParseAlgorithm(encoding string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return None, nil
	case "gzip", "x-gzip":
		return Gzip, nil
	case "deflate":
		return Deflate, nil
	case "zstd":
		return Zstd, nil
	case "snappy", "x-snappy-framed":
		return Snappy, nil
	case "s2", "x-s2":
		return S2, nil
	case "lz4", "x-lz4":
		return LZ4, nil
	default:
		return "", fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// NewReader wraps r with a decoder for encoding. Closing the result releases
// decoder state but does not close r.
func NewReader(encoding string, r io.Reader) (io.ReadCloser, error) {
	alg, err := ParseAlgorithm(encoding)
	if err != nil {
		return nil, err
	}

	switch alg {
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return zr, nil
	case Deflate:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		return zr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return io.NopCloser(r), nil
	}
}

// NewWriter wraps w with an encoder for alg. The caller must Close the
// result to flush the stream trailer.
func NewWriter(alg Algorithm, w io.Writer) (io.WriteCloser, error) {
	switch alg {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Deflate:
		return zlib.NewWriter(w), nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return zw, nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case S2:
		return s2.NewWriter(w), nil
	case LZ4:
		return lz4.NewWriter(w), nil
	case None:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", alg)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
