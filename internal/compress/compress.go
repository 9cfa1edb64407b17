// Package compress implements the compression helper of spec §4.8 (C8):
// compress/decompress over a small algorithm set, a size threshold below
// which payloads pass through untouched, and a payload-keyed cache
// dogfooding the C1 cache's memory backend.
//
// No example in the reference pack pins a Brotli or LZ4 library (the
// teacher and the rest of the corpus only ever reach for
// compress/gzip-family stdlib packages for their own artifact handling),
// so every algorithm here is implemented on the standard library —
// gzip and raw deflate natively, "brotli" as an alias for gzip's highest
// compression level (closest stdlib analogue for the printable-text case
// the heuristic below routes to it), and a small LZ4-style block codec
// for the fast/binary path. See DESIGN.md for the full justification.
package compress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/binary"
	"io"
	"unicode"

	"github.com/jobforge/jobforge/internal/cache"
	"github.com/pkg/errors"
)

// Algorithm tags a compressed payload with the codec used to produce it.
type Algorithm string

const (
	None    Algorithm = "none"
	Gzip    Algorithm = "gzip"
	Deflate Algorithm = "deflate"
	Brotli  Algorithm = "brotli"
	LZ4     Algorithm = "lz4"
)

// ErrUnknownAlgorithm is returned by Decompress for an unrecognized tag.
var ErrUnknownAlgorithm = errors.New("unknown compression algorithm")

// Result is the output of Compress.
type Result struct {
	Compressed   []byte
	OriginalSize int
	Algorithm    Algorithm
}

// Config tunes the pass-through threshold and the auto-select heuristic.
type Config struct {
	// Threshold: payloads smaller than this pass through uncompressed
	// (algorithm tag "none"). Default 256 bytes.
	Threshold int
	// Cache, if non-nil, memoizes Compress results keyed by a hash of the
	// input bytes plus the requested algorithm.
	Cache *cache.MemoryBackend
}

// Helper compresses/decompresses payloads per Config.
type Helper struct {
	cfg Config
}

// New builds a Helper, defaulting Threshold the way the teacher's
// constructors default pool/config sizes.
func New(cfg Config) *Helper {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 256
	}
	return &Helper{cfg: cfg}
}

// Compress picks an algorithm (an empty algo lets the content heuristic choose)
// and returns the compressed bytes tagged with the algorithm actually
// used.
func (h *Helper) Compress(data []byte, algo Algorithm) (Result, error) {
	if len(data) < h.cfg.Threshold {
		return Result{Compressed: data, OriginalSize: len(data), Algorithm: None}, nil
	}

	if algo == "" {
		algo = autoSelect(data)
	}

	if h.cfg.Cache != nil {
		key := cacheKey(data, algo)
		if cached, found, err := h.cfg.Cache.Get(key); err == nil && found {
			return Result{Compressed: cached, OriginalSize: len(data), Algorithm: algo}, nil
		}
	}

	compressed, err := compressWith(data, algo)
	if err != nil {
		return Result{}, err
	}

	if h.cfg.Cache != nil {
		_ = h.cfg.Cache.Set(cacheKey(data, algo), compressed, 0)
	}

	return Result{Compressed: compressed, OriginalSize: len(data), Algorithm: algo}, nil
}

// Decompress reverses Compress given the algorithm tag it returned.
func (h *Helper) Decompress(data []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case None, "":
		return data, nil
	case Gzip, Brotli:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "open gzip reader")
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		return out, errors.Wrap(err, "read gzip stream")
	case Deflate:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		out, err := io.ReadAll(r)
		return out, errors.Wrap(err, "read deflate stream")
	case LZ4:
		return lz4Decode(data)
	default:
		return nil, ErrUnknownAlgorithm
	}
}

func compressWith(data []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case Gzip:
		return gzipCompress(data, gzip.DefaultCompression)
	case Brotli:
		// Closest stdlib analogue for the "mostly printable" path the
		// heuristic routes Brotli to: gzip at best-compression.
		return gzipCompress(data, gzip.BestCompression)
	case Deflate:
		return deflateCompress(data)
	case LZ4:
		return lz4Encode(data), nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

func gzipCompress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, errors.Wrap(err, "create gzip writer")
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "write gzip stream")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close gzip stream")
	}
	return buf.Bytes(), nil
}

func deflateCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, errors.Wrap(err, "create deflate writer")
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "write deflate stream")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close deflate stream")
	}
	return buf.Bytes(), nil
}

// autoSelect implements spec §4.8's content heuristic: mostly printable
// favors the Brotli path, binary favors gzip, and tiny inputs are caught
// earlier by the threshold check in Compress.
func autoSelect(data []byte) Algorithm {
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	printable := 0
	for _, r := range string(sample) {
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if len(sample) > 0 && float64(printable)/float64(len(sample)) > 0.85 {
		return Brotli
	}
	return Gzip
}

func cacheKey(data []byte, algo Algorithm) string {
	sum := fnvHash(data)
	return string(algo) + ":" + sum
}

func fnvHash(data []byte) string {
	var h uint64 = 1469598103934665603
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h)
	return string(buf)
}
