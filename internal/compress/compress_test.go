package compress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jobforge/jobforge/internal/cache"
	"github.com/stretchr/testify/require"
)

func TestTinyPayloadPassesThroughUncompressed(t *testing.T) {
	h := New(Config{Threshold: 256})
	res, err := h.Compress([]byte("short"), "")
	require.NoError(t, err)
	require.Equal(t, None, res.Algorithm)
	require.Equal(t, []byte("short"), res.Compressed)
}

func TestGzipRoundTrip(t *testing.T) {
	h := New(Config{Threshold: 1})
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 50)
	res, err := h.Compress(data, Gzip)
	require.NoError(t, err)
	require.Equal(t, Gzip, res.Algorithm)
	require.Less(t, len(res.Compressed), len(data))

	back, err := h.Decompress(res.Compressed, res.Algorithm)
	require.NoError(t, err)
	require.Equal(t, data, back)
}

func TestDeflateRoundTrip(t *testing.T) {
	h := New(Config{Threshold: 1})
	data := bytes.Repeat([]byte("payload-payload-payload-"), 40)
	res, err := h.Compress(data, Deflate)
	require.NoError(t, err)

	back, err := h.Decompress(res.Compressed, res.Algorithm)
	require.NoError(t, err)
	require.Equal(t, data, back)
}

func TestLZ4RoundTrip(t *testing.T) {
	h := New(Config{Threshold: 1})
	cases := [][]byte{
		[]byte(strings.Repeat("abcabcabcabcabc", 30)),
		[]byte(""),
		[]byte("a"),
		[]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		bytes.Repeat([]byte{0x00, 0x01, 0x02, 0x03}, 100),
	}
	for _, data := range cases {
		res, err := h.Compress(data, LZ4)
		require.NoError(t, err)
		back, err := h.Decompress(res.Compressed, res.Algorithm)
		require.NoError(t, err)
		require.Equal(t, data, back)
	}
}

func TestBrotliAliasRoundTrip(t *testing.T) {
	h := New(Config{Threshold: 1})
	data := []byte(strings.Repeat("printable english text here. ", 60))
	res, err := h.Compress(data, Brotli)
	require.NoError(t, err)
	require.Equal(t, Brotli, res.Algorithm)

	back, err := h.Decompress(res.Compressed, res.Algorithm)
	require.NoError(t, err)
	require.Equal(t, data, back)
}

func TestAutoSelectRoutesPrintableToBrotliAndBinaryToGzip(t *testing.T) {
	h := New(Config{Threshold: 1})

	text, err := h.Compress([]byte(strings.Repeat("hello world, this is text. ", 40)), "")
	require.NoError(t, err)
	require.Equal(t, Brotli, text.Algorithm)

	binary := bytes.Repeat([]byte{0x00, 0xff, 0x10, 0x8f, 0x01, 0x02}, 80)
	bin, err := h.Compress(binary, "")
	require.NoError(t, err)
	require.Equal(t, Gzip, bin.Algorithm)
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	h := New(Config{Threshold: 1})
	_, err := h.Decompress([]byte("x"), Algorithm("made-up"))
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestCacheAvoidsRecompression(t *testing.T) {
	mem := cache.NewMemoryBackend(100, 1<<20)
	h := New(Config{Threshold: 1, Cache: mem})
	data := bytes.Repeat([]byte("cache me if you can "), 30)

	res1, err := h.Compress(data, Gzip)
	require.NoError(t, err)
	res2, err := h.Compress(data, Gzip)
	require.NoError(t, err)
	require.Equal(t, res1.Compressed, res2.Compressed)
	require.Equal(t, 1, mem.KeyCount())
}
