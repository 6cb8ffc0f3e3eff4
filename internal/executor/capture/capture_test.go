package capture_test

import (
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/cellrunner/internal/executor/capture"
)

func TestBuffer_WithinCap(t *testing.T) {
	b := capture.NewBuffer(capture.Stdout, 16, nil)

	n, err := b.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	out, truncated := b.Finalize()
	assert.Equal(t, "hello\n", out)
	assert.False(t, truncated)
}

func TestBuffer_TruncatesWithoutErroring(t *testing.T) {
	b := capture.NewBuffer(capture.Stdout, 8, nil)

	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err, "writer must never fail the producer")
	assert.Equal(t, 10, n, "full length is reported so the pipe keeps draining")

	n, err = b.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	out, truncated := b.Finalize()
	assert.Equal(t, "01234567", out)
	assert.True(t, truncated)
}

func TestBuffer_FinalizeFreezes(t *testing.T) {
	b := capture.NewBuffer(capture.Stderr, 64, nil)
	_, _ = b.Write([]byte("before"))

	out, _ := b.Finalize()
	_, _ = b.Write([]byte("after"))

	again, truncated := b.Finalize()
	assert.Equal(t, "before", out)
	assert.Equal(t, "before", again)
	assert.False(t, truncated, "writes after finalize are not truncation")
}

func TestBuffer_DefaultCap(t *testing.T) {
	b := capture.NewBuffer(capture.Stdout, 0, nil)
	_, _ = b.Write([]byte(strings.Repeat("x", capture.DefaultMaxBytes+10)))

	assert.Equal(t, capture.DefaultMaxBytes, b.Len())
	assert.True(t, b.Truncated())
}

func TestBuffer_TapSeesAcceptedBytesOnly(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	tap := func(stream string, p []byte) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, stream+":"+string(p))
	}

	b := capture.NewBuffer(capture.Stdout, 5, tap)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defgh"))
	_, _ = b.Write([]byte("ignored"))

	assert.Equal(t, []string{"stdout:abc", "stdout:de"}, seen)
}

func TestBuffer_TruncationKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name  string
		max   int
		write string
		want  string
	}{
		{"cut inside two-byte rune", 4, "abcé!", "abc"},
		{"cut inside three-byte rune", 5, "ab€€", "ab€"},
		{"cut on boundary", 5, "abcé!", "abcé"},
		{"invalid bytes cut in place", 2, "a\x80\x80\x80", "a\x80"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := capture.NewBuffer(capture.Stdout, tt.max, nil)
			_, _ = b.Write([]byte(tt.write))
			_, _ = b.Write([]byte("z"))

			out, truncated := b.Finalize()
			assert.Equal(t, tt.want, out)
			assert.True(t, truncated)
		})
	}
}

func TestBuffer_TapReassemblesSplitRunes(t *testing.T) {
	var seen []string
	tap := func(_ string, p []byte) {
		assert.True(t, utf8.Valid(p), "chunk %q is not valid UTF-8", p)
		seen = append(seen, string(p))
	}

	euro := []byte("€")
	b := capture.NewBuffer(capture.Stdout, 64, tap)
	_, _ = b.Write(append([]byte("price "), euro[:1]...))
	_, _ = b.Write(euro[1:2])
	_, _ = b.Write(append(euro[2:], " 5\n"...))

	out, _ := b.Finalize()
	assert.Equal(t, "price € 5\n", out)
	assert.Equal(t, []string{"price ", "€ 5\n"}, seen)
}

func TestBuffer_FinalizeFlushesDanglingBytes(t *testing.T) {
	var seen [][]byte
	b := capture.NewBuffer(capture.Stderr, 64, func(_ string, p []byte) { seen = append(seen, p) })

	_, _ = b.Write([]byte{'x', 0xE2, 0x82})
	require.Len(t, seen, 1)

	_, _ = b.Finalize()
	require.Len(t, seen, 2)
	assert.Equal(t, []byte{0xE2, 0x82}, seen[1])
}

func TestBuffer_ConcurrentWriters(t *testing.T) {
	b := capture.NewBuffer(capture.Stdout, 1<<20, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = b.Write([]byte("x"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, b.Len())
}

func TestPair_IsolatedStreams(t *testing.T) {
	p := capture.NewPair(4, nil)
	_, _ = p.Stdout.Write([]byte("out"))
	_, _ = p.Stderr.Write([]byte("error!"))

	out := p.Finalize()
	assert.Equal(t, "out", out.Stdout)
	assert.Equal(t, "erro", out.Stderr)
	assert.False(t, out.StdoutTruncated)
	assert.True(t, out.StderrTruncated)
	assert.True(t, out.Truncated())
}
