// Package capture collects the standard streams of one sandboxed execution.
//
// A Buffer is an io.Writer with a hard byte cap. Once the cap is reached the
// buffer keeps accepting writes (so the producing process never blocks on a
// full pipe and never sees EPIPE) but discards the bytes and records that the
// stream was truncated. After the process has exited the owner calls Finalize,
// which freezes the contents; later writes are dropped.
//
// Both the retained text and the chunks handed to a Tap end on UTF-8 rune
// boundaries. A truncation never splits a multibyte character, and a
// character the interpreter wrote across two pipe reads reaches the tap as
// one chunk. Invalid bytes are passed through unchanged.
package capture

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// DefaultMaxBytes is used when a Buffer is created with a non-positive cap.
const DefaultMaxBytes = 64 * 1024

// Stream names passed to taps.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Tap receives a copy of every chunk a Buffer retains. It is called
// synchronously from the writer goroutine and must not block.
type Tap func(stream string, p []byte)

// Buffer is a bounded, concurrency-safe output buffer for a single stream.
type Buffer struct {
	mu        sync.Mutex
	name      string
	buf       bytes.Buffer
	max       int
	truncated bool
	final     bool
	tap       Tap
	partial   []byte // incomplete trailing rune held back from the tap
}

// NewBuffer creates a Buffer named after its stream, capped at maxBytes.
func NewBuffer(name string, maxBytes int, tap Tap) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Buffer{name: name, max: maxBytes, tap: tap}
}

// Write implements io.Writer. It always reports len(p) bytes written.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.final {
		return len(p), nil
	}

	remaining := b.max - b.buf.Len()
	switch {
	case remaining <= 0 || b.truncated:
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	case len(p) > remaining:
		cut := runeBoundary(p, remaining)
		b.buf.Write(p[:cut])
		b.truncated = true
		b.emit(p[:cut])
	default:
		b.buf.Write(p)
		b.emit(p)
	}
	return len(p), nil
}

func (b *Buffer) emit(p []byte) {
	if b.tap == nil || len(p) == 0 {
		return
	}
	chunk := make([]byte, 0, len(b.partial)+len(p))
	chunk = append(chunk, b.partial...)
	chunk = append(chunk, p...)

	hold := incompleteTail(chunk)
	b.partial = append(b.partial[:0], chunk[len(chunk)-hold:]...)
	chunk = chunk[:len(chunk)-hold]
	if len(chunk) > 0 {
		b.tap(b.name, chunk)
	}
}

// Finalize freezes the buffer and returns its contents. A rune still held
// back from the tap is delivered as is.
func (b *Buffer) Finalize() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.final && b.tap != nil && len(b.partial) > 0 {
		b.tap(b.name, b.partial)
		b.partial = nil
	}
	b.final = true
	return b.buf.String(), b.truncated
}

// runeBoundary moves the cut point n back so p[:n] does not end inside a
// multibyte sequence. Bytes that are not valid UTF-8 are cut where they are.
func runeBoundary(p []byte, n int) int {
	if n >= len(p) {
		return len(p)
	}
	for i := n; i >= 0 && i > n-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if _, size := utf8.DecodeRune(p[i:]); i < n && i+size > n {
			return i
		}
		return n
	}
	return n
}

// incompleteTail returns how many trailing bytes of p form the start of a
// rune that is not complete yet.
func incompleteTail(p []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		if !utf8.RuneStart(p[len(p)-i]) {
			continue
		}
		if utf8.FullRune(p[len(p)-i:]) {
			return 0
		}
		return i
	}
	return 0
}

// Len returns the number of bytes retained so far.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Truncated reports whether any bytes were discarded.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Output is the finalized, read-only capture of one execution.
type Output struct {
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
}

// Truncated reports whether either stream lost bytes.
func (o Output) Truncated() bool {
	return o.StdoutTruncated || o.StderrTruncated
}

// Pair holds the two stream buffers of one execution. Each execution gets its
// own Pair; nothing here is shared between runs.
type Pair struct {
	Stdout *Buffer
	Stderr *Buffer
}

// NewPair creates stdout/stderr buffers that share the same per-stream cap.
func NewPair(maxBytes int, tap Tap) *Pair {
	return &Pair{
		Stdout: NewBuffer(Stdout, maxBytes, tap),
		Stderr: NewBuffer(Stderr, maxBytes, tap),
	}
}

// Finalize freezes both buffers. Call it only once the process is gone.
func (p *Pair) Finalize() Output {
	stdout, outTrunc := p.Stdout.Finalize()
	stderr, errTrunc := p.Stderr.Finalize()
	return Output{
		Stdout:          stdout,
		Stderr:          stderr,
		StdoutTruncated: outTrunc,
		StderrTruncated: errTrunc,
	}
}
