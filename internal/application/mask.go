package application

import (
	"bytes"
	"io"
	"sort"
)

// minMaskLength guards against masking trivially short values, which
// would shred unrelated log text.
const minMaskLength = 4

var maskedValue = []byte("***")

// Masker replaces secret values in step output before it reaches any
// sink, so archived logs and their digests never contain plaintext
// secrets.
type Masker struct {
	values [][]byte
}

func NewMasker(secrets map[string]string) *Masker {
	m := &Masker{}
	for _, value := range secrets {
		if len(value) < minMaskLength {
			continue
		}
		m.values = append(m.values, []byte(value))
	}
	// Longest first, so a secret containing another secret is masked
	// as a whole.
	sort.Slice(m.values, func(i, j int) bool {
		return len(m.values[i]) > len(m.values[j])
	})
	return m
}

func (m *Masker) Mask(p []byte) []byte {
	if m == nil || len(m.values) == 0 {
		return p
	}
	for _, value := range m.values {
		p = bytes.ReplaceAll(p, value, maskedValue)
	}
	return p
}

func (m *Masker) MaskString(s string) string {
	if m == nil || len(m.values) == 0 {
		return s
	}
	return string(m.Mask([]byte(s)))
}

// Writer wraps w so that only complete, masked lines reach it. Close
// flushes the unterminated tail; it does not close w.
func (m *Masker) Writer(w io.Writer) io.WriteCloser {
	return &maskWriter{masker: m, out: w}
}

// maxHeldBytes bounds line buffering. A longer line is flushed in
// segments; a secret straddling a segment boundary escapes masking,
// which no line-oriented tool output ever triggers.
const maxHeldBytes = 64 * 1024

type maskWriter struct {
	masker *Masker
	out    io.Writer
	held   bytes.Buffer
}

func (w *maskWriter) Write(p []byte) (int, error) {
	written := 0
	for {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			break
		}
		w.held.Write(p[:i+1])
		written += i + 1
		p = p[i+1:]
		if err := w.flush(); err != nil {
			return written, err
		}
	}
	w.held.Write(p)
	written += len(p)
	if w.held.Len() > maxHeldBytes {
		if err := w.flush(); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (w *maskWriter) Close() error {
	return w.flush()
}

func (w *maskWriter) flush() error {
	if w.held.Len() == 0 {
		return nil
	}
	masked := w.masker.Mask(w.held.Bytes())
	if _, err := w.out.Write(masked); err != nil {
		return err
	}
	w.held.Reset()
	return nil
}
