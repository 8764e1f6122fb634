// internal/deltify/writer.go
package deltify

import (
	"bytes"
	"io"
)

// Writer delta-encodes a byte stream against a base and emits the
// encoded windows to dst. Close flushes the trailing partial window;
// the caller is responsible for any trailer that follows the delta
// payload.
type Writer struct {
	dst    io.Writer
	base   []byte
	off    uint64
	buf    bytes.Buffer
	closed bool
}

// NewWriter creates a delta writer. base is the fully expanded base
// content; nil means self-delta (every window is a literal).
func NewWriter(dst io.Writer, base []byte) *Writer {
	return &Writer{dst: dst, base: base}
}

func (w *Writer) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		room := WindowSize - w.buf.Len()
		if room > len(p) {
			room = len(p)
		}
		w.buf.Write(p[:room])
		p = p[room:]
		if w.buf.Len() == WindowSize {
			if err := w.flushWindow(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

// Close flushes the final window. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.buf.Len() == 0 {
		return nil
	}
	return w.flushWindow()
}

func (w *Writer) flushWindow() error {
	target := w.buf.Bytes()
	win := window{srcOff: w.off, tgtLen: uint64(len(target))}

	if int(w.off) < len(w.base) {
		baseWin := w.base[w.off:]
		if len(baseWin) > len(target) {
			baseWin = baseWin[:len(target)]
		}
		if bytes.Equal(baseWin, target) {
			win.srcLen = uint64(len(baseWin))
		}
	}
	if win.srcLen != win.tgtLen {
		win.srcLen = 0
		win.literal = compress(target)
	}

	var out bytes.Buffer
	win.serialize(&out)
	if _, err := w.dst.Write(out.Bytes()); err != nil {
		return err
	}
	w.off += uint64(len(target))
	w.buf.Reset()
	return nil
}
