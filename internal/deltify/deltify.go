// internal/deltify/deltify.go
package deltify

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// WindowSize is the granularity of delta matching. Windows that equal
// the base at the same offset become copy instructions; everything
// else is stored as a zstd-compressed literal.
const WindowSize = 100 * 1024

var (
	encoders = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.SpeedDefault),
				zstd.WithEncoderConcurrency(1),
			)
			return enc
		},
	}
	decoders = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
			)
			return dec
		},
	}
)

func compress(data []byte) []byte {
	enc := encoders.Get().(*zstd.Encoder)
	defer encoders.Put(enc)
	return enc.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	dec := decoders.Get().(*zstd.Decoder)
	defer decoders.Put(dec)
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing delta literal: %w", err)
	}
	return out, nil
}

// window is one instruction of the delta stream. A copy window
// reproduces base[srcOff:srcOff+srcLen]; a literal window expands its
// compressed payload.
type window struct {
	srcOff  uint64
	srcLen  uint64
	tgtLen  uint64
	literal []byte
}

func (w window) serialize(b *bytes.Buffer) {
	fmt.Fprintf(b, "W %d %d %d %d\n", w.srcOff, w.srcLen, w.tgtLen, len(w.literal))
	b.Write(w.literal)
}
