// internal/deltify/reader.go
package deltify

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"strata/internal/fserrors"
)

// Expand reconstructs target content from an encoded delta payload and
// its fully expanded base (nil for self-deltas).
func Expand(payload []byte, base []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF && line == "" {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, fserrors.Wrap(fserrors.KindCorrupt, err, "reading delta window")
		}
		var win window
		var litLen int
		if _, err := fmt.Sscanf(line, "W %d %d %d %d\n",
			&win.srcOff, &win.srcLen, &win.tgtLen, &litLen); err != nil {
			return nil, fserrors.Corrupt("malformed delta window header %q", line)
		}
		if litLen > 0 {
			lit := make([]byte, litLen)
			if _, err := io.ReadFull(r, lit); err != nil {
				return nil, fserrors.Wrap(fserrors.KindCorrupt, err, "reading delta literal")
			}
			expanded, err := decompress(lit)
			if err != nil {
				return nil, fserrors.Wrap(fserrors.KindCorrupt, err, "expanding delta literal")
			}
			if uint64(len(expanded)) != win.tgtLen {
				return nil, fserrors.Corrupt("delta literal expands to %d bytes, want %d",
					len(expanded), win.tgtLen)
			}
			out.Write(expanded)
			continue
		}
		end := win.srcOff + win.srcLen
		if end > uint64(len(base)) {
			return nil, fserrors.Corrupt("delta copy window [%d,%d) beyond base of %d bytes",
				win.srcOff, end, len(base))
		}
		out.Write(base[win.srcOff:end])
	}
}
