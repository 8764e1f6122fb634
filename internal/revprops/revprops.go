// internal/revprops/revprops.go
package revprops

import (
	"bufio"
	"bytes"
	"os"

	"strata/internal/fserrors"
	"strata/internal/noderev"
)

// Revision property names.
const (
	PropDate   = "strata:date"
	PropAuthor = "strata:author"
	PropLog    = "strata:log"

	// Internal transaction markers, stripped before the final revprop
	// file is written.
	PropCheckOOD   = "strata:check-ood"
	PropCheckLocks = "strata:check-locks"
	PropClientDate = "strata:client-date"
)

// DateFormat is the wall-clock format stored in PropDate.
const DateFormat = "2006-01-02T15:04:05.000000Z"

// Serialize renders a property list as a canonical hash record.
func Serialize(props map[string]string) []byte {
	var b bytes.Buffer
	noderev.WriteHashRec(&b, props)
	return b.Bytes()
}

// Parse reads a serialized property list.
func Parse(data []byte) (map[string]string, error) {
	return noderev.ReadHashRec(bufio.NewReader(bytes.NewReader(data)))
}

// Read loads the property list at path. A missing file is an empty
// list.
func Read(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fserrors.Wrap(fserrors.KindIO, err, "reading properties")
	}
	return Parse(data)
}

// StripMarkers removes the internal transaction markers, returning a
// copy.
func StripMarkers(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		switch k {
		case PropCheckOOD, PropCheckLocks, PropClientDate:
		default:
			out[k] = v
		}
	}
	return out
}
