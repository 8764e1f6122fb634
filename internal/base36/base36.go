// internal/base36/base36.go
package base36

import (
	"strconv"
	"strings"

	"strata/internal/fserrors"
)

// Encode renders n in lowercase base-36, the textual form used by the
// txn-current and next-ids files.
func Encode(n uint64) string {
	return strconv.FormatUint(n, 36)
}

// Decode parses a lowercase base-36 integer. Uppercase digits are a
// corruption signal: nothing we write ever produces them.
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, fserrors.Corrupt("empty base-36 number")
	}
	if s != strings.ToLower(s) {
		return 0, fserrors.Corrupt("malformed base-36 number %q", s)
	}
	n, err := strconv.ParseUint(s, 36, 64)
	if err != nil {
		return 0, fserrors.Wrap(fserrors.KindCorrupt, err, "malformed base-36 number %q", s)
	}
	return n, nil
}

// DecodeLine parses a newline-terminated base-36 number. A missing
// trailing newline is a corruption signal.
func DecodeLine(data []byte) (uint64, error) {
	s := string(data)
	if !strings.HasSuffix(s, "\n") {
		return 0, fserrors.Corrupt("base-36 counter missing trailing newline")
	}
	return Decode(strings.TrimSuffix(s, "\n"))
}
