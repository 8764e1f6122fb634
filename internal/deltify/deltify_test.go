// internal/deltify/deltify_test.go
package deltify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, data, base []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	w := NewWriter(&out, base)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return out.Bytes()
}

func TestSelfDeltaRoundTrip(t *testing.T) {
	data := []byte("hello\n")
	expanded, err := Expand(encode(t, data, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, data, expanded)
}

func TestEmptyContent(t *testing.T) {
	payload := encode(t, nil, nil)
	expanded, err := Expand(payload, nil)
	require.NoError(t, err)
	assert.Empty(t, expanded)
}

func TestDeltaAgainstIdenticalBase(t *testing.T) {
	base := bytes.Repeat([]byte("abcdefgh"), 4*WindowSize/8)
	payload := encode(t, base, base)

	// Identical windows collapse into copy instructions: the payload
	// must be far smaller than the content.
	assert.Less(t, len(payload), len(base)/100)

	expanded, err := Expand(payload, base)
	require.NoError(t, err)
	assert.Equal(t, base, expanded)
}

func TestDeltaWithChangedTail(t *testing.T) {
	base := bytes.Repeat([]byte{'x'}, 3*WindowSize)
	data := append(bytes.Repeat([]byte{'x'}, 2*WindowSize), bytes.Repeat([]byte{'y'}, WindowSize)...)

	expanded, err := Expand(encode(t, data, base), base)
	require.NoError(t, err)
	assert.Equal(t, data, expanded)
}

func TestDeltaLongerThanBase(t *testing.T) {
	base := []byte("short")
	data := bytes.Repeat([]byte("0123456789"), 2*WindowSize/10)

	expanded, err := Expand(encode(t, data, base), base)
	require.NoError(t, err)
	assert.Equal(t, data, expanded)
}

func TestChunkedWrites(t *testing.T) {
	data := bytes.Repeat([]byte("chunk"), WindowSize)
	var out bytes.Buffer
	w := NewWriter(&out, nil)
	for off := 0; off < len(data); off += 333 {
		end := off + 333
		if end > len(data) {
			end = len(data)
		}
		_, err := w.Write(data[off:end])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	expanded, err := Expand(out.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, data, expanded)
}

func TestExpandRejectsTruncatedPayload(t *testing.T) {
	payload := encode(t, []byte("some data worth storing"), nil)
	_, err := Expand(payload[:len(payload)-3], nil)
	assert.Error(t, err)
}
