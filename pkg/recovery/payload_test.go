package recovery

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadWriterReaderRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewPayloadWriter(&buf)
	require.NoError(t, w.Append(1, []byte("hello")))
	require.NoError(t, w.Append(2, []byte("world!!")))
	require.NoError(t, w.Append(3, nil))

	r := NewPayloadReader(&buf)

	dv, data, err := r.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 1, dv)
	assert.Equal(t, "hello", string(data))

	dv, data, err = r.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 2, dv)
	assert.Equal(t, "world!!", string(data))

	dv, data, err = r.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 3, dv)
	assert.Empty(t, data)

	_, _, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}
