package zmqbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCodec(t *testing.T) {
	in := &frame{
		Subject: "service.scanner-01",
		payload: payload{
			Reply:   "service.manager-1",
			Data:    []byte(`{"message":"hello"}`),
			Headers: map[string]string{"traceparent": "00-abc-def-01"},
		},
	}

	parts, err := encodeFrame(in)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "service.scanner-01", string(parts[0]))

	out, err := decodeFrame(parts)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFrameCodec_Errors(t *testing.T) {
	_, err := encodeFrame(&frame{})
	assert.Error(t, err)

	_, err = decodeFrame([][]byte{[]byte("broadcast")})
	assert.ErrorIs(t, err, errShortMessage)

	_, err = decodeFrame([][]byte{[]byte("broadcast"), {0xc1}})
	assert.Error(t, err)
}
