package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEncodeDecodeRequestRoundTrips(t *testing.T) {
	id, err := NewMessageID()
	require.NoError(t, err)

	raw, err := EncodeRequest(id, "ping", []any{"peer-key"})
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TagRequest, frame.Tag)
	assert.Equal(t, id, frame.ID)

	name, args, err := DecodeRequestBody(frame.Body)
	require.NoError(t, err)
	assert.Equal(t, "ping", name)
	require.Len(t, args, 1)
	assert.Equal(t, "peer-key", args[0])
}

func TestEncodeResponseRoundTrips(t *testing.T) {
	id, err := NewMessageID()
	require.NoError(t, err)

	raw, err := EncodeResponse(id, "local-key")
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TagResponse, frame.Tag)

	var result string
	require.NoError(t, msgpack.Unmarshal(frame.Body, &result))
	assert.Equal(t, "local-key", result)
}

func TestDecodeFrameRejectsShortDatagram(t *testing.T) {
	_, err := DecodeFrame(make([]byte, HeaderSize-1))
	assert.Error(t, err)
}

func TestDecodeFrameRejectsHeaderOnlyDatagram(t *testing.T) {
	_, err := DecodeFrame(make([]byte, HeaderSize))
	assert.Error(t, err)
}

func TestDecodeFrameAcceptsMinimumLegalDatagram(t *testing.T) {
	_, err := DecodeFrame(make([]byte, MinFrameSize))
	assert.NoError(t, err)
}

func TestEncodeRequestRejectsOversizedFrame(t *testing.T) {
	id, err := NewMessageID()
	require.NoError(t, err)

	huge := make([]byte, MaxPayloadSize)
	_, err = EncodeRequest(id, "store", []any{"k", huge})
	assert.Error(t, err)
}
