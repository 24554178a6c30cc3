// Package transport implements the UDP wire protocol that carries
// Kademlia RPCs between peers: a tagged, MessagePack-framed datagram
// with request/response correlation by message id.
package transport

import (
	"crypto/rand"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Tag distinguishes a request datagram from a response datagram.
type Tag byte

const (
	TagRequest  Tag = 0x00
	TagResponse Tag = 0x01
)

// IDSize is the width of the message id in bytes.
const IDSize = 20

// HeaderSize is the tag byte plus the message id.
const HeaderSize = 1 + IDSize

// MinFrameSize is the smallest a legal datagram may be: a full header
// plus at least one byte of MessagePack body. Per spec.md §4.5, a
// datagram shorter than this (i.e. <= HeaderSize) is discarded silently.
const MinFrameSize = HeaderSize + 1

// MaxPayloadSize is the largest a full frame (header + body) may be,
// per spec.md §4.5.
const MaxPayloadSize = 8192

// MessageID correlates a request with its response.
type MessageID [IDSize]byte

// NewMessageID generates a fresh random message id for an outgoing request.
func NewMessageID() (MessageID, error) {
	var id MessageID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("transport: generate message id: %w", err)
	}
	return id, nil
}

// Request is the body of an outgoing or incoming request datagram: a
// two-element array `[function_name, args]` per spec.md §4.5.
type Request struct {
	_msgpack struct{} `msgpack:",as_array"`
	Name     string
	Args     []any
}

// Frame is a fully decoded datagram.
type Frame struct {
	Tag  Tag
	ID   MessageID
	Body []byte
}

// EncodeRequest builds the on-wire bytes for an outgoing request,
// rejecting any frame that would exceed MaxPayloadSize.
func EncodeRequest(id MessageID, name string, args []any) ([]byte, error) {
	body, err := msgpack.Marshal(&Request{Name: name, Args: args})
	if err != nil {
		return nil, fmt.Errorf("transport: encode request %s: %w", name, err)
	}
	return assembleFrame(TagRequest, id, body)
}

// EncodeResponse builds the on-wire bytes for a reply to id, carrying an
// arbitrary MessagePack-encodable result value.
func EncodeResponse(id MessageID, result any) ([]byte, error) {
	body, err := msgpack.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("transport: encode response: %w", err)
	}
	return assembleFrame(TagResponse, id, body)
}

func assembleFrame(tag Tag, id MessageID, body []byte) ([]byte, error) {
	total := HeaderSize + len(body)
	if total > MaxPayloadSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds max payload size %d", total, MaxPayloadSize)
	}
	out := make([]byte, total)
	out[0] = byte(tag)
	copy(out[1:HeaderSize], id[:])
	copy(out[HeaderSize:], body)
	return out, nil
}

// DecodeFrame splits a raw datagram into its tag, id and body. Datagrams
// shorter than MinFrameSize (header plus at least one body byte) are
// malformed and must be discarded silently by the caller, per spec.md
// §4.5 ("incoming datagrams shorter than 22 bytes are discarded
// silently").
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < MinFrameSize {
		return Frame{}, fmt.Errorf("transport: datagram of %d bytes shorter than minimum frame size %d", len(raw), MinFrameSize)
	}
	var f Frame
	f.Tag = Tag(raw[0])
	copy(f.ID[:], raw[1:HeaderSize])
	f.Body = raw[HeaderSize:]
	return f, nil
}

// DecodeRequestBody unpacks a request frame's body into name and args.
func DecodeRequestBody(body []byte) (name string, args []any, err error) {
	var req Request
	if err := msgpack.Unmarshal(body, &req); err != nil {
		return "", nil, fmt.Errorf("transport: decode request body: %w", err)
	}
	return req.Name, req.Args, nil
}
