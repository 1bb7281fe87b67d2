package socket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/protobuf/proto"
)

// MaxFrameSize bounds a single encoded message on the wire.
const MaxFrameSize = 8 << 20

const frameHeaderLen = 4

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrEmptyFrame    = errors.New("empty frame")
	// ErrMalformedMessage wraps a frame whose body is not a valid message.
	// The stream stays usable after it.
	ErrMalformedMessage = errors.New("malformed message")
)

// WriteFrame writes payload behind a big-endian uint32 length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderLen:], payload)
	_, err := w.Write(frame)
	return err
}

func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	switch sz := binary.BigEndian.Uint32(header[:]); {
	case sz == 0:
		return nil, ErrEmptyFrame
	case sz > MaxFrameSize:
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, sz)
	default:
		payload := make([]byte, sz)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

// WriteMessage encodes msg and writes it as one frame.
func WriteMessage(w io.Writer, msg proto.Message) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg, err)
	}
	return WriteFrame(w, payload)
}

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &res, nil
}

// ReadRequest reads the next frame and decodes it. Frame errors end the
// stream; decode errors wrap ErrMalformedMessage.
func ReadRequest(r *bufio.Reader) (*SocketRequest, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalRequest(payload)
}

func ReadResponse(r *bufio.Reader) (*SocketResponse, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(payload)
}
