package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.dedis.ch/protobuf"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrUnknownFrame  = errors.New("unknown frame type")
	// ErrBadFrame marks a frame that was read completely but whose body is
	// unusable. The stream stays in sync after it.
	ErrBadFrame = errors.New("malformed frame body")
)

const (
	// ALPN is the TLS application protocol of advert connections.
	ALPN = "rhizome-advert"

	MaxFrameSize = 64 << 10
)

// FrameType identifies the body of a frame.
type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameAdvert
	FrameManifestRequest
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameAdvert:
		return "advert"
	case FrameManifestRequest:
		return "manifest_request"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// Hello opens every advert stream.
type Hello struct {
	// HTTPAddr is where the sender serves /rhizome/file/ requests. A missing
	// host means "my address as you see it".
	HTTPAddr string
	Node     string
}

type advertBody struct {
	Manifest []byte
}

type manifestRequestBody struct {
	Prefix []byte
}

// Frame is one decoded message. Exactly one of the typed fields is set,
// according to Type.
type Frame struct {
	Type     FrameType
	Hello    *Hello
	Manifest *rhizome.Manifest
	Prefix   []byte
}

// ControlStream reads and writes frames of the form
// [1 byte type][4 byte big-endian length][body].
type ControlStream struct {
	stream io.ReadWriter
}

// NewControlStream wraps a bidirectional stream.
func NewControlStream(stream io.ReadWriter) *ControlStream {
	return &ControlStream{stream: stream}
}

func (cs *ControlStream) SendHello(h *Hello) error {
	return cs.sendControlMessage(FrameHello, h)
}

func (cs *ControlStream) SendAdvert(m *rhizome.Manifest) error {
	return cs.sendControlMessage(FrameAdvert, &advertBody{Manifest: m.Bytes()})
}

func (cs *ControlStream) SendManifestRequest(prefix []byte) error {
	return cs.sendControlMessage(FrameManifestRequest, &manifestRequestBody{Prefix: prefix})
}

// Receive reads the next frame. io.EOF is returned unwrapped when the peer
// finished the stream between frames.
func (cs *ControlStream) Receive() (*Frame, error) {
	msgType, data, err := cs.receiveControlMessage()
	if err != nil {
		return nil, err
	}

	f := &Frame{Type: msgType}
	switch msgType {
	case FrameHello:
		var h Hello
		if err := protobuf.Decode(data, &h); err != nil {
			return nil, fmt.Errorf("%w: hello: %v", ErrBadFrame, err)
		}
		f.Hello = &h
	case FrameAdvert:
		var body advertBody
		if err := protobuf.Decode(data, &body); err != nil {
			return nil, fmt.Errorf("%w: advert: %v", ErrBadFrame, err)
		}
		m, err := rhizome.ParseManifest(body.Manifest)
		if err != nil {
			return nil, fmt.Errorf("%w: advert: %v", ErrBadFrame, err)
		}
		f.Manifest = m
	case FrameManifestRequest:
		var body manifestRequestBody
		if err := protobuf.Decode(data, &body); err != nil {
			return nil, fmt.Errorf("%w: manifest request: %v", ErrBadFrame, err)
		}
		if len(body.Prefix) == 0 || len(body.Prefix) > len(rhizome.BundleID{}) {
			return nil, fmt.Errorf("%w: manifest request prefix of %d bytes", ErrBadFrame, len(body.Prefix))
		}
		f.Prefix = body.Prefix
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrame, msgType)
	}
	return f, nil
}

func (cs *ControlStream) sendControlMessage(msgType FrameType, payload any) error {
	data, err := protobuf.Encode(payload)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	hdr := make([]byte, 5, 5+len(data))
	hdr[0] = byte(msgType)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(data)))
	_, err = cs.stream.Write(append(hdr, data...))
	return err
}

func (cs *ControlStream) receiveControlMessage() (FrameType, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(cs.stream, hdr[:1]); err != nil {
		return 0, nil, err
	}
	if _, err := io.ReadFull(cs.stream, hdr[1:]); err != nil {
		return 0, nil, fmt.Errorf("truncated frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[1:])
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(cs.stream, data); err != nil {
		return 0, nil, fmt.Errorf("truncated frame body: %w", err)
	}

	return FrameType(hdr[0]), data, nil
}
