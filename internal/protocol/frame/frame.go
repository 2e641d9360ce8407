package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FixedHeaderLen        = 12
	Magic          uint16 = 0x4447
	Version        uint8  = 1

	FlagCompressed uint16 = 0x01
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrLengthMismatch     = errors.New("frame: payload_len does not match datagram")
)

// Header is the fixed datagram header.
type Header struct {
	Magic       uint16
	Version     uint8
	MessageType uint8
	Flags       uint16
	PayloadLen  uint16
	MessageID   uint32
}

// Frame is one complete datagram.
type Frame struct {
	Header  Header
	Payload []byte
}

func (f Frame) Compressed() bool {
	return f.Header.Flags&FlagCompressed != 0
}

// Limits constrains frame size to what fits one datagram.
type Limits struct {
	MaxDatagramBytes int
}

// DefaultDatagramBytes fits the minimum IPv6 MTU.
const DefaultDatagramBytes = 1280

func DefaultLimits() Limits {
	return Limits{MaxDatagramBytes: DefaultDatagramBytes}
}

// MaxPayload is the largest payload that still fits one datagram.
func (l Limits) MaxPayload() int {
	n := l.MaxDatagramBytes - FixedHeaderLen
	if n > 0xFFFF {
		n = 0xFFFF
	}
	if n < 0 {
		return 0
	}
	return n
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if int(h.PayloadLen) > limits.MaxPayload() {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrLengthMismatch
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if len(f.Payload) > limits.MaxPayload() {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint16(len(f.Payload))

	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Marshal renders f as a single datagram.
func Marshal(f Frame, limits Limits) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(FixedHeaderLen + len(f.Payload))
	if err := WriteFrame(&buf, f, limits); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses exactly one frame from a datagram. Trailing bytes are an error.
func Unmarshal(datagram []byte, limits Limits) (Frame, error) {
	r := bytes.NewReader(datagram)
	f, err := ReadFrame(r, limits)
	if err != nil {
		return Frame{}, err
	}
	if r.Len() != 0 {
		return Frame{}, ErrLengthMismatch
	}
	return f, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = h.Version
	buf[3] = h.MessageType
	binary.BigEndian.PutUint16(buf[4:6], h.Flags)
	binary.BigEndian.PutUint16(buf[6:8], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[8:12], h.MessageID)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != FixedHeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	h := Header{
		Magic:       binary.BigEndian.Uint16(b[0:2]),
		Version:     b[2],
		MessageType: b[3],
		Flags:       binary.BigEndian.Uint16(b[4:6]),
		PayloadLen:  binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint32(b[8:12]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, ErrUnsupportedVersion
	}
	return h, nil
}
