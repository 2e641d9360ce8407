// Package codec turns a Message into one self-contained datagram and back.
//
// A datagram is a frame header followed by a TLV payload. When compression is
// enabled the payload is raw DEFLATE and the frame carries FlagCompressed; the
// flag is only set when compression actually shrinks the payload.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/danmuck/dgpipe/internal/message"
	"github.com/danmuck/dgpipe/internal/protocol/frame"
	"github.com/danmuck/dgpipe/internal/protocol/schema"
	"github.com/danmuck/dgpipe/internal/protocol/tlv"
)

var (
	ErrEncoding           = errors.New("codec: encoding failed")
	ErrDecoding           = errors.New("codec: malformed frame")
	ErrUnsupportedPayload = errors.New("codec: unsupported payload")
)

// Options controls size and compression policy.
type Options struct {
	MaxChars int
	Compress bool
	Limits   frame.Limits
}

func DefaultOptions() Options {
	return Options{
		MaxChars: message.DefaultMaxChars,
		Compress: false,
		Limits:   frame.DefaultLimits(),
	}
}

// Codec is safe for concurrent use.
type Codec struct {
	opts Options
}

func New(opts Options) *Codec {
	if opts.Limits.MaxDatagramBytes <= 0 {
		opts.Limits = frame.DefaultLimits()
	}
	return &Codec{opts: opts}
}

func (c *Codec) Options() Options {
	return c.opts
}

// NewMessage builds a Message truncated to this codec's character limit.
func (c *Codec) NewMessage(text string) message.Message {
	return message.New(text, c.opts.MaxChars)
}

// Encode renders m as one datagram tagged with messageID.
func (c *Codec) Encode(m message.Message, messageID uint32) ([]byte, error) {
	h := frame.Header{MessageID: messageID}
	var payload []byte
	if m.IsSentinel() {
		h.MessageType = schema.MsgSentinel
	} else {
		h.MessageType = schema.MsgText
		fields := []tlv.Field{tlv.String(schema.FieldText, m.Text())}
		raw, err := tlv.EncodeFields(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
		}
		payload = raw
	}

	if c.opts.Compress && len(payload) > 0 {
		packed, err := deflate(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: deflate: %w", ErrEncoding, err)
		}
		if len(packed) < len(payload) {
			payload = packed
			h.Flags |= frame.FlagCompressed
		}
	}

	out, err := frame.Marshal(frame.Frame{Header: h, Payload: payload}, c.opts.Limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return out, nil
}

// Decode parses one datagram. Malformed input yields ErrDecoding and an
// unrecognized message type yields ErrUnsupportedPayload.
func (c *Codec) Decode(datagram []byte) (message.Message, error) {
	f, err := frame.Unmarshal(datagram, c.opts.Limits)
	if err != nil {
		return message.Message{}, fmt.Errorf("%w: %w", ErrDecoding, err)
	}
	if !schema.Known(f.Header.MessageType) {
		return message.Message{}, fmt.Errorf("%w: message_type=%d", ErrUnsupportedPayload, f.Header.MessageType)
	}

	payload := f.Payload
	if f.Compressed() {
		payload, err = inflate(payload, c.opts.Limits.MaxPayload())
		if err != nil {
			return message.Message{}, fmt.Errorf("%w: inflate: %w", ErrDecoding, err)
		}
	}

	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return message.Message{}, fmt.Errorf("%w: %w", ErrDecoding, err)
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return message.Message{}, fmt.Errorf("%w: %w", ErrDecoding, err)
	}

	if f.Header.MessageType == schema.MsgSentinel {
		return message.Sentinel(), nil
	}
	text, _ := tlv.GetField(fields, schema.FieldText)
	return message.New(string(text.Value), c.opts.MaxChars), nil
}

func deflate(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(in); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var errInflateLimit = errors.New("inflated payload exceeds limit")

func inflate(in []byte, limit int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(in))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, errInflateLimit
	}
	return out, nil
}
