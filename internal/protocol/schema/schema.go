package schema

import (
	"fmt"

	"github.com/danmuck/dgpipe/internal/protocol/tlv"
)

// Message type IDs carried in the frame header.
const (
	MsgText     uint8 = 1
	MsgSentinel uint8 = 2
)

// Field IDs used in frame payloads.
const (
	FieldText uint16 = 1
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint8
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

// Unknown reports whether the error names a message type this build does not recognize.
func (e ValidationError) Unknown() bool {
	return e.Reason == reasonUnknownType
}

const reasonUnknownType = "unknown message_type"

var requirements = map[uint8][]Requirement{
	MsgText: {
		{FieldText, tlv.TypeString},
	},
	MsgSentinel: {},
}

// Known reports whether messageType has a registered schema.
func Known(messageType uint8) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint8, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		return ValidationError{MessageType: messageType, Reason: reasonUnknownType}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
