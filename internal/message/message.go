// Package message owns the application-level text value carried by one datagram.
package message

import "unicode/utf8"

// DefaultMaxChars bounds message text so an encoded message always fits one datagram.
const DefaultMaxChars = 256

// Message is an immutable text value. The zero value is a valid empty message.
type Message struct {
	text     string
	sentinel bool
}

// New builds a Message, silently truncating text to maxChars characters.
// maxChars <= 0 leaves text unbounded.
func New(text string, maxChars int) Message {
	return Message{text: Truncate(text, maxChars)}
}

// Sentinel returns the content-free value used to wake a parked worker.
func Sentinel() Message {
	return Message{sentinel: true}
}

func (m Message) Text() string {
	return m.text
}

func (m Message) IsSentinel() bool {
	return m.sentinel
}

func (m Message) Empty() bool {
	return m.text == ""
}

func (m Message) String() string {
	if m.sentinel {
		return "<sentinel>"
	}
	return m.text
}

// Truncate returns the first maxChars characters of text.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	n := 0
	for i := range text {
		if n == maxChars {
			return text[:i]
		}
		n++
	}
	return text
}

// Len reports the character count of the message text.
func (m Message) Len() int {
	return utf8.RuneCountInString(m.text)
}
