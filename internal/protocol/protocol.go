package protocol

import (
	"fmt"
	"hash/crc32"
	"strings"
	"unicode/utf8"
)

// Wire prefixes for the frame tags
const (
	PrefixPairRequest  = "PAIR_REQ:"
	PrefixPairResponse = "PAIR_RSP:"
	PrefixData         = "DATA:"
	PrefixDataRequest  = "REQ:"
	PrefixAck          = "ACK:"

	// MaxPayloadLength is the largest text the modem carries, in characters.
	MaxPayloadLength = 140

	// LogTruncateLength bounds how much of a payload is written to logs.
	LogTruncateLength = 20

	// RequestMarker prefixes a DATA_REQUEST handed to a transfer callback.
	RequestMarker = "REQUEST:"
)

// Tag identifies the kind of frame carried over the channel
type Tag uint8

const (
	TagUnknown Tag = iota
	TagPairRequest
	TagPairResponse
	TagData
	TagDataRequest
	TagAck
)

var tagPrefixes = []struct {
	tag    Tag
	prefix string
}{
	{TagPairRequest, PrefixPairRequest},
	{TagPairResponse, PrefixPairResponse},
	{TagData, PrefixData},
	{TagDataRequest, PrefixDataRequest},
	{TagAck, PrefixAck},
}

// Frame is a tagged text message exchanged between two engines
type Frame struct {
	Tag     Tag
	Payload string
}

// Prefix returns the wire prefix for the tag, or "" for TagUnknown
func (t Tag) Prefix() string {
	for _, tp := range tagPrefixes {
		if tp.tag == t {
			return tp.prefix
		}
	}
	return ""
}

// String returns the tag name used in logs and metric labels
func (t Tag) String() string {
	switch t {
	case TagPairRequest:
		return "PAIR_REQUEST"
	case TagPairResponse:
		return "PAIR_RESPONSE"
	case TagData:
		return "DATA"
	case TagDataRequest:
		return "DATA_REQUEST"
	case TagAck:
		return "ACK"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Encode renders the frame in wire form
func (f Frame) Encode() string {
	return f.Tag.Prefix() + f.Payload
}

// String returns a log-safe representation of the frame
func (f Frame) String() string {
	return fmt.Sprintf("Frame{Tag:%s, Payload:%q}", f.Tag, Truncate(f.Payload))
}

// NewFrame builds a frame and checks that its wire form fits in maxLen characters
func NewFrame(tag Tag, payload string, maxLen int) (Frame, error) {
	if tag.Prefix() == "" {
		return Frame{}, fmt.Errorf("unknown frame tag: %d", uint8(tag))
	}

	f := Frame{Tag: tag, Payload: payload}
	if n := Length(f.Encode()); n > maxLen {
		return Frame{}, fmt.Errorf("frame too long: %d characters (max %d)", n, maxLen)
	}

	return f, nil
}

// Parse matches a decoded string against the known prefixes. Strings that
// match no prefix report false and should be dropped by the caller.
func Parse(text string) (Frame, bool) {
	for _, tp := range tagPrefixes {
		if strings.HasPrefix(text, tp.prefix) {
			return Frame{Tag: tp.tag, Payload: text[len(tp.prefix):]}, true
		}
	}
	return Frame{}, false
}

// CheckPrefixes verifies that no prefix is empty, duplicated, or a prefix of another.
func CheckPrefixes() error {
	for i, a := range tagPrefixes {
		if a.prefix == "" {
			return fmt.Errorf("tag %s has an empty prefix", a.tag)
		}
		for j, b := range tagPrefixes {
			if i == j {
				continue
			}
			if strings.HasPrefix(b.prefix, a.prefix) {
				return fmt.Errorf("prefix %q of %s is ambiguous with %q of %s",
					a.prefix, a.tag, b.prefix, b.tag)
			}
		}
	}
	return nil
}

// Length counts characters, not bytes
func Length(s string) int {
	return utf8.RuneCountInString(s)
}

// Truncate shortens s to LogTruncateLength characters for logging
func Truncate(s string) string {
	if Length(s) <= LogTruncateLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:LogTruncateLength]) + "..."
}

// AckPayload is the acknowledgement payload for a received DATA payload:
// the CRC-32 (IEEE) of its bytes as eight lowercase hex digits.
func AckPayload(data string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(data)))
}
