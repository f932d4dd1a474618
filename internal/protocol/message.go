package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Defaults for the payment hand-off message
const (
	DefaultAppType          = "drishtipay_app"
	DefaultTransmissionType = "ggwave"
)

var mobileNumberPattern = regexp.MustCompile(`^\d{10,15}$`)

// Message is the JSON document a customer device sends to a POS terminal
// to identify itself for payment.
type Message struct {
	MobileNo         string `json:"mobile_no"`
	AppType          string `json:"app_type"`
	TransmissionType string `json:"transmission_type"`
}

// NewMessage creates a message with the default app and transmission types
func NewMessage(mobileNo string) (*Message, error) {
	m := &Message{
		MobileNo:         strings.TrimSpace(mobileNo),
		AppType:          DefaultAppType,
		TransmissionType: DefaultTransmissionType,
	}
	if m.MobileNo == "" {
		return nil, fmt.Errorf("mobile number cannot be empty")
	}
	return m, nil
}

// ParseMessage decodes a message, filling in default app and transmission types
func ParseMessage(data string) (*Message, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("invalid message JSON: %w", err)
	}
	if _, ok := raw["mobile_no"]; !ok {
		return nil, fmt.Errorf("missing required field: mobile_no")
	}

	m := &Message{}
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return nil, fmt.Errorf("invalid message JSON: %w", err)
	}

	m.MobileNo = strings.TrimSpace(m.MobileNo)
	m.AppType = strings.TrimSpace(m.AppType)
	m.TransmissionType = strings.TrimSpace(m.TransmissionType)
	if m.MobileNo == "" {
		return nil, fmt.Errorf("mobile number cannot be empty")
	}
	if m.AppType == "" {
		m.AppType = DefaultAppType
	}
	if m.TransmissionType == "" {
		m.TransmissionType = DefaultTransmissionType
	}

	return m, nil
}

// JSON renders the message in wire form
func (m *Message) JSON() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(data), nil
}

// IsValid reports whether the message is a well-formed payment hand-off
func (m *Message) IsValid() bool {
	return m.AppType == DefaultAppType &&
		m.TransmissionType == DefaultTransmissionType &&
		mobileNumberPattern.MatchString(m.MobileNo)
}

// String returns a representation with the mobile number masked
func (m *Message) String() string {
	masked := m.MobileNo
	if len(masked) > 4 {
		masked = strings.Repeat("*", len(masked)-4) + masked[len(masked)-4:]
	}
	return fmt.Sprintf("Message{MobileNo:%s, AppType:%s, TransmissionType:%s}",
		masked, m.AppType, m.TransmissionType)
}
