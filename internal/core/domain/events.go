package domain

import (
	"bytes"
	"encoding/json"

	apperrors "github.com/lorrc/service-desk-relay/internal/core/errors"
)

// Notification is a raw notification as delivered by a change source.
type Notification struct {
	Channel string
	Payload string
}

// ChangeEvent is a decoded notification. Payload is kept verbatim.
type ChangeEvent struct {
	Channel ChannelName
	Payload json.RawMessage
}

// DecodeNotification turns a raw notification into a ChangeEvent.
// The channel name is kept exactly as delivered, so a padded name is an
// unknown channel rather than an alias. The payload must be valid JSON but
// its fields are never inspected.
func DecodeNotification(n Notification) (ChangeEvent, error) {
	channel := n.Channel
	if channel == "" {
		return ChangeEvent{}, &apperrors.DecodeError{Channel: n.Channel, Err: apperrors.ErrEmptyChannel}
	}

	payload := []byte(n.Payload)
	if !json.Valid(payload) {
		return ChangeEvent{}, &apperrors.DecodeError{Channel: channel, Err: apperrors.ErrInvalidPayload}
	}

	return ChangeEvent{
		Channel: ChannelName(channel),
		Payload: json.RawMessage(payload),
	}, nil
}

// Message is the wire-level unit sent to every session.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewMessage routes a ChangeEvent to its tagged Message.
func NewMessage(event ChangeEvent) Message {
	return Message{
		Type: Route(event.Channel),
		Data: event.Payload,
	}
}

// Encode serializes the message as {"type":...,"data":...}. The data bytes
// are written as received; encoding/json would compact and HTML-escape them.
func (m Message) Encode() ([]byte, error) {
	typ, err := json.Marshal(m.Type)
	if err != nil {
		return nil, err
	}

	data := m.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	var buf bytes.Buffer
	buf.Grow(len(typ) + len(data) + 18)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	buf.WriteString(`,"data":`)
	buf.Write(data)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
