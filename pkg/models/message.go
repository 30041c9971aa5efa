package models

import "maps"

type Message struct {
	ID        MessageID `json:"id"`
	Author    string    `json:"author,omitempty"`
	Timestamp int64     `json:"ts"`
	Text      string    `json:"text,omitempty"`
	// Attributes is an optional bag of client-defined string fields.
	Attributes map[string]string `json:"attributes,omitempty"`
	// ReplyTo optionally points at another message, possibly in another peer.
	ReplyTo *MessageID `json:"reply_to,omitempty"`
}

// Clone returns a deep copy. A nil receiver yields nil.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Attributes != nil {
		out.Attributes = maps.Clone(m.Attributes)
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	return &out
}

// Equal reports value equality; two nil messages are equal.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.ID != other.ID || m.Author != other.Author || m.Timestamp != other.Timestamp || m.Text != other.Text {
		return false
	}
	if (m.ReplyTo == nil) != (other.ReplyTo == nil) {
		return false
	}
	if m.ReplyTo != nil && *m.ReplyTo != *other.ReplyTo {
		return false
	}
	return maps.Equal(m.Attributes, other.Attributes)
}
