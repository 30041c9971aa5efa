package models

import (
	"fmt"
	"slices"
)

// PeerID identifies a conversational entity (user, group, channel). Opaque to
// this package; the key layer validates its shape.
type PeerID string

// MessageID is a peer-scoped message identifier. Seq is assigned by the store
// and never reused after deletion.
type MessageID struct {
	Peer PeerID `json:"peer"`
	Seq  uint64 `json:"seq"`
}

func (id MessageID) IsZero() bool {
	return id.Peer == "" && id.Seq == 0
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s/%d", id.Peer, id.Seq)
}

// Compare orders ids by peer, then by sequence.
func (id MessageID) Compare(other MessageID) int {
	switch {
	case id.Peer < other.Peer:
		return -1
	case id.Peer > other.Peer:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

// MessageIndex is the (index, id) pair carried by removals.
type MessageIndex struct {
	ID        MessageID `json:"id"`
	Timestamp int64     `json:"ts"`
}

// SortMessageIDs sorts ids in place using MessageID.Compare.
func SortMessageIDs(ids []MessageID) {
	slices.SortFunc(ids, func(a, b MessageID) int { return a.Compare(b) })
}
