package models

import (
	"maps"
	"slices"
)

// CachedPeerData is the denormalized per-peer record. It is replaced
// wholesale on every update; there is no field-level merge.
type CachedPeerData struct {
	Peer  PeerID `json:"peer"`
	About string `json:"about,omitempty"`
	// Attributes holds client-defined display fields.
	Attributes map[string]string `json:"attributes,omitempty"`
	// PinnedMessage and Associated make up the reference set.
	PinnedMessage *MessageID  `json:"pinned_message,omitempty"`
	Associated    []MessageID `json:"associated,omitempty"`
	UpdatedTS     int64       `json:"updated_ts,omitempty"`
}

// MessageIDs returns the reference set: the pinned message first, then the
// associated ids in order, without duplicates.
func (c *CachedPeerData) MessageIDs() []MessageID {
	if c == nil {
		return nil
	}
	out := make([]MessageID, 0, len(c.Associated)+1)
	seen := make(map[MessageID]struct{}, len(c.Associated)+1)
	add := func(id MessageID) {
		if id.IsZero() {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if c.PinnedMessage != nil {
		add(*c.PinnedMessage)
	}
	for _, id := range c.Associated {
		add(id)
	}
	return out
}

func (c *CachedPeerData) Clone() *CachedPeerData {
	if c == nil {
		return nil
	}
	out := *c
	if c.Attributes != nil {
		out.Attributes = maps.Clone(c.Attributes)
	}
	if c.PinnedMessage != nil {
		p := *c.PinnedMessage
		out.PinnedMessage = &p
	}
	if c.Associated != nil {
		out.Associated = slices.Clone(c.Associated)
	}
	return &out
}

func (c *CachedPeerData) Equal(other *CachedPeerData) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.Peer != other.Peer || c.About != other.About || c.UpdatedTS != other.UpdatedTS {
		return false
	}
	if (c.PinnedMessage == nil) != (other.PinnedMessage == nil) {
		return false
	}
	if c.PinnedMessage != nil && *c.PinnedMessage != *other.PinnedMessage {
		return false
	}
	return slices.Equal(c.Associated, other.Associated) && maps.Equal(c.Attributes, other.Attributes)
}
