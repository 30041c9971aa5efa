package ingest

import (
	"viewstore/pkg/models"
)

type HandlerID string

const (
	HandlerCachedSet     HandlerID = "cached.set"
	HandlerCachedRemove  HandlerID = "cached.remove"
	HandlerMessageInsert HandlerID = "message.insert"
	HandlerMessageRemove HandlerID = "message.remove"
)

func (h HandlerID) Valid() bool {
	switch h {
	case HandlerCachedSet, HandlerCachedRemove, HandlerMessageInsert, HandlerMessageRemove:
		return true
	}
	return false
}

// Entry is one mutation submitted to the write path. Which payload field is
// read depends on Handler.
type Entry struct {
	Handler        HandlerID              `json:"handler"`
	Peer           models.PeerID          `json:"peer"`
	Message        *models.Message        `json:"message,omitempty"`
	CachedPeerData *models.CachedPeerData `json:"cached_peer_data,omitempty"`
	IDs            []models.MessageID     `json:"ids,omitempty"`
	TS             int64                  `json:"ts,omitempty"`
}

// Result reports what one applied batch did. Inserted is aligned with the
// submitted entries and holds the zero id for entries that are not inserts.
type Result struct {
	Seq      uint64             `json:"seq"`
	Inserted []models.MessageID `json:"inserted,omitempty"`
	Entries  int                `json:"entries"`
}
