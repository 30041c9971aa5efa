package ingest

import (
	"fmt"

	"viewstore/pkg/models"
	"viewstore/pkg/store/db"
)

// BProcOperation applies one entry inside an open transaction. For inserts
// it returns the stored message id.
func BProcOperation(t *db.Txn, e Entry) (models.MessageID, error) {
	switch e.Handler {
	case HandlerCachedSet:
		return models.MessageID{}, BProcCachedSet(t, e)
	case HandlerCachedRemove:
		return models.MessageID{}, BProcCachedRemove(t, e)
	case HandlerMessageInsert:
		return BProcMessageInsert(t, e)
	case HandlerMessageRemove:
		return models.MessageID{}, BProcMessageRemove(t, e)
	default:
		return models.MessageID{}, fmt.Errorf("unknown handler: %s", e.Handler)
	}
}

func BProcCachedSet(t *db.Txn, e Entry) error {
	// extract
	data := e.CachedPeerData.Clone()
	if data == nil {
		return fmt.Errorf("payload required for cached peer data")
	}

	// resolve
	data.Peer = e.Peer
	if data.UpdatedTS == 0 {
		data.UpdatedTS = e.TS
	}

	// store
	return t.SetCachedPeerData(data)
}

func BProcCachedRemove(t *db.Txn, e Entry) error {
	return t.RemoveCachedPeerData(e.Peer)
}

func BProcMessageInsert(t *db.Txn, e Entry) (models.MessageID, error) {
	// extract
	msg := e.Message.Clone()
	if msg == nil {
		return models.MessageID{}, fmt.Errorf("payload required for message insert")
	}

	// resolve
	msg.ID.Peer = e.Peer
	if msg.Timestamp == 0 {
		msg.Timestamp = e.TS
	}

	// validate
	if err := ValidateMessage(*msg); err != nil {
		return models.MessageID{}, err
	}

	// store
	return t.InsertMessage(msg)
}

func BProcMessageRemove(t *db.Txn, e Entry) error {
	return t.RemoveMessages(e.IDs)
}
