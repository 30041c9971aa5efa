package views

import (
	"viewstore/pkg/models"
	"viewstore/pkg/txn"
)

// MessageView tracks a single message by id.
type MessageView struct {
	id      models.MessageID
	message *models.Message
}

func NewMessageView(r Reader, id models.MessageID) (*MessageView, error) {
	m, err := loadMessage(r, id, "construct")
	if err != nil {
		return nil, err
	}
	return &MessageView{id: id, message: m}, nil
}

func (v *MessageView) Key() Key {
	return MessageKey(v.id)
}

func (v *MessageView) Replay(_ Reader, tx *txn.Descriptor) (bool, error) {
	if !tx.HasOperations(v.id.Peer) {
		return false, nil
	}
	current := v.message
	for _, op := range tx.Operations(v.id.Peer) {
		if !op.Touches(v.id) {
			continue
		}
		if op.Kind == txn.OpInsert {
			current = op.Message
		} else {
			current = nil
		}
	}
	if current.Equal(v.message) {
		return false, nil
	}
	v.message = current.Clone()
	return true, nil
}

func (v *MessageView) RefreshDueToExternalTransaction(r Reader) (bool, error) {
	m, err := loadMessage(r, v.id, "refresh")
	if err != nil {
		return false, err
	}
	changed := !m.Equal(v.message)
	v.message = m
	return changed, nil
}

func (v *MessageView) Snapshot() Snapshot {
	return &MessageSnapshot{key: v.Key(), message: v.message.Clone()}
}
