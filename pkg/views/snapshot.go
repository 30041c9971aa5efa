package views

import (
	"encoding/json"

	"viewstore/pkg/models"

	"github.com/benbjohnson/immutable"
)

type messageIDComparer struct{}

func (messageIDComparer) Compare(a, b models.MessageID) int {
	return a.Compare(b)
}

// MessageMap is a persistent sorted map of messages keyed by id. Updates
// return a new map and never disturb maps already published in snapshots.
type MessageMap = immutable.SortedMap[models.MessageID, *models.Message]

func newMessageMap() *MessageMap {
	return immutable.NewSortedMap[models.MessageID, *models.Message](messageIDComparer{})
}

// CachedPeerDataSnapshot is the published state of a CachedPeerDataView.
type CachedPeerDataSnapshot struct {
	key      Key
	record   *models.CachedPeerData
	messages *MessageMap
}

func (s *CachedPeerDataSnapshot) Key() Key {
	return s.key
}

func (s *CachedPeerDataSnapshot) Peer() models.PeerID {
	return s.key.Peer
}

// CachedPeerData returns a copy of the record, or nil when absent.
func (s *CachedPeerDataSnapshot) CachedPeerData() *models.CachedPeerData {
	return s.record.Clone()
}

// Message returns a copy of a held referenced message.
func (s *CachedPeerDataSnapshot) Message(id models.MessageID) (*models.Message, bool) {
	if s.messages == nil {
		return nil, false
	}
	m, ok := s.messages.Get(id)
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Messages returns copies of all held messages ordered by id.
func (s *CachedPeerDataSnapshot) Messages() []*models.Message {
	if s.messages == nil || s.messages.Len() == 0 {
		return nil
	}
	out := make([]*models.Message, 0, s.messages.Len())
	itr := s.messages.Iterator()
	for !itr.Done() {
		_, m, _ := itr.Next()
		out = append(out, m.Clone())
	}
	return out
}

func (s *CachedPeerDataSnapshot) MessageCount() int {
	if s.messages == nil {
		return 0
	}
	return s.messages.Len()
}

func (s *CachedPeerDataSnapshot) Equal(other Snapshot) bool {
	o, ok := other.(*CachedPeerDataSnapshot)
	if !ok || o == nil || s == nil {
		return ok && o == s
	}
	if s.key != o.key || !s.record.Equal(o.record) || s.MessageCount() != o.MessageCount() {
		return false
	}
	if s.MessageCount() == 0 {
		return true
	}
	itr := s.messages.Iterator()
	for !itr.Done() {
		id, m, _ := itr.Next()
		om, found := o.messages.Get(id)
		if !found || !m.Equal(om) {
			return false
		}
	}
	return true
}

func (s *CachedPeerDataSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		View           string                 `json:"view"`
		Peer           models.PeerID          `json:"peer"`
		CachedPeerData *models.CachedPeerData `json:"cached_peer_data"`
		Messages       []*models.Message      `json:"messages"`
	}{
		View:           s.key.Kind.String(),
		Peer:           s.key.Peer,
		CachedPeerData: s.record,
		Messages:       s.Messages(),
	})
}

// MessageSnapshot is the published state of a MessageView.
type MessageSnapshot struct {
	key     Key
	message *models.Message
}

func (s *MessageSnapshot) Key() Key {
	return s.key
}

// Message returns a copy of the message, or nil when it does not exist.
func (s *MessageSnapshot) Message() *models.Message {
	return s.message.Clone()
}

func (s *MessageSnapshot) Equal(other Snapshot) bool {
	o, ok := other.(*MessageSnapshot)
	if !ok || o == nil || s == nil {
		return ok && o == s
	}
	return s.key == o.key && s.message.Equal(o.message)
}

func (s *MessageSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		View    string           `json:"view"`
		ID      models.MessageID `json:"id"`
		Message *models.Message  `json:"message"`
	}{
		View:    s.key.Kind.String(),
		ID:      s.key.Message,
		Message: s.message,
	})
}
