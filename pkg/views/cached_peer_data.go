package views

import (
	"fmt"

	"viewstore/pkg/models"
	"viewstore/pkg/txn"
)

// CachedPeerDataView holds one peer's cached data and, when tracking
// references, the messages that data currently references.
type CachedPeerDataView struct {
	peer  models.PeerID
	track bool

	record   *models.CachedPeerData
	messages *MessageMap
	// derived from record; recomputed only when record changes
	refs     map[models.MessageID]struct{}
	refPeers map[models.PeerID]struct{}
}

func NewCachedPeerDataView(r Reader, peer models.PeerID, trackReferences bool) (*CachedPeerDataView, error) {
	st, err := loadCachedPeerData(r, peer, trackReferences, "construct")
	if err != nil {
		return nil, err
	}
	v := &CachedPeerDataView{peer: peer, track: trackReferences}
	v.adopt(st)
	return v, nil
}

func (v *CachedPeerDataView) adopt(st cachedPeerDataState) {
	v.record = st.record
	v.messages = st.messages
	if v.messages == nil {
		v.messages = newMessageMap()
	}
	v.refs, v.refPeers = st.refs, st.refPeers
	if v.refs == nil {
		v.refs, v.refPeers = referenceSets(nil)
	}
}

func (v *CachedPeerDataView) Key() Key {
	return CachedPeerDataKey(v.peer, v.track)
}

// Replay applies one committed transaction.
//
// A new record for the peer (present or absent) is adopted unconditionally
// and, when tracking, the held message set is rebuilt for the new reference
// set. Otherwise only inserts and removals of referenced messages matter.
func (v *CachedPeerDataView) Replay(r Reader, tx *txn.Descriptor) (bool, error) {
	if u, ok := tx.CachedPeerDataUpdate(v.peer); ok {
		var record *models.CachedPeerData
		if u.Kind == txn.Present {
			record = u.Value
		}
		if !v.track {
			v.record = record
			return true, nil
		}
		messages, err := v.rebuildMessages(r, tx, record)
		if err != nil {
			return false, err
		}
		refs, refPeers := referenceSets(record)
		v.record = record
		v.messages = messages
		v.refs, v.refPeers = refs, refPeers
		return true, nil
	}

	if !v.track {
		return false, nil
	}
	if !tx.TouchesAny(v.refPeers) {
		return false, nil
	}

	messages := v.messages
	changed := false
	for peer := range v.refPeers {
		for _, op := range tx.Operations(peer) {
			switch op.Kind {
			case txn.OpInsert:
				if _, ok := v.refs[op.Message.ID]; !ok {
					continue
				}
				if held, ok := messages.Get(op.Message.ID); ok && held.Equal(op.Message) {
					continue
				}
				messages = messages.Set(op.Message.ID, op.Message.Clone())
				changed = true
			case txn.OpRemove:
				for _, idx := range op.Indices {
					if _, ok := messages.Get(idx.ID); ok {
						messages = messages.Delete(idx.ID)
						changed = true
					}
				}
			}
		}
	}
	v.messages = messages
	return changed, nil
}

// rebuildMessages builds the held set for record. Messages the descriptor
// resolved at commit are taken as is, keeping the held copy when it is equal.
// Otherwise held copies are reused and newly referenced ids are read through
// r, with operations in tx on a referenced id applied on top. Descriptors
// sealed by the store resolve every referenced id, so r is only read for
// descriptors built by hand. v is not modified.
func (v *CachedPeerDataView) rebuildMessages(r Reader, tx *txn.Descriptor, record *models.CachedPeerData) (*MessageMap, error) {
	out := newMessageMap()
	ids := record.MessageIDs()
	if len(ids) == 0 {
		return out, nil
	}
	opsByPeer := make(map[models.PeerID][]txn.MessageOperation)
	for _, id := range ids {
		m, held := v.messages.Get(id)
		if resolved, ok := tx.Resolved(id); ok {
			switch {
			case resolved == nil:
			case held && m.Equal(resolved):
				out = out.Set(id, m)
			default:
				out = out.Set(id, resolved)
			}
			continue
		}
		if !held {
			var err error
			if m, err = r.Message(id); err != nil {
				return nil, storeReadError(fmt.Sprintf("message %s", id), err)
			}
		}
		ops, ok := opsByPeer[id.Peer]
		if !ok {
			ops = tx.Operations(id.Peer)
			opsByPeer[id.Peer] = ops
		}
		touched := false
		for _, op := range ops {
			if !op.Touches(id) {
				continue
			}
			touched = true
			if op.Kind == txn.OpInsert {
				m = op.Message
			} else {
				m = nil
			}
		}
		if m == nil {
			continue
		}
		if !held || touched {
			m = m.Clone()
		}
		out = out.Set(id, m)
	}
	return out, nil
}

// RefreshDueToExternalTransaction reloads from the store and reports
// whether anything differs from the held state.
func (v *CachedPeerDataView) RefreshDueToExternalTransaction(r Reader) (bool, error) {
	st, err := loadCachedPeerData(r, v.peer, v.track, "refresh")
	if err != nil {
		return false, err
	}
	before := v.snapshot()
	v.adopt(st)
	return !before.Equal(v.snapshot()), nil
}

func (v *CachedPeerDataView) Snapshot() Snapshot {
	return v.snapshot()
}

func (v *CachedPeerDataView) snapshot() *CachedPeerDataSnapshot {
	// messages is persistent and its values are never mutated in place,
	// so sharing it is safe
	return &CachedPeerDataSnapshot{
		key:      v.Key(),
		record:   v.record.Clone(),
		messages: v.messages,
	}
}

// Tracks reports whether the view holds referenced messages.
func (v *CachedPeerDataView) Tracks() bool {
	return v.track
}
