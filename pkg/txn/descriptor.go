// Package txn describes what one committed store transaction changed.
//
// A Descriptor is built append-only while the transaction runs and sealed at
// commit. After sealing it is read-only; views decide from it alone whether
// they are affected.
package txn

import (
	"slices"

	"viewstore/pkg/models"
)

type Descriptor struct {
	seq        uint64
	updated    map[models.PeerID]Update
	operations map[models.PeerID][]MessageOperation
	resolved   map[models.MessageID]*models.Message
}

// Seq is the store commit sequence of the transaction. Sequences start at 1
// and increase by one per committed transaction.
func (d *Descriptor) Seq() uint64 {
	return d.seq
}

// CachedPeerDataUpdate returns the update recorded for peer, if any. Entries
// are only recorded for Absent or Present.
func (d *Descriptor) CachedPeerDataUpdate(peer models.PeerID) (Update, bool) {
	u, ok := d.updated[peer]
	if !ok || u.Kind == Unchanged {
		return Update{}, false
	}
	return Update{Kind: u.Kind, Value: u.Value.Clone()}, true
}

// Operations returns the message operations for peer in application order.
func (d *Descriptor) Operations(peer models.PeerID) []MessageOperation {
	return slices.Clone(d.operations[peer])
}

// Resolved returns the state at commit of a message referenced by an updated
// record. ok is false when the transaction did not resolve id; a nil message
// with ok true means the message did not exist.
func (d *Descriptor) Resolved(id models.MessageID) (*models.Message, bool) {
	m, ok := d.resolved[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// HasOperations reports whether any message operation is scoped to peer.
func (d *Descriptor) HasOperations(peer models.PeerID) bool {
	return len(d.operations[peer]) > 0
}

// TouchesAny reports whether any message operation is scoped to one of peers.
func (d *Descriptor) TouchesAny(peers map[models.PeerID]struct{}) bool {
	if len(d.operations) == 0 || len(peers) == 0 {
		return false
	}
	// iterate the smaller side
	if len(peers) < len(d.operations) {
		for p := range peers {
			if len(d.operations[p]) > 0 {
				return true
			}
		}
		return false
	}
	for p, ops := range d.operations {
		if _, ok := peers[p]; ok && len(ops) > 0 {
			return true
		}
	}
	return false
}

func (d *Descriptor) UpdatedPeers() []models.PeerID {
	out := make([]models.PeerID, 0, len(d.updated))
	for p := range d.updated {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (d *Descriptor) TouchedPeers() []models.PeerID {
	out := make([]models.PeerID, 0, len(d.operations))
	for p := range d.operations {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// OperationCount is the total number of message operations.
func (d *Descriptor) OperationCount() int {
	n := 0
	for _, ops := range d.operations {
		n += len(ops)
	}
	return n
}

func (d *Descriptor) Empty() bool {
	return len(d.updated) == 0 && len(d.operations) == 0
}
