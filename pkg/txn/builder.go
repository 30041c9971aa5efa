package txn

import (
	"errors"
	"fmt"

	"viewstore/pkg/models"
)

// ErrMalformed marks a descriptor that violates its construction invariants.
var ErrMalformed = errors.New("malformed transaction descriptor")

// Builder accumulates mutations for one transaction. It is not safe for
// concurrent use.
type Builder struct {
	updated    map[models.PeerID]Update
	operations map[models.PeerID][]MessageOperation
	resolved   map[models.MessageID]*models.Message
	invalid    error
	sealed     bool
}

func NewBuilder() *Builder {
	return &Builder{
		updated:    make(map[models.PeerID]Update),
		operations: make(map[models.PeerID][]MessageOperation),
		resolved:   make(map[models.MessageID]*models.Message),
	}
}

func (b *Builder) mustBeOpen() {
	if b.sealed {
		panic("txn: builder mutated after seal")
	}
}

// UpdateCachedPeerData records the new value for peer; nil records Absent.
// A later call for the same peer replaces the earlier one.
func (b *Builder) UpdateCachedPeerData(peer models.PeerID, data *models.CachedPeerData) {
	b.mustBeOpen()
	if data == nil {
		b.updated[peer] = Update{Kind: Absent}
		return
	}
	if data.Peer != peer {
		b.Invalidate(fmt.Errorf("cached peer data for %q recorded under %q", data.Peer, peer))
		return
	}
	b.updated[peer] = Update{Kind: Present, Value: data.Clone()}
}

func (b *Builder) InsertMessage(msg *models.Message) {
	b.mustBeOpen()
	if msg == nil || msg.ID.Seq == 0 || msg.ID.Peer == "" {
		b.Invalidate(errors.New("insert without a message id"))
		return
	}
	b.operations[msg.ID.Peer] = append(b.operations[msg.ID.Peer], MessageOperation{Kind: OpInsert, Message: msg.Clone()})
}

// RemoveMessages records a removal scoped to peer. Every index must belong
// to peer.
func (b *Builder) RemoveMessages(peer models.PeerID, indices []models.MessageIndex) {
	b.mustBeOpen()
	if len(indices) == 0 {
		b.Invalidate(fmt.Errorf("removal for %q enumerates no messages", peer))
		return
	}
	cp := make([]models.MessageIndex, 0, len(indices))
	for _, idx := range indices {
		if idx.ID.Peer != peer {
			b.Invalidate(fmt.Errorf("removal scoped to %q names message %s", peer, idx.ID))
			return
		}
		cp = append(cp, idx)
	}
	b.operations[peer] = append(b.operations[peer], MessageOperation{Kind: OpRemove, Indices: cp})
}

// Resolve records the committed state of a message referenced by an updated
// record; nil records that it does not exist.
func (b *Builder) Resolve(id models.MessageID, msg *models.Message) {
	b.mustBeOpen()
	if msg == nil {
		b.resolved[id] = nil
		return
	}
	b.resolved[id] = msg.Clone()
}

// Invalidate marks the transaction as malformed. Only the first reason is kept.
func (b *Builder) Invalidate(reason error) {
	if b.invalid == nil {
		b.invalid = reason
	}
}

func (b *Builder) Err() error {
	if b.invalid == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrMalformed, b.invalid)
}

// Seal freezes the builder into a Descriptor stamped with seq. The builder
// must not be used afterwards.
func (b *Builder) Seal(seq uint64) (*Descriptor, error) {
	b.mustBeOpen()
	b.sealed = true
	if err := b.Err(); err != nil {
		return nil, err
	}
	if seq == 0 {
		return nil, fmt.Errorf("%w: zero commit sequence", ErrMalformed)
	}
	return &Descriptor{seq: seq, updated: b.updated, operations: b.operations, resolved: b.resolved}, nil
}
