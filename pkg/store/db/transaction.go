package db

import (
	"fmt"

	"viewstore/pkg/logger"
	"viewstore/pkg/metrics"
	"viewstore/pkg/models"
	"viewstore/pkg/store/codec"
	"viewstore/pkg/store/keys"
	"viewstore/pkg/telemetry"
	"viewstore/pkg/txn"

	"github.com/cockroachdb/pebble"
)

// Txn is the write side of one transaction. Reads go through the batch, so
// they observe the transaction's own earlier writes.
type Txn struct {
	batch   *pebble.Batch
	builder *txn.Builder
	writes  int
	// message ids referenced by records set in this transaction, last set wins
	refs map[models.PeerID][]models.MessageID
}

// Transaction runs fn against a fresh indexed batch and commits it as one
// atomic unit. On success the sealed descriptor has already been passed to
// every commit hook. If fn fails or the descriptor is malformed the batch
// is discarded and no sequence is consumed.
func (s *Store) Transaction(fn func(*Txn) error) (*txn.Descriptor, error) {
	tr := telemetry.Track("store.transaction")
	defer tr.Finish()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return nil, ErrClosed
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Close()
	t := &Txn{batch: batch, builder: txn.NewBuilder(), refs: make(map[models.PeerID][]models.MessageID)}

	tr.Mark("apply")
	if err := fn(t); err != nil {
		metrics.StoreRejected.Inc()
		return nil, err
	}
	tr.Mark("resolve")
	if err := t.resolveRefs(); err != nil {
		metrics.StoreRejected.Inc()
		return nil, err
	}

	seq := s.lastSeq.Load() + 1
	desc, err := t.builder.Seal(seq)
	if err != nil {
		metrics.StoreRejected.Inc()
		logger.Warn("transaction_rejected", "seq", seq, "error", err)
		return nil, err
	}
	if err := batch.Set([]byte(keys.SystemCommitSeqKey), encodeUint64(seq), nil); err != nil {
		return nil, err
	}

	tr.Mark("commit")
	if err := batch.Commit(s.writeOpt(s.opts.Sync)); err != nil {
		logger.Error("pebble_commit_failed", "seq", seq, "error", err)
		return nil, fmt.Errorf("commit seq %d: %w", seq, err)
	}
	s.lastSeq.Store(seq)
	s.pendingWrites.Add(uint64(t.writes))
	metrics.StoreCommits.Inc()
	logger.Debug("transaction_committed", "seq", seq, "updated", len(desc.UpdatedPeers()), "operations", desc.OperationCount())

	tr.Mark("hooks")
	for _, hook := range s.hooks {
		hook(desc)
	}
	return desc, nil
}

// ExternalWrite applies a batch that bypasses descriptors, for repair and
// migration writes. Live views do not see it until they are refreshed.
func (s *Store) ExternalWrite(fn func(*pebble.Batch) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := fn(batch); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(s.writeOpt(true)); err != nil {
		logger.Error("pebble_external_write_failed", "error", err)
		return err
	}
	s.pendingWrites.Add(uint64(batch.Count()))
	metrics.StoreExternalWrites.Inc()
	logger.Info("external_write_applied", "records", batch.Count())
	return nil
}

func (t *Txn) CachedPeerData(peer models.PeerID) (*models.CachedPeerData, error) {
	return readCachedPeerData(t.batch, peer)
}

func (t *Txn) Message(id models.MessageID) (*models.Message, error) {
	return readMessage(t.batch, id)
}

// SetCachedPeerData overwrites the record for d.Peer wholesale.
func (t *Txn) SetCachedPeerData(d *models.CachedPeerData) error {
	if d == nil {
		return errNilCachedPeerRec
	}
	if err := keys.ValidatePeerID(d.Peer); err != nil {
		return err
	}
	for _, id := range d.MessageIDs() {
		if err := keys.ValidateMessageID(id); err != nil {
			return fmt.Errorf("cached peer data %q references %w", d.Peer, err)
		}
	}
	data, err := codec.EncodeCachedPeerData(d)
	if err != nil {
		return err
	}
	if err := t.batch.Set([]byte(keys.GenCachedPeerDataKey(d.Peer)), data, nil); err != nil {
		return err
	}
	t.writes++
	t.builder.UpdateCachedPeerData(d.Peer, d)
	t.refs[d.Peer] = d.MessageIDs()
	return nil
}

// RemoveCachedPeerData deletes the record for peer; views see it as absent.
func (t *Txn) RemoveCachedPeerData(peer models.PeerID) error {
	if err := keys.ValidatePeerID(peer); err != nil {
		return err
	}
	if err := t.batch.Delete([]byte(keys.GenCachedPeerDataKey(peer)), nil); err != nil {
		return err
	}
	t.writes++
	t.builder.UpdateCachedPeerData(peer, nil)
	delete(t.refs, peer)
	return nil
}

// resolveRefs copies the final state of every message referenced by a record
// set in this transaction into the descriptor, so views can rebuild the
// record without reading the store.
func (t *Txn) resolveRefs() error {
	seen := make(map[models.MessageID]struct{})
	for _, ids := range t.refs {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			m, err := readMessage(t.batch, id)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", id, err)
			}
			t.builder.Resolve(id, m)
		}
	}
	return nil
}

// InsertMessage stores m. A zero sequence is assigned from the peer's
// high-water mark. An explicit sequence at or below the mark is only
// accepted when that message currently exists, which makes it an edit.
func (t *Txn) InsertMessage(m *models.Message) (models.MessageID, error) {
	if m == nil {
		return models.MessageID{}, fmt.Errorf("insert: nil message")
	}
	peer := m.ID.Peer
	if err := keys.ValidatePeerID(peer); err != nil {
		return models.MessageID{}, err
	}
	hw, err := readHighWater(t.batch, peer)
	if err != nil {
		return models.MessageID{}, err
	}

	msg := m.Clone()
	switch {
	case msg.ID.Seq == 0:
		msg.ID.Seq = hw + 1
	case msg.ID.Seq <= hw:
		existing, err := readMessage(t.batch, msg.ID)
		if err != nil {
			return models.MessageID{}, err
		}
		if existing == nil {
			return models.MessageID{}, fmt.Errorf("%w: %s (high-water %d)", ErrMessageIDReused, msg.ID, hw)
		}
	}
	if msg.ID.Seq > hw {
		if err := t.batch.Set([]byte(keys.GenPeerSeqKey(peer)), encodeUint64(msg.ID.Seq), nil); err != nil {
			return models.MessageID{}, err
		}
	}

	data, err := codec.EncodeMessage(msg)
	if err != nil {
		return models.MessageID{}, err
	}
	if err := t.batch.Set([]byte(keys.GenMessageKey(msg.ID)), data, nil); err != nil {
		return models.MessageID{}, err
	}
	t.writes++
	t.builder.InsertMessage(msg)
	return msg.ID, nil
}

// RemoveMessages deletes the given messages. Removing a message with no
// stored state makes the transaction malformed.
func (t *Txn) RemoveMessages(ids []models.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	byPeer := make(map[models.PeerID][]models.MessageIndex)
	var order []models.PeerID
	for _, id := range ids {
		if err := keys.ValidateMessageID(id); err != nil {
			return err
		}
		existing, err := readMessage(t.batch, id)
		if err != nil {
			return err
		}
		if existing == nil {
			err := fmt.Errorf("remove of unknown message %s", id)
			t.builder.Invalidate(err)
			return fmt.Errorf("%w: %v", txn.ErrMalformed, err)
		}
		if err := t.batch.Delete([]byte(keys.GenMessageKey(id)), nil); err != nil {
			return err
		}
		t.writes++
		if _, ok := byPeer[id.Peer]; !ok {
			order = append(order, id.Peer)
		}
		byPeer[id.Peer] = append(byPeer[id.Peer], models.MessageIndex{ID: id, Timestamp: existing.Timestamp})
	}
	for _, peer := range order {
		t.builder.RemoveMessages(peer, byPeer[peer])
	}
	return nil
}
