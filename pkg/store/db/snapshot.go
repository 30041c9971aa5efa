package db

import (
	"viewstore/pkg/models"
	"viewstore/pkg/store/keys"

	"github.com/cockroachdb/pebble"
)

// Snapshot is a point-in-time read view of the store. Seq is the commit
// sequence it reflects.
type Snapshot struct {
	snap *pebble.Snapshot
	seq  uint64
}

// ReadSnapshot captures the store state together with the sequence of the
// last transaction it includes. The sequence is read from the commit record
// inside the snapshot, so it never takes the writer lock and is safe to call
// from a commit hook. The caller must Close it.
func (s *Store) ReadSnapshot() (*Snapshot, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed.Load() {
		return nil, ErrClosed
	}
	snap := s.db.NewSnapshot()
	raw, err := getRaw(snap, keys.SystemCommitSeqKey)
	if err != nil {
		snap.Close()
		return nil, err
	}
	seq, err := decodeCommitSeq(raw)
	if err != nil {
		snap.Close()
		return nil, err
	}
	return &Snapshot{snap: snap, seq: seq}, nil
}

func (sn *Snapshot) Seq() uint64 {
	return sn.seq
}

func (sn *Snapshot) CachedPeerData(peer models.PeerID) (*models.CachedPeerData, error) {
	return readCachedPeerData(sn.snap, peer)
}

func (sn *Snapshot) Message(id models.MessageID) (*models.Message, error) {
	return readMessage(sn.snap, id)
}

func (sn *Snapshot) Close() error {
	return sn.snap.Close()
}
