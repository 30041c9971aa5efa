package dispatch

import (
	"viewstore/pkg/store/db"
	"viewstore/pkg/views"
)

// SnapshotReader is a consistent read view that reflects every commit up to
// and including Seq.
type SnapshotReader interface {
	views.Reader
	Seq() uint64
	Close() error
}

// Source is what the dispatcher needs from the record store.
type Source interface {
	views.Reader
	LastSeq() uint64
	OpenSnapshot() (SnapshotReader, error)
}

type storeSource struct {
	*db.Store
}

// StoreSource adapts a record store to Source.
func StoreSource(s *db.Store) Source {
	return storeSource{s}
}

func (s storeSource) OpenSnapshot() (SnapshotReader, error) {
	snap, err := s.ReadSnapshot()
	if err != nil {
		return nil, err
	}
	return snap, nil
}
