package db

import (
	"strings"

	"viewstore/pkg/logger"
	"viewstore/pkg/models"
	"viewstore/pkg/store/keys"

	"github.com/cockroachdb/pebble"
)

// Peers lists peers that currently have a cached peer data record, in key
// order, stopping after limit entries when limit > 0.
func (s *Store) Peers(limit int) ([]models.PeerID, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("p:"),
		UpperBound: keys.GenPrefixUpperBound("p:"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.PeerID
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		if !strings.HasSuffix(k, ":cpd") {
			continue
		}
		peer, perr := keys.ParseCachedPeerDataKey(k)
		if perr != nil {
			logger.Warn("scan_bad_key", "key", k, "error", perr)
			continue
		}
		out = append(out, peer)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// MessageIDs lists stored message ids for peer in sequence order.
func (s *Store) MessageIDs(peer models.PeerID, limit int) ([]models.MessageID, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := keys.ValidatePeerID(peer); err != nil {
		return nil, err
	}
	prefix := keys.GenMessagePrefix(peer)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keys.GenPrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.MessageID
	for iter.First(); iter.Valid(); iter.Next() {
		id, perr := keys.ParseMessageKey(string(iter.Key()))
		if perr != nil {
			logger.Warn("scan_bad_key", "key", string(iter.Key()), "error", perr)
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}
