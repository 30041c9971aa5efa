// Package views materializes typed, derived views over the record store and
// keeps them current by replaying committed transaction descriptors.
//
// A View is mutable and owned by the dispatcher; a Snapshot is its immutable
// published form and may be shared freely across goroutines.
package views

import (
	"errors"
	"fmt"

	"viewstore/pkg/models"
	"viewstore/pkg/store/keys"
	"viewstore/pkg/txn"
)

// ErrStoreRead wraps a record store read failure encountered while
// constructing, replaying or refreshing a view.
var ErrStoreRead = errors.New("record store read failed")

// ErrUnknownKind is returned for a Key with an unregistered kind.
var ErrUnknownKind = errors.New("unknown view kind")

// Reader is the read side of the record store. Both methods return nil, nil
// when the record does not exist.
type Reader interface {
	CachedPeerData(peer models.PeerID) (*models.CachedPeerData, error)
	Message(id models.MessageID) (*models.Message, error)
}

type Kind uint8

const (
	KindCachedPeerData Kind = iota + 1
	KindCachedPeerDataWithReferences
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindCachedPeerData:
		return "cached_peer_data"
	case KindCachedPeerDataWithReferences:
		return "cached_peer_data_refs"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindCachedPeerData, KindCachedPeerDataWithReferences, KindMessage} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Key identifies a view. Equal keys denote the same materialized view, so
// subscribers with equal keys share one instance.
type Key struct {
	Kind    Kind
	Peer    models.PeerID
	Message models.MessageID
}

func CachedPeerDataKey(peer models.PeerID, trackReferences bool) Key {
	if trackReferences {
		return Key{Kind: KindCachedPeerDataWithReferences, Peer: peer}
	}
	return Key{Kind: KindCachedPeerData, Peer: peer}
}

func MessageKey(id models.MessageID) Key {
	return Key{Kind: KindMessage, Peer: id.Peer, Message: id}
}

func (k Key) String() string {
	if k.Kind == KindMessage {
		return k.Kind.String() + ":" + k.Message.String()
	}
	return k.Kind.String() + ":" + string(k.Peer)
}

func (k Key) Validate() error {
	switch k.Kind {
	case KindCachedPeerData, KindCachedPeerDataWithReferences:
		return keys.ValidatePeerID(k.Peer)
	case KindMessage:
		if k.Peer != k.Message.Peer {
			return fmt.Errorf("message view key peer %q does not match %s", k.Peer, k.Message)
		}
		return keys.ValidateMessageID(k.Message)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, k.Kind)
	}
}

// View is a live materialization. Replay and RefreshDueToExternalTransaction
// report whether the view's state changed; on error the state is untouched.
type View interface {
	Key() Key
	Replay(r Reader, tx *txn.Descriptor) (bool, error)
	RefreshDueToExternalTransaction(r Reader) (bool, error)
	Snapshot() Snapshot
}

// Snapshot is an immutable copy of a view's state.
type Snapshot interface {
	Key() Key
	Equal(other Snapshot) bool
}

// New constructs the view for key from the authoritative store state.
func New(r Reader, key Key) (View, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	switch key.Kind {
	case KindCachedPeerData:
		return NewCachedPeerDataView(r, key.Peer, false)
	case KindCachedPeerDataWithReferences:
		return NewCachedPeerDataView(r, key.Peer, true)
	case KindMessage:
		return NewMessageView(r, key.Message)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, key.Kind)
}

func storeReadError(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreRead, what, err)
}
