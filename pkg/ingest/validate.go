package ingest

import (
	"errors"
	"fmt"
	"strings"

	"viewstore/pkg/models"
	"viewstore/pkg/store/keys"
	"viewstore/pkg/telemetry"
)

var ErrInvalidEntry = errors.New("invalid ingest entry")

// ValidateEntry checks an entry's shape before it reaches the store.
func ValidateEntry(e Entry) error {
	tr := telemetry.Track("validation.validate_entry")
	defer tr.Finish()

	var errs []string
	if !e.Handler.Valid() {
		errs = append(errs, fmt.Sprintf("unknown handler %q", e.Handler))
	}
	if err := keys.ValidatePeerID(e.Peer); err != nil {
		errs = append(errs, err.Error())
	}
	switch e.Handler {
	case HandlerCachedSet:
		if e.CachedPeerData == nil {
			errs = append(errs, "cached_peer_data is required")
		} else if e.CachedPeerData.Peer != "" && e.CachedPeerData.Peer != e.Peer {
			errs = append(errs, "cached_peer_data.peer does not match peer")
		}
	case HandlerMessageInsert:
		if e.Message == nil {
			errs = append(errs, "message is required")
		} else if e.Message.ID.Peer != "" && e.Message.ID.Peer != e.Peer {
			errs = append(errs, "message.id.peer does not match peer")
		}
	case HandlerMessageRemove:
		if len(e.IDs) == 0 {
			errs = append(errs, "ids are required")
		}
		for _, id := range e.IDs {
			if id.Peer != e.Peer {
				errs = append(errs, fmt.Sprintf("id %s is not scoped to peer", id))
			} else if err := keys.ValidateMessageID(id); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, strings.Join(errs, "; "))
	}
	return nil
}

func ValidateMessage(m models.Message) error {
	var errs []string
	if m.Author == "" {
		errs = append(errs, "author is required")
	}
	if m.Timestamp < 0 {
		errs = append(errs, "ts must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, strings.Join(errs, "; "))
	}
	return nil
}
