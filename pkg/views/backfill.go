package views

import (
	"fmt"

	"viewstore/pkg/logger"
	"viewstore/pkg/metrics"
	"viewstore/pkg/models"
	"viewstore/pkg/telemetry"
)

type cachedPeerDataState struct {
	record   *models.CachedPeerData
	messages *MessageMap
	refs     map[models.MessageID]struct{}
	refPeers map[models.PeerID]struct{}
}

// referenceSets derives the tracked id set and the set of peers those ids
// live under. Both are empty for a nil record.
func referenceSets(record *models.CachedPeerData) (map[models.MessageID]struct{}, map[models.PeerID]struct{}) {
	ids := record.MessageIDs()
	refs := make(map[models.MessageID]struct{}, len(ids))
	peers := make(map[models.PeerID]struct{})
	for _, id := range ids {
		refs[id] = struct{}{}
		peers[id.Peer] = struct{}{}
	}
	return refs, peers
}

// loadCachedPeerData reads the authoritative state for peer. It consults no
// in-memory state and is used only for construction and refresh.
func loadCachedPeerData(r Reader, peer models.PeerID, track bool, cause string) (cachedPeerDataState, error) {
	tr := telemetry.Track("views.backfill")
	defer tr.Finish()

	var st cachedPeerDataState
	record, err := r.CachedPeerData(peer)
	if err != nil {
		return st, storeReadError(fmt.Sprintf("cached peer data %q", peer), err)
	}
	st.record = record
	st.messages = newMessageMap()
	kind := KindCachedPeerData
	if track {
		kind = KindCachedPeerDataWithReferences
		tr.Mark("messages")
		st.refs, st.refPeers = referenceSets(record)
		for _, id := range record.MessageIDs() {
			m, err := r.Message(id)
			if err != nil {
				return cachedPeerDataState{}, storeReadError(fmt.Sprintf("message %s", id), err)
			}
			if m != nil {
				st.messages = st.messages.Set(id, m.Clone())
			}
		}
	}
	metrics.ViewBackfills.WithLabelValues(kind.String(), cause).Inc()
	logger.Debug("view_backfilled", "kind", kind.String(), "peer", peer, "cause", cause, "messages", st.messages.Len())
	return st, nil
}

func loadMessage(r Reader, id models.MessageID, cause string) (*models.Message, error) {
	m, err := r.Message(id)
	if err != nil {
		return nil, storeReadError(fmt.Sprintf("message %s", id), err)
	}
	metrics.ViewBackfills.WithLabelValues(KindMessage.String(), cause).Inc()
	return m.Clone(), nil
}
