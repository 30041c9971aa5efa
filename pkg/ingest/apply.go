package ingest

import (
	"cmp"
	"fmt"
	"slices"

	"viewstore/pkg/logger"
	"viewstore/pkg/metrics"
	"viewstore/pkg/models"
	"viewstore/pkg/store/db"
	"viewstore/pkg/telemetry"
	"viewstore/pkg/txn"
)

// Committer runs a function as one store transaction.
type Committer interface {
	Transaction(fn func(*db.Txn) error) (*txn.Descriptor, error)
}

// positioned keeps an entry's index in the submitted batch.
type positioned struct {
	Entry
	pos int
}

func groupByPeer(entries []Entry) map[models.PeerID][]positioned {
	groups := make(map[models.PeerID][]positioned)
	for i, e := range entries {
		groups[e.Peer] = append(groups[e.Peer], positioned{Entry: e, pos: i})
	}
	return groups
}

func getOperationPriority(handler HandlerID) int {
	switch handler {
	case HandlerMessageInsert:
		return 1 // messages first so records can reference them
	case HandlerCachedSet, HandlerCachedRemove:
		return 2
	case HandlerMessageRemove:
		return 3 // removals last
	default:
		return 2
	}
}

func extractTS(e positioned) int64 {
	if e.TS != 0 {
		return e.TS
	}
	switch e.Handler {
	case HandlerMessageInsert:
		if e.Message != nil {
			return e.Message.Timestamp
		}
	case HandlerCachedSet:
		if e.CachedPeerData != nil {
			return e.CachedPeerData.UpdatedTS
		}
	}
	return 0
}

func sortOperationsByType(entries []positioned) []positioned {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b positioned) int {
		if c := cmp.Compare(getOperationPriority(a.Handler), getOperationPriority(b.Handler)); c != 0 {
			return c
		}
		return cmp.Compare(extractTS(a), extractTS(b))
	})
	return sorted
}

// ApplyBatch validates entries, orders them per peer by handler priority and
// timestamp, and commits them as a single transaction. Either every entry
// is applied or none is.
func ApplyBatch(c Committer, entries []Entry) (Result, error) {
	tr := telemetry.Track("ingest.apply_batch")
	defer tr.Finish()
	if len(entries) == 0 {
		return Result{}, nil
	}

	tr.Mark("validate")
	for i, e := range entries {
		if err := ValidateEntry(e); err != nil {
			return Result{}, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	tr.Mark("group_operations")
	groups := groupByPeer(entries)
	peers := make([]models.PeerID, 0, len(groups))
	for p := range groups {
		peers = append(peers, p)
	}
	slices.Sort(peers)
	logger.Debug("batch_apply_start", "entries", len(entries), "peers", len(peers))

	var res Result
	tr.Mark("transaction")
	desc, err := c.Transaction(func(t *db.Txn) error {
		res.Inserted = make([]models.MessageID, len(entries))
		for _, peer := range peers {
			for _, e := range sortOperationsByType(groups[peer]) {
				id, err := BProcOperation(t, e.Entry)
				if err != nil {
					logger.Error("process_operation_failed", "err", err, "handler", e.Handler, "peer", e.Peer, "pos", e.pos)
					return fmt.Errorf("entry %d: %s for %q: %w", e.pos, e.Handler, e.Peer, err)
				}
				res.Inserted[e.pos] = id
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	for _, e := range entries {
		metrics.IngestEntries.WithLabelValues(string(e.Handler)).Inc()
	}
	res.Seq = desc.Seq()
	res.Entries = len(entries)
	logger.Info("batch_applied", "entries", len(entries), "seq", res.Seq)
	return res, nil
}
