package txn

import "viewstore/pkg/models"

// UpdateKind distinguishes the three outcomes for a cached peer data record.
type UpdateKind uint8

const (
	Unchanged UpdateKind = iota
	Absent
	Present
)

func (k UpdateKind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return "unchanged"
	}
}

// Update is the new state of a cached peer data record after a transaction.
// Value is set only when Kind is Present.
type Update struct {
	Kind  UpdateKind
	Value *models.CachedPeerData
}

// OpKind tags a MessageOperation.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// MessageOperation is one message mutation scoped to a peer. Inserts carry
// the full message; removals enumerate every removed id.
type MessageOperation struct {
	Kind    OpKind
	Message *models.Message
	Indices []models.MessageIndex
}

// Touches reports whether the operation concerns id.
func (op MessageOperation) Touches(id models.MessageID) bool {
	switch op.Kind {
	case OpInsert:
		return op.Message != nil && op.Message.ID == id
	case OpRemove:
		for _, idx := range op.Indices {
			if idx.ID == id {
				return true
			}
		}
	}
	return false
}
