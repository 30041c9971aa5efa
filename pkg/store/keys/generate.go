package keys

import (
	"fmt"

	"viewstore/pkg/models"
)

func GenCachedPeerDataKey(peer models.PeerID) string {
	return fmt.Sprintf(CachedPeerDataKey, peer)
}

func GenPeerSeqKey(peer models.PeerID) string {
	return fmt.Sprintf(PeerSeqKey, peer)
}

func GenMessageKey(id models.MessageID) string {
	return fmt.Sprintf(MessageKey, id.Peer, PadSeq(id.Seq))
}

func GenPeerPrefix(peer models.PeerID) string {
	return fmt.Sprintf(PeerPrefix, peer)
}

func GenMessagePrefix(peer models.PeerID) string {
	return fmt.Sprintf(MessagePrefix, peer)
}

// GenPrefixUpperBound returns the smallest key greater than every key with
// the given prefix, for use as an iterator upper bound.
func GenPrefixUpperBound(prefix string) []byte {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func PadSeq(seq uint64) string {
	return fmt.Sprintf("%0*d", SeqPadWidth, seq)
}
