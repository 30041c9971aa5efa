package keys

import (
	"fmt"
	"strconv"
	"strings"

	"viewstore/pkg/models"
)

func parsePaddedUint(s string, width int) (uint64, error) {
	if len(s) == 0 || len(s) > width {
		return 0, fmt.Errorf("length invalid: %s", s)
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}

// ParseMessageKey parses p:<peer_id>:m:<seq> back into a message id.
func ParseMessageKey(key string) (models.MessageID, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "p" || parts[2] != "m" {
		return models.MessageID{}, fmt.Errorf("invalid message key: %q", key)
	}
	if err := ValidatePeerID(models.PeerID(parts[1])); err != nil {
		return models.MessageID{}, fmt.Errorf("invalid message key %q: %w", key, err)
	}
	seq, err := parsePaddedUint(parts[3], SeqPadWidth)
	if err != nil {
		return models.MessageID{}, fmt.Errorf("invalid message key seq %q: %w", key, err)
	}
	return models.MessageID{Peer: models.PeerID(parts[1]), Seq: seq}, nil
}

// ParseCachedPeerDataKey extracts the peer from p:<peer_id>:cpd.
func ParseCachedPeerDataKey(key string) (models.PeerID, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "p" || parts[2] != "cpd" {
		return "", fmt.Errorf("invalid cached peer data key: %q", key)
	}
	peer := models.PeerID(parts[1])
	if err := ValidatePeerID(peer); err != nil {
		return "", err
	}
	return peer, nil
}
