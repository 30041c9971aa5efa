package keys

import (
	"errors"
	"fmt"
	"regexp"

	"viewstore/pkg/models"
)

var (
	// letters, digits, dot, underscore, dash; bounded to protect key shapes
	idRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
)

func ValidatePeerID(peer models.PeerID) error {
	if peer == "" {
		return errors.New("peer id empty")
	}
	if !idRegexp.MatchString(string(peer)) {
		return fmt.Errorf("invalid peer id: %q", peer)
	}
	return nil
}

// ValidateMessageID checks the peer segment and rejects the zero sequence,
// which the store reserves for "assign one for me".
func ValidateMessageID(id models.MessageID) error {
	if err := ValidatePeerID(id.Peer); err != nil {
		return err
	}
	if id.Seq == 0 {
		return fmt.Errorf("message id %s: sequence must be > 0", id)
	}
	return nil
}
