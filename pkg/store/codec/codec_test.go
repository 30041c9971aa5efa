package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewstore/pkg/models"
)

func TestMessageRecord(t *testing.T) {
	reply := models.MessageID{Peer: "alice", Seq: 1}
	m := &models.Message{
		ID:         models.MessageID{Peer: "alice", Seq: 2},
		Author:     "bob",
		Timestamp:  42,
		Text:       "hi",
		Attributes: map[string]string{"k": "v"},
		ReplyTo:    &reply,
	}
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	assert.Equal(t, recordVersion, data[0])

	got, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.True(t, m.Equal(got))
}

func TestCachedPeerDataRecord(t *testing.T) {
	pinned := models.MessageID{Peer: "alice", Seq: 3}
	d := &models.CachedPeerData{
		Peer:          "alice",
		About:         "x",
		PinnedMessage: &pinned,
		Associated:    []models.MessageID{{Peer: "alice", Seq: 1}, {Peer: "carol", Seq: 9}},
	}
	data, err := EncodeCachedPeerData(d)
	require.NoError(t, err)
	got, err := DecodeCachedPeerData(data)
	require.NoError(t, err)
	assert.True(t, d.Equal(got))
}

func TestDecodeRejects(t *testing.T) {
	_, err := DecodeMessage(nil)
	assert.Error(t, err)

	_, err = DecodeMessage([]byte{9, '{', '}'})
	assert.True(t, errors.Is(err, ErrUnknownVersion))

	_, err = EncodeCachedPeerData(nil)
	assert.Error(t, err)
}
