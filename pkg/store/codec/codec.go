// Package codec encodes records stored in the record store.
//
// Every value starts with a one byte record version followed by a JSON body.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"viewstore/pkg/models"

	"github.com/valyala/bytebufferpool"
)

const recordVersion byte = 1

var ErrUnknownVersion = errors.New("unknown record version")

// wire form of a message id; keeps record bodies independent of the Go field names.
type wireID struct {
	Peer string `json:"peer"`
	Seq  uint64 `json:"seq"`
}

type wireMessage struct {
	ID         wireID            `json:"id"`
	Author     string            `json:"author,omitempty"`
	Timestamp  int64             `json:"ts"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attrs,omitempty"`
	ReplyTo    *wireID           `json:"reply_to,omitempty"`
}

type wireCachedPeerData struct {
	Peer       string            `json:"peer"`
	About      string            `json:"about,omitempty"`
	Attributes map[string]string `json:"attrs,omitempty"`
	Pinned     *wireID           `json:"pinned,omitempty"`
	Associated []wireID          `json:"associated,omitempty"`
	UpdatedTS  int64             `json:"updated_ts,omitempty"`
}

func toWireID(id models.MessageID) wireID {
	return wireID{Peer: string(id.Peer), Seq: id.Seq}
}

func fromWireID(w wireID) models.MessageID {
	return models.MessageID{Peer: models.PeerID(w.Peer), Seq: w.Seq}
}

// encode writes the version byte and the JSON body of v into a pooled buffer
// and returns a copy that outlives the buffer.
func encode(v any) ([]byte, error) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	bb.B = bb.B[:0]
	bb.WriteByte(recordVersion)
	if err := json.NewEncoder(bb).Encode(v); err != nil {
		return nil, err
	}
	out := make([]byte, bb.Len())
	copy(out, bb.B)
	return out, nil
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("empty record")
	}
	if data[0] != recordVersion {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, data[0])
	}
	return json.Unmarshal(data[1:], v)
}

func EncodeMessage(m *models.Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil message")
	}
	w := wireMessage{
		ID:         toWireID(m.ID),
		Author:     m.Author,
		Timestamp:  m.Timestamp,
		Text:       m.Text,
		Attributes: m.Attributes,
	}
	if m.ReplyTo != nil {
		r := toWireID(*m.ReplyTo)
		w.ReplyTo = &r
	}
	return encode(w)
}

func DecodeMessage(data []byte) (*models.Message, error) {
	var w wireMessage
	if err := decode(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	m := &models.Message{
		ID:         fromWireID(w.ID),
		Author:     w.Author,
		Timestamp:  w.Timestamp,
		Text:       w.Text,
		Attributes: w.Attributes,
	}
	if w.ReplyTo != nil {
		r := fromWireID(*w.ReplyTo)
		m.ReplyTo = &r
	}
	return m, nil
}

func EncodeCachedPeerData(d *models.CachedPeerData) ([]byte, error) {
	if d == nil {
		return nil, errors.New("nil cached peer data")
	}
	w := wireCachedPeerData{
		Peer:       string(d.Peer),
		About:      d.About,
		Attributes: d.Attributes,
		UpdatedTS:  d.UpdatedTS,
	}
	if d.PinnedMessage != nil {
		p := toWireID(*d.PinnedMessage)
		w.Pinned = &p
	}
	for _, id := range d.Associated {
		w.Associated = append(w.Associated, toWireID(id))
	}
	return encode(w)
}

func DecodeCachedPeerData(data []byte) (*models.CachedPeerData, error) {
	var w wireCachedPeerData
	if err := decode(data, &w); err != nil {
		return nil, fmt.Errorf("decode cached peer data: %w", err)
	}
	d := &models.CachedPeerData{
		Peer:       models.PeerID(w.Peer),
		About:      w.About,
		Attributes: w.Attributes,
		UpdatedTS:  w.UpdatedTS,
	}
	if w.Pinned != nil {
		p := fromWireID(*w.Pinned)
		d.PinnedMessage = &p
	}
	for _, id := range w.Associated {
		d.Associated = append(d.Associated, fromWireID(id))
	}
	return d, nil
}
