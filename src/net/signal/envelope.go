package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the type of a signaling Envelope
type Kind string

const (
	// KindOffer carries an SDP offer
	KindOffer Kind = "offer"
	// KindAnswer carries an SDP answer
	KindAnswer Kind = "answer"
	// KindCandidate carries a single ICE candidate
	KindCandidate Kind = "ice-candidate"
	// KindPeerJoined announces the presence of a peer in a channel
	KindPeerJoined Kind = "peer-joined"
	// KindPeerLeft announces that a peer left a channel
	KindPeerLeft Kind = "peer-left"
	// KindSubscribe registers a relay socket for a channel. It is never
	// forwarded to peers.
	KindSubscribe Kind = "subscribe"
)

// ErrMalformed is returned by Decode when a message is not a usable Envelope
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the unit of signaling. The JSON field names are the ones used
// on the wire by every transport.
type Envelope struct {
	Kind      Kind            `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ChannelID string          `json:"channelId"`
	Via       string          `json:"signalMethod,omitempty"`
}

// Presence is the payload of peer-joined envelopes
type Presence struct {
	Capabilities []string `json:"capabilities"`
}

// NewEnvelope builds an Envelope stamped with the given time in milliseconds.
// The payload, if not nil, is marshalled to JSON.
func NewEnvelope(kind Kind, from, to, channelID string, payload interface{}, now time.Time) (Envelope, error) {
	env := Envelope{
		Kind:      kind,
		From:      from,
		To:        to,
		Timestamp: now.UnixMilli(),
		ChannelID: channelID,
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshalling %s payload: %w", kind, err)
		}
		env.Payload = raw
	}

	return env, nil
}

// Validate checks that the mandatory fields are present
func (e Envelope) Validate() error {
	if e.Kind == "" || e.From == "" || e.ChannelID == "" {
		return ErrMalformed
	}
	return nil
}

// Encode returns the wire representation of the Envelope
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the payload into v
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s from %s: %w", e.Kind, e.From, ErrMalformed)
	}
	return json.Unmarshal(e.Payload, v)
}

// Decode parses and validates an Envelope. Errors wrap ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
