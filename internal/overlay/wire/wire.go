// Package wire defines the Peer Session's on-wire envelope. Spec's
// Non-goals explicitly leave the message wire format unspecified beyond
// what is needed for framing and identification, so this is a bespoke
// JSON-over-stream envelope in the teacher's own idiom
// (internal/proto/messages.go's Envelope{Type,FromID,Payload}), extended
// with the hop count spec §3/§4.5 requires.
package wire

import (
	"encoding/json"

	"p2p-park/internal/overlay/types"
)

type MessageType string

const (
	MsgManifest    MessageType = "manifest"
	MsgEndpoints   MessageType = "endpoints"
	MsgProposal    MessageType = "proposal"
	MsgValidation  MessageType = "validation"
	MsgDisconnect  MessageType = "disconnect" // final politeDisconnect reason message
)

// Envelope is the framing unit exchanged over a Peer Session's socket.
type Envelope struct {
	Type    MessageType     `json:"type"`
	From    types.ShortID   `json:"from"`
	Hops    uint32          `json:"hops,omitempty"`
	History bool            `json:"history,omitempty"` // manifest set sent on initial connect; never re-relayed
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// EndpointsMessage is the payload of MsgEndpoints, the broadcast set
// buildEndpointsForPeers produces.
type EndpointsMessage struct {
	Endpoints []string `json:"endpoints"`
}

// ManifestMessage is the payload of MsgManifest: a raw manifest blob plus
// enough fields to reconstruct it without a second round-trip.
type ManifestMessage struct {
	Master    string `json:"master"`
	Signing   string `json:"signing"`
	Sequence  uint32 `json:"sequence"`
	Signature []byte `json:"signature"`
	Raw       []byte `json:"raw"`
}

// DisconnectMessage is the payload of MsgDisconnect, BasePeer's "final
// message before grace-period close" pattern.
type DisconnectMessage struct {
	Reason string `json:"reason"`
}
