package session

import "p2p-park/internal/overlay/wire"

// IsRelayable reports whether a message type participates in hop-count/
// suppression relay at all (manifests and endpoint broadcasts are
// consumed/re-announced through their own dedicated paths, not the
// generic relay fabric).
func IsRelayable(t wire.MessageType) bool {
	return t == wire.MsgProposal || t == wire.MsgValidation
}

// DropForTTL implements spec §4.5 step 2: if the message declares a hop
// count and it has reached maxTTL, it must not be relayed further (local
// dispatch may still happen).
func DropForTTL(env wire.Envelope, maxTTL uint32) bool {
	return IsRelayable(env.Type) && env.Hops >= maxTTL
}
