package kvik

import "time"

// Sentinel metadata values for Peer fields that have not been observed.
const (
	PrefUnknown int16 = -1 << 15 // math.MinInt16
	RSSIUnknown int16 = -1 << 15
)

// Peer describes a candidate or bound gateway. Equality and hashing are by
// Addr alone; Preference, RSSI and TSDiff are metadata used during
// selection and time sync, not identity.
type Peer struct {
	Addr LocalAddr

	// Channel the peer was last seen/selected on. 0 means "default, no
	// channel switch needed".
	Channel uint16

	// Preference ranks candidate gateways during discovery; higher wins.
	Preference int16

	// RSSI is the inbound signal strength last observed from this peer.
	RSSI int16

	// TSDiff is (gateway clock - local clock), maintained by time sync.
	TSDiff time.Duration
}

// Empty reports whether this is the zero-value "no gateway" peer.
func (p Peer) Empty() bool {
	return p.Addr.Empty()
}

// retainedAddrCap is the fixed capacity of the address field in a
// RetainedPeer snapshot.
const retainedAddrCap = 32

// RetainedPeer is a fixed-size snapshot of a chosen gateway binding, sized to
// survive a deep-sleep / power cycle in constrained storage (e.g. an RTC
// memory region). See Client.Retain and the wire layout documented on
// RetainedSnapshot.
type RetainedPeer struct {
	Addr    [retainedAddrCap]byte
	AddrLen uint8
	Channel uint16
}

// ToPeer reconstructs a Peer from a retained snapshot. Preference and RSSI
// are unknown and set to their sentinel values; TSDiff is zero until
// sync_time re-establishes it.
func (r RetainedPeer) ToPeer() Peer {
	return Peer{
		Addr:       LocalAddr(append([]byte(nil), r.Addr[:r.AddrLen]...)),
		Channel:    r.Channel,
		Preference: PrefUnknown,
		RSSI:       RSSIUnknown,
	}
}

// RetainedPeerFromPeer truncates p.Addr to the snapshot's fixed capacity.
// Addresses longer than the capacity are truncated; round-tripping a
// truncated snapshot therefore yields a peer that will not validate against
// the original gateway address (see Client.Retain).
func RetainedPeerFromPeer(p Peer) RetainedPeer {
	var r RetainedPeer
	n := len(p.Addr)
	if n > retainedAddrCap {
		n = retainedAddrCap
	}
	copy(r.Addr[:], p.Addr[:n])
	r.AddrLen = uint8(n)
	r.Channel = p.Channel
	return r
}
