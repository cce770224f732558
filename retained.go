package kvik

import (
	"encoding/binary"
	"fmt"
)

// RetainedSnapshot is the full binary-serializable record produced by
// Client.Retain, suitable for storing in an RTC-like deep-sleep memory
// region and fed back into New on the next boot.
//
// Wire layout (little-endian, fixed 39 bytes):
//
//	addr_bytes             [32]byte  zero-padded
//	addr_len               uint8     0..32
//	channel                uint16
//	msgs_fail_cnt          uint16
//	time_sync_no_resp_cnt  uint16
type RetainedSnapshot struct {
	Peer                RetainedPeer
	MsgsFailCnt         uint16
	TimeSyncNoRespCnt   uint16
}

// EncodedRetainedSnapshotSize is the byte length produced by Encode.
const EncodedRetainedSnapshotSize = retainedAddrCap + 1 + 2 + 2 + 2

// Encode serializes the snapshot to its fixed-size wire form.
func (s RetainedSnapshot) Encode() []byte {
	buf := make([]byte, EncodedRetainedSnapshotSize)
	copy(buf[0:retainedAddrCap], s.Peer.Addr[:])
	buf[retainedAddrCap] = s.Peer.AddrLen
	off := retainedAddrCap + 1
	binary.LittleEndian.PutUint16(buf[off:], s.Peer.Channel)
	binary.LittleEndian.PutUint16(buf[off+2:], s.MsgsFailCnt)
	binary.LittleEndian.PutUint16(buf[off+4:], s.TimeSyncNoRespCnt)
	return buf
}

// DecodeRetainedSnapshot parses a buffer produced by Encode.
func DecodeRetainedSnapshot(buf []byte) (RetainedSnapshot, error) {
	var s RetainedSnapshot
	if len(buf) != EncodedRetainedSnapshotSize {
		return s, fmt.Errorf("kvik: retained snapshot must be %d bytes, got %d", EncodedRetainedSnapshotSize, len(buf))
	}
	copy(s.Peer.Addr[:], buf[0:retainedAddrCap])
	s.Peer.AddrLen = buf[retainedAddrCap]
	if s.Peer.AddrLen > retainedAddrCap {
		return RetainedSnapshot{}, fmt.Errorf("kvik: retained snapshot addr_len %d exceeds capacity %d", s.Peer.AddrLen, retainedAddrCap)
	}
	off := retainedAddrCap + 1
	s.Peer.Channel = binary.LittleEndian.Uint16(buf[off:])
	s.MsgsFailCnt = binary.LittleEndian.Uint16(buf[off+2:])
	s.TimeSyncNoRespCnt = binary.LittleEndian.Uint16(buf[off+4:])
	return s, nil
}

// Retain snapshots the client's current gateway binding and failure
// counters. Addresses longer than the snapshot's capacity are silently
// truncated by RetainedPeerFromPeer; see the package doc for the
// re-validate-or-rediscover policy this implies on restore.
func (c *Client) Retain() RetainedSnapshot {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	return RetainedSnapshot{
		Peer:              RetainedPeerFromPeer(c.gateway),
		MsgsFailCnt:       c.msgsFailCnt,
		TimeSyncNoRespCnt: c.timeSyncNoRespCnt,
	}
}
