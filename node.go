package kvik

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kvikproto/kvik-go/internal/idcache"
)

// nodeBase holds the services shared by any role speaking this protocol:
// a random-seeded monotonic message-ID allocator, the duplicate-ID cache,
// the timestamp-window validator and the report-topic builder.
type nodeBase struct {
	mu     sync.Mutex
	nextID uint16

	idCache *idcache.Cache

	timeUnit time.Duration
	maxAge   uint8
	clock    clock.Clock

	reportBase, rssiSub, sep string
}

func newNodeBase(cfg *Config) (*nodeBase, error) {
	cache, err := idcache.New(cfg.Clock, cfg.MsgIDCache.TimeUnit, cfg.MsgIDCache.MaxAge)
	if err != nil {
		return nil, err
	}

	var seed [2]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("kvik: seeding message-id counter: %w", err)
	}

	return &nodeBase{
		nextID:     binary.BigEndian.Uint16(seed[:]),
		idCache:    cache,
		timeUnit:   cfg.MsgIDCache.TimeUnit,
		maxAge:     cfg.MsgIDCache.MaxAge,
		clock:      cfg.Clock,
		reportBase: cfg.Reporting.BaseTopic,
		rssiSub:    cfg.Reporting.RSSISubtopic,
		sep:        cfg.TopicSep.LevelSeparator,
	}, nil
}

// nextMsgID returns the current counter value then increments it, wrapping
// modulo 2^16.
func (n *nodeBase) nextMsgID() uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	return id
}

// validateMsgID reports whether (addr, id) is new. A false result means the
// pair was already seen within the cache's window: a duplicate / replay.
func (n *nodeBase) validateMsgID(addr LocalAddr, id uint16) bool {
	return n.idCache.Insert(addr.key(), id)
}

// nowUnits converts the current time, adjusted by gwTSDiff, into the coarse
// time-unit quanta carried on the wire.
func (n *nodeBase) nowUnits(gwTSDiff time.Duration) uint16 {
	now := n.clock.Now().Add(gwTSDiff)
	units := now.UnixMilli() / n.timeUnit.Milliseconds()
	return uint16(units)
}

// validateMsgTimestamp accepts tsUnits iff it falls in the closed window
// [now-(maxAge-1), now], comparing in u16 modular arithmetic so a wrap
// around 0/65536 never produces a false rejection. Equivalent to the
// documented "rotate both endpoints and the candidate by max_age" scheme:
// the wrap-distance (now - ts) is itself wrap-safe under uint16 subtraction,
// so comparing that distance against maxAge-1 gives the same accept set
// without needing an explicit rotation step.
func (n *nodeBase) validateMsgTimestamp(tsUnits uint16, gwTSDiff time.Duration) bool {
	now := n.nowUnits(gwTSDiff)
	dist := now - tsUnits // wraps correctly even if tsUnits > now numerically
	return dist <= uint16(n.maxAge-1)
}

// buildReportRSSITopic builds the topic a best-effort RSSI report publishes
// to for the given peer: report_base/rssi_sub/<hex-addr>.
func (n *nodeBase) buildReportRSSITopic(peer Peer) string {
	return n.reportBase + n.sep + n.rssiSub + n.sep + peer.Addr.String()
}

// close releases the node base's background timer.
func (n *nodeBase) close() {
	n.idCache.Close()
}
