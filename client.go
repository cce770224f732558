// Package kvik implements a publish/subscribe client for resource-constrained
// nodes that talk to a gateway over a pluggable link-level transport. See
// the package-level documentation in doc.go for an overview.
package kvik

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvikproto/kvik-go/internal/ktimer"
)

// pendingRequest tracks one outstanding request awaiting a response. The
// sender inserts it just before Transport.Send and erases it on completion
// or timeout; the dispatcher writes into the same struct through the
// pending map, so ownership of the slot is shared between the two paths,
// proven disjoint by erasing from exactly one of them.
type pendingRequest struct {
	req       LocalMsg
	broadcast bool
	responses []LocalMsg
	done      chan struct{}
	doneOnce  sync.Once
	// shutdown is set by Close before completing a still-pending request, so
	// the waiting sender can distinguish "woken by a real response" from
	// "woken because the client is going away".
	shutdown bool
}

func newPendingRequest(req LocalMsg, broadcast bool) *pendingRequest {
	return &pendingRequest{req: req, broadcast: broadcast, done: make(chan struct{})}
}

func (p *pendingRequest) complete() {
	p.doneOnce.Do(func() { close(p.done) })
}

// Client owns the gateway peer, the pending-request table, the subscription
// database, the background timers and the discovery/watchdog machinery.
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	cfg       *Config
	transport Transport
	nb        *nodeBase
	log       *slog.Logger
	metrics   *Metrics

	// discoverySyncLock serializes gateway discovery and time sync; it is
	// always acquired before stateLock when both are needed.
	discoverySyncLock sync.Mutex

	// stateLock guards the gateway slot, the subscription DB, the pending
	// map, the failure counters, ignoreInvalidTS and the shutdown flag.
	// It is held only around fast, non-blocking sections: never across a
	// transport Send, and never across a user callback.
	stateLock sync.Mutex

	gateway           Peer
	subs              *subscriptionDB
	pending           map[uint16]*pendingRequest
	msgsFailCnt       uint16
	timeSyncNoRespCnt uint16
	ignoreInvalidTS   bool
	closed            bool

	watchdogWake chan struct{}
	watchdogDone chan struct{}
	watchdogWG   sync.WaitGroup

	renewalTimer  *ktimer.Timer
	timeSyncTimer *ktimer.Timer
}

// New builds a client bound to transport and configured by cfg. If retained
// is non-nil, the client first tries a fast-path time sync against the
// retained gateway on its retained channel; on success it reuses that
// binding, otherwise (or if retained is nil) it runs a full discovery pass
// bounded by cfg.GwDscv.InitialDscvFailThres attempts (0 = infinite).
// Construction fails if transport is nil, cfg is invalid, or the initial
// discovery exhausts its attempts.
func New(cfg *Config, transport Transport, retained *RetainedSnapshot) (*Client, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	nb, err := newNodeBase(cfg)
	if err != nil {
		return nil, err
	}
	subs, err := newSubscriptionDB(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = DefaultConfig().Logger
	}
	logger = logger.With("component", "kvik.client", "instance", uuid.NewString())

	c := &Client{
		cfg:          cfg,
		transport:    transport,
		nb:           nb,
		log:          logger,
		metrics:      cfg.Metrics,
		subs:         subs,
		pending:      make(map[uint16]*pendingRequest),
		watchdogWake: make(chan struct{}, 1),
		watchdogDone: make(chan struct{}),
	}

	if retained != nil {
		c.gateway = retained.Peer.ToPeer()
		c.msgsFailCnt = retained.MsgsFailCnt
		c.timeSyncNoRespCnt = retained.TimeSyncNoRespCnt
	}

	transport.SetRecvCallback(c.recv)

	synced := false
	if retained != nil && !c.gateway.Empty() {
		if len(transport.Channels()) > 0 && c.gateway.Channel != 0 {
			if err := transport.SetChannel(c.gateway.Channel); err != nil {
				c.log.Warn("failed to set retained channel", "error", err)
			}
		}
		if err := c.syncTime(true); err != nil {
			c.log.Info("retained-gateway time sync failed, falling back to discovery", "error", err)
		} else {
			synced = true
		}
	}

	if !synced {
		if err := c.DiscoverGateway(cfg.GwDscv.InitialDscvFailThres); err != nil {
			transport.SetRecvCallback(nil)
			nb.close()
			return nil, err
		}
	}

	c.watchdogWG.Add(1)
	go c.watchdogLoop()

	c.timeSyncTimer = ktimer.New(cfg.Clock, effectiveInterval(cfg.TimeSync.ReprobeGatewayInterval), func() {
		if cfg.TimeSync.ReprobeGatewayInterval <= 0 {
			return
		}
		if err := c.SyncTime(); err != nil {
			c.log.Debug("periodic time sync failed", "error", err)
		}
	})
	c.renewalTimer = ktimer.New(cfg.Clock, cfg.SubDB.SubLifetime, c.renewSubscriptions)

	return c, nil
}

// effectiveInterval guards against handing ktimer a non-positive interval
// when periodic time sync is disabled (reprobe_gateway_interval == 0); the
// callback itself is a no-op in that case, so the exact value only affects
// how often a harmless no-op fires.
func effectiveInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}

// Close shuts the client down: it stops the background timers, joins the
// watchdog goroutine, clears the transport callback, and completes every
// in-flight pending request; a waiter that got no response then returns a
// CodeGenericFailure *Error with ErrClientClosed's text. It does not return until
// any rediscovery the watchdog had in flight has actually stopped touching
// the transport, and until it has itself passed through both locks one last
// time, so nothing started before Close can still observe client state
// afterward.
func (c *Client) Close() error {
	c.stateLock.Lock()
	if c.closed {
		c.stateLock.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint16]*pendingRequest)
	c.stateLock.Unlock()

	for _, p := range pending {
		p.shutdown = true
		p.complete()
	}

	close(c.watchdogDone)
	c.wakeWatchdog()
	c.watchdogWG.Wait()

	c.renewalTimer.Stop()
	c.timeSyncTimer.Stop()
	c.transport.SetRecvCallback(nil)
	c.nb.close()

	c.discoverySyncLock.Lock()
	c.stateLock.Lock()
	c.stateLock.Unlock()
	c.discoverySyncLock.Unlock()

	return nil
}

// gatewaySnapshot returns a copy of the current gateway peer under lock.
func (c *Client) gatewaySnapshot() Peer {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.gateway
}

// setGateway installs a new gateway binding and zeroes both failure
// counters, as required on every successful discovery.
func (c *Client) setGateway(p Peer) {
	c.stateLock.Lock()
	c.gateway = p
	c.msgsFailCnt = 0
	c.timeSyncNoRespCnt = 0
	c.stateLock.Unlock()
	c.metrics.setGatewayBound(!p.Empty())
	c.metrics.setMsgsFailCnt(0)
	c.metrics.setTimeSyncNoRespCnt(0)
}

// clearGateway empties the gateway slot after a discovery attempt that
// found no gateway.
func (c *Client) clearGateway() {
	c.stateLock.Lock()
	c.gateway = Peer{}
	c.stateLock.Unlock()
	c.metrics.setGatewayBound(false)
}

// isClosed reports the shutdown flag under lock.
func (c *Client) isClosed() bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.closed
}

// noteUnicastOutcome resets msgsFailCnt on a successful unicast exchange,
// or increments it on failure, waking the watchdog once it crosses the
// configured threshold.
func (c *Client) noteUnicastOutcome(ok bool) {
	c.stateLock.Lock()
	if ok {
		c.msgsFailCnt = 0
	} else {
		c.msgsFailCnt++
	}
	cnt := c.msgsFailCnt
	c.stateLock.Unlock()

	c.metrics.setMsgsFailCnt(cnt)
	if !ok && cnt >= c.cfg.trigMsgsFailThreshold() {
		c.wakeWatchdog()
	}
}

// noteTimeSyncOutcome resets timeSyncNoRespCnt on a successful sync, or
// increments it on failure, waking the watchdog once it crosses the
// configured threshold.
func (c *Client) noteTimeSyncOutcome(ok bool) {
	c.stateLock.Lock()
	if ok {
		c.timeSyncNoRespCnt = 0
	} else {
		c.timeSyncNoRespCnt++
	}
	cnt := c.timeSyncNoRespCnt
	c.stateLock.Unlock()

	c.metrics.setTimeSyncNoRespCnt(cnt)
	if ok {
		c.metrics.incTimeSyncSuccesses()
	} else {
		c.metrics.incTimeSyncFailures()
		if cnt >= c.cfg.trigTimeSyncThreshold() {
			c.wakeWatchdog()
		}
	}
}

func (c *Client) wakeWatchdog() {
	select {
	case c.watchdogWake <- struct{}{}:
	default:
	}
}

// ctxWithRespTimeout is a small helper shared by the request paths.
func (c *Client) ctxWithRespTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, c.cfg.LocalDelivery.RespTimeout)
}
